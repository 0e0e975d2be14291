package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "commitpulse/pkg/logx"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	file, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	t.Cleanup(func() { _ = file.Close() })

	return map[string]Store{"sqlite": sqlite, "file": file}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("empty driver: %v", err)
	}
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := st.GetUser(ctx, "u1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing user: %v", err)
			}

			u := &User{
				ID:       "u1",
				Username: "alice",
				Token:    "ghp_x",
				Repositories: []RepoInfo{
					{Name: "alice/project", DefaultBranch: "main", Language: "Go", Stars: 2},
				},
			}
			if err := st.PutUser(ctx, u); err != nil {
				t.Fatalf("PutUser: %v", err)
			}

			got, err := st.GetUser(ctx, "u1")
			if err != nil {
				t.Fatalf("GetUser: %v", err)
			}
			if got.Username != "alice" || got.Token != "ghp_x" {
				t.Fatalf("user = %+v", got)
			}
			if len(got.Repositories) != 1 || got.Repositories[0].Name != "alice/project" {
				t.Fatalf("repositories = %+v", got.Repositories)
			}

			// Upsert replaces.
			u.Token = "ghp_y"
			if err := st.PutUser(ctx, u); err != nil {
				t.Fatalf("PutUser upsert: %v", err)
			}
			got, _ = st.GetUser(ctx, "u1")
			if got.Token != "ghp_y" {
				t.Fatalf("upsert token = %q", got.Token)
			}
		})
	}
}

func TestCommitConfigRoundTrip(t *testing.T) {
	t.Parallel()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			cfg := &CommitConfig{
				UserID:          "u1",
				Repository:      "alice/project",
				Branch:          "main",
				Frequency:       "daily",
				MessageTemplate: "Update {timestamp}",
				StartDate:       start,
			}
			if err := st.PutCommitConfig(ctx, cfg); err != nil {
				t.Fatalf("PutCommitConfig: %v", err)
			}

			got, err := st.GetCommitConfig(ctx, "u1")
			if err != nil {
				t.Fatalf("GetCommitConfig: %v", err)
			}
			if got.Frequency != "daily" || !got.StartDate.Equal(start) {
				t.Fatalf("config = %+v", got)
			}
			if !got.EndDate.IsZero() {
				t.Fatalf("zero end date round-tripped as %v", got.EndDate)
			}
		})
	}
}

func TestUpdateStatusMergeSemantics(t *testing.T) {
	t.Parallel()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := st.UpdateStatus(ctx, "ghost", StatusUpdate{}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update of missing status: %v", err)
			}

			last := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
			err := st.PutStatus(ctx, &CommitStatus{
				UserID:        "u1",
				Active:        true,
				LastCommit:    &last,
				TotalCommits:  5,
				StreakCount:   2,
				LastCommitSHA: "old",
			})
			if err != nil {
				t.Fatalf("PutStatus: %v", err)
			}

			next := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			err = st.UpdateStatus(ctx, "u1", StatusUpdate{
				NextCommit:  next,
				ResetStreak: true,
			})
			if err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}

			got, _ := st.GetStatus(ctx, "u1")
			if got.StreakCount != 0 || got.TotalCommits != 5 {
				t.Fatalf("counters = %d/%d", got.TotalCommits, got.StreakCount)
			}
			if got.LastCommit == nil || !got.LastCommit.Equal(last) {
				t.Fatalf("zero update touched last commit: %v", got.LastCommit)
			}
			if got.LastCommitSHA != "old" {
				t.Fatalf("empty sha update touched stored sha: %q", got.LastCommitSHA)
			}
			if got.NextCommit == nil || !got.NextCommit.Equal(next) {
				t.Fatalf("next commit = %v, want %v", got.NextCommit, next)
			}

			now := time.Now().Truncate(time.Millisecond)
			err = st.UpdateStatus(ctx, "u1", StatusUpdate{
				LastCommit:      now,
				NextCommit:      next,
				LastCommitSHA:   "new",
				IncrementTotal:  true,
				IncrementStreak: true,
			})
			if err != nil {
				t.Fatalf("UpdateStatus success merge: %v", err)
			}
			got, _ = st.GetStatus(ctx, "u1")
			if got.TotalCommits != 6 || got.StreakCount != 1 || got.LastCommitSHA != "new" {
				t.Fatalf("status after success merge = %+v", got)
			}
		})
	}
}

func TestListActiveStatuses(t *testing.T) {
	t.Parallel()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, s := range []*CommitStatus{
				{UserID: "a", Active: true},
				{UserID: "b", Active: false},
				{UserID: "c", Active: true},
			} {
				if err := st.PutStatus(ctx, s); err != nil {
					t.Fatalf("PutStatus: %v", err)
				}
			}

			active, err := st.ListActiveStatuses(ctx)
			if err != nil {
				t.Fatalf("ListActiveStatuses: %v", err)
			}
			if len(active) != 2 {
				t.Fatalf("active = %d, want 2", len(active))
			}
			for _, s := range active {
				if s.UserID == "b" {
					t.Fatal("inactive user listed")
				}
			}
		})
	}
}

func TestListRecordsPaging(t *testing.T) {
	t.Parallel()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				err := st.AppendRecord(ctx, &CommitRecord{
					ID:         "r" + string(rune('0'+i)),
					UserID:     "u1",
					Repository: "alice/project",
					Status:     RecordSuccess,
					Timestamp:  base.Add(time.Duration(i) * time.Minute),
				})
				if err != nil {
					t.Fatalf("AppendRecord: %v", err)
				}
			}
			err := st.AppendRecord(ctx, &CommitRecord{
				ID: "other", UserID: "u2", Status: RecordFailed, Timestamp: base,
			})
			if err != nil {
				t.Fatalf("AppendRecord other user: %v", err)
			}

			page, err := st.ListRecords(ctx, "u1", 2, 0)
			if err != nil {
				t.Fatalf("ListRecords: %v", err)
			}
			if len(page) != 2 || page[0].ID != "r4" || page[1].ID != "r3" {
				t.Fatalf("first page = %+v", page)
			}

			next, err := st.ListRecords(ctx, "u1", 2, page[1].Timestamp.UnixMilli())
			if err != nil {
				t.Fatalf("ListRecords before: %v", err)
			}
			if len(next) != 2 || next[0].ID != "r2" || next[1].ID != "r1" {
				t.Fatalf("second page = %+v", next)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.PutUser(ctx, &User{ID: "u1", Username: "alice", Token: "t"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := st.PutStatus(ctx, &CommitStatus{UserID: "u1", Active: true, TotalCommits: 3}); err != nil {
		t.Fatalf("PutStatus: %v", err)
	}
	if err := st.AppendRecord(ctx, &CommitRecord{ID: "sha", UserID: "u1", Status: RecordSuccess}); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	u, err := st2.GetUser(ctx, "u1")
	if err != nil || u.Username != "alice" {
		t.Fatalf("user after reopen: %+v err=%v", u, err)
	}
	s, err := st2.GetStatus(ctx, "u1")
	if err != nil || s.TotalCommits != 3 {
		t.Fatalf("status after reopen: %+v err=%v", s, err)
	}
	recs, err := st2.ListRecords(ctx, "u1", 10, 0)
	if err != nil || len(recs) != 1 || recs[0].ID != "sha" {
		t.Fatalf("records after reopen: %+v err=%v", recs, err)
	}
}
