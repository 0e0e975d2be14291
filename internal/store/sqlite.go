package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "commitpulse/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *sqliteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		u     User
		repos sql.NullString
		upMS  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, token, repositories, updated_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.Token, &repos, &upMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.UpdatedAt = time.UnixMilli(upMS)
	if repos.Valid && repos.String != "" {
		if err := json.Unmarshal([]byte(repos.String), &u.Repositories); err != nil {
			s.log.Warn("users: bad repositories json", logx.String("user", id), logx.Err(err))
		}
	}
	return &u, nil
}

func (s *sqliteStore) PutUser(ctx context.Context, u *User) error {
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	var repos any
	if len(u.Repositories) > 0 {
		b, err := json.Marshal(u.Repositories)
		if err != nil {
			return err
		}
		repos = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, token, repositories, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username=excluded.username, token=excluded.token,
		   repositories=excluded.repositories, updated_at=excluded.updated_at`,
		u.ID, u.Username, u.Token, repos, u.UpdatedAt.UnixMilli(),
	)
	return err
}

// ---- commit config ----

func (s *sqliteStore) GetCommitConfig(ctx context.Context, userID string) (*CommitConfig, error) {
	var (
		c          CommitConfig
		start, end sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, repository, branch, frequency, message_template, start_date, end_date
		 FROM commit_config WHERE user_id = ?`, userID,
	).Scan(&c.UserID, &c.Repository, &c.Branch, &c.Frequency, &c.MessageTemplate, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if start.Valid {
		c.StartDate = time.UnixMilli(start.Int64)
	}
	if end.Valid {
		c.EndDate = time.UnixMilli(end.Int64)
	}
	return &c, nil
}

func (s *sqliteStore) PutCommitConfig(ctx context.Context, c *CommitConfig) error {
	if c == nil || strings.TrimSpace(c.UserID) == "" {
		return errors.New("config user_id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commit_config(user_id, repository, branch, frequency, message_template, start_date, end_date)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   repository=excluded.repository, branch=excluded.branch,
		   frequency=excluded.frequency, message_template=excluded.message_template,
		   start_date=excluded.start_date, end_date=excluded.end_date`,
		c.UserID, c.Repository, c.Branch, c.Frequency, c.MessageTemplate,
		nullMilli(c.StartDate), nullMilli(c.EndDate),
	)
	return err
}

// ---- commit status ----

func (s *sqliteStore) GetStatus(ctx context.Context, userID string) (*CommitStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, active, last_commit, next_commit, total_commits, streak_count, last_commit_sha, updated_at
		 FROM commit_status WHERE user_id = ?`, userID)
	st, err := scanStatus(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) PutStatus(ctx context.Context, st *CommitStatus) error {
	if st == nil || strings.TrimSpace(st.UserID) == "" {
		return errors.New("status user_id is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commit_status(user_id, active, last_commit, next_commit, total_commits, streak_count, last_commit_sha, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   active=excluded.active, last_commit=excluded.last_commit,
		   next_commit=excluded.next_commit, total_commits=excluded.total_commits,
		   streak_count=excluded.streak_count, last_commit_sha=excluded.last_commit_sha,
		   updated_at=excluded.updated_at`,
		st.UserID, boolInt(st.Active), nullTimePtr(st.LastCommit), nullTimePtr(st.NextCommit),
		st.TotalCommits, st.StreakCount, nullStr(st.LastCommitSHA), st.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, userID string, upd StatusUpdate) error {
	// Counter math happens in SQL so a concurrent reader never observes a
	// half-applied merge.
	streak := "streak_count"
	switch {
	case upd.ResetStreak:
		streak = "0"
	case upd.IncrementStreak:
		streak = "streak_count + 1"
	}
	total := "total_commits"
	if upd.IncrementTotal {
		total = "total_commits + 1"
	}
	var args []any
	last := "last_commit"
	if !upd.LastCommit.IsZero() {
		last = "?"
		args = append(args, upd.LastCommit.UnixMilli())
	}
	next := "next_commit"
	if !upd.NextCommit.IsZero() {
		next = "?"
		args = append(args, upd.NextCommit.UnixMilli())
	}
	sha := "last_commit_sha"
	if upd.LastCommitSHA != "" {
		sha = "?"
		args = append(args, upd.LastCommitSHA)
	}
	args = append(args, time.Now().UnixMilli(), userID)

	q := fmt.Sprintf(
		`UPDATE commit_status
		 SET last_commit = %s, next_commit = %s, total_commits = %s, streak_count = %s, last_commit_sha = %s, updated_at = ?
		 WHERE user_id = ?`, last, next, total, streak, sha)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListActiveStatuses(ctx context.Context) ([]CommitStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, active, last_commit, next_commit, total_commits, streak_count, last_commit_sha, updated_at
		 FROM commit_status WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommitStatus
	for rows.Next() {
		st, err := scanStatus(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanStatus(scan func(dest ...any) error) (*CommitStatus, error) {
	var (
		st         CommitStatus
		active     int
		last, next sql.NullInt64
		sha        sql.NullString
		upMS       int64
	)
	if err := scan(&st.UserID, &active, &last, &next, &st.TotalCommits, &st.StreakCount, &sha, &upMS); err != nil {
		return nil, err
	}
	st.Active = active != 0
	if last.Valid {
		t := time.UnixMilli(last.Int64)
		st.LastCommit = &t
	}
	if next.Valid {
		t := time.UnixMilli(next.Int64)
		st.NextCommit = &t
	}
	st.LastCommitSHA = sha.String
	st.UpdatedAt = time.UnixMilli(upMS)
	return &st, nil
}

// ---- commit records ----

func (s *sqliteStore) AppendRecord(ctx context.Context, r *CommitRecord) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return errors.New("record id is required")
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	var meta any
	if r.Meta != nil {
		b, err := json.Marshal(r.Meta)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commits(id, user_id, repository, branch, status, message, commit_sha, err, ts, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, r.Repository, r.Branch, r.Status, r.Message,
		nullStr(r.CommitSHA), nullStr(r.Error), r.Timestamp.UnixMilli(), meta,
	)
	return err
}

func (s *sqliteStore) ListRecords(ctx context.Context, userID string, limit int, before int64) ([]CommitRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, repository, branch, status, message, commit_sha, err, ts, meta
		 FROM commits
		 WHERE user_id = ? AND (? = 0 OR ts < ?)
		 ORDER BY ts DESC LIMIT ?`,
		userID, before, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommitRecord
	for rows.Next() {
		var (
			r        CommitRecord
			sha, msg sql.NullString
			errStr   sql.NullString
			meta     sql.NullString
			ms       int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Repository, &r.Branch, &r.Status, &msg, &sha, &errStr, &ms, &meta); err != nil {
			return nil, err
		}
		r.Message = msg.String
		r.CommitSHA = sha.String
		r.Error = errStr.String
		r.Timestamp = time.UnixMilli(ms)
		if meta.Valid && meta.String != "" {
			var m RecordMeta
			if err := json.Unmarshal([]byte(meta.String), &m); err == nil {
				r.Meta = &m
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
