package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "commitpulse/pkg/logx"
)

// fileStore is a dependency-free persistence backend for small installs and tests.
//
// Files:
//   - <prefix>.users.json    (snapshot)
//   - <prefix>.configs.json  (snapshot)
//   - <prefix>.status.json   (snapshot)
//   - <prefix>.commits.jsonl (append-only JSON Lines)
//
// Snapshots are rewritten atomically (tmp + rename) on every mutation; the
// commit log only ever appends. Everything is held in memory, which is fine
// for the user counts this backend is meant for.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	prefix string

	users    map[string]*User
	configs  map[string]*CommitConfig
	statuses map[string]*CommitStatus

	commitsFile *os.File
	records     []CommitRecord // newest last
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:      log,
		prefix:   prefix,
		users:    map[string]*User{},
		configs:  map[string]*CommitConfig{},
		statuses: map[string]*CommitStatus{},
	}

	_ = loadSnapshot(prefix+".users.json", &s.users)
	_ = loadSnapshot(prefix+".configs.json", &s.configs)
	_ = loadSnapshot(prefix+".status.json", &s.statuses)

	commitsPath := prefix + ".commits.jsonl"
	if err := s.replayCommits(commitsPath); err != nil {
		return nil, err
	}

	cf, err := os.OpenFile(commitsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.commitsFile = cf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitsFile != nil {
		err := s.commitsFile.Close()
		s.commitsFile = nil
		return err
	}
	return nil
}

func (s *fileStore) GetUser(ctx context.Context, id string) (*User, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fileStore) PutUser(ctx context.Context, u *User) error {
	_ = ctx
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	cp := *u
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &cp
	return writeSnapshot(s.prefix+".users.json", s.users)
}

func (s *fileStore) GetCommitConfig(ctx context.Context, userID string) (*CommitConfig, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fileStore) PutCommitConfig(ctx context.Context, c *CommitConfig) error {
	_ = ctx
	if c == nil || strings.TrimSpace(c.UserID) == "" {
		return errors.New("config user_id is required")
	}
	cp := *c
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[c.UserID] = &cp
	return writeSnapshot(s.prefix+".configs.json", s.configs)
}

func (s *fileStore) GetStatus(ctx context.Context, userID string) (*CommitStatus, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *fileStore) PutStatus(ctx context.Context, st *CommitStatus) error {
	_ = ctx
	if st == nil || strings.TrimSpace(st.UserID) == "" {
		return errors.New("status user_id is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	cp := *st
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.UserID] = &cp
	return writeSnapshot(s.prefix+".status.json", s.statuses)
}

func (s *fileStore) UpdateStatus(ctx context.Context, userID string, upd StatusUpdate) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[userID]
	if !ok {
		return ErrNotFound
	}
	if !upd.LastCommit.IsZero() {
		t := upd.LastCommit
		st.LastCommit = &t
	}
	if !upd.NextCommit.IsZero() {
		t := upd.NextCommit
		st.NextCommit = &t
	}
	if upd.LastCommitSHA != "" {
		st.LastCommitSHA = upd.LastCommitSHA
	}
	if upd.IncrementTotal {
		st.TotalCommits++
	}
	switch {
	case upd.ResetStreak:
		st.StreakCount = 0
	case upd.IncrementStreak:
		st.StreakCount++
	}
	st.UpdatedAt = time.Now()
	return writeSnapshot(s.prefix+".status.json", s.statuses)
}

func (s *fileStore) ListActiveStatuses(ctx context.Context) ([]CommitStatus, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CommitStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		if st.Active {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *fileStore) AppendRecord(ctx context.Context, r *CommitRecord) error {
	_ = ctx
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return errors.New("record id is required")
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	cp := *r
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitsFile == nil {
		return errors.New("commit log closed")
	}
	if err := json.NewEncoder(s.commitsFile).Encode(&cp); err != nil {
		return err
	}
	s.records = append(s.records, cp)
	return nil
}

func (s *fileStore) ListRecords(ctx context.Context, userID string, limit int, before int64) ([]CommitRecord, error) {
	_ = ctx
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CommitRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		if r.UserID != userID {
			continue
		}
		if before != 0 && r.Timestamp.UnixMilli() >= before {
			continue
		}
		out = append(out, r)
	}
	// Replay order within one file is already chronological; guard anyway.
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *fileStore) replayCommits(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r CommitRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		s.records = append(s.records, r)
	}
	return sc.Err()
}

func loadSnapshot[T any](path string, out *T) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeSnapshot(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
