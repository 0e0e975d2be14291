package store

import (
	"context"
	"errors"
	"strings"

	logx "commitpulse/pkg/logx"
)

// Store is the document store contract the scheduler core depends on.
//
// Record families:
//   - users/{id}:        credentials + profile (ingress writes, core reads)
//   - commitConfig/{id}: per-user schedule config (core reads)
//   - commitStatus/{id}: scheduling state (recorder merge-updates, scanner queries)
//   - commits/{id}:      append-only attempt log (recorder appends, history pages)
type Store interface {
	Close() error

	GetUser(ctx context.Context, id string) (*User, error)
	PutUser(ctx context.Context, u *User) error

	GetCommitConfig(ctx context.Context, userID string) (*CommitConfig, error)
	PutCommitConfig(ctx context.Context, c *CommitConfig) error

	GetStatus(ctx context.Context, userID string) (*CommitStatus, error)
	PutStatus(ctx context.Context, s *CommitStatus) error
	// UpdateStatus merge-updates a single user's status document.
	// Missing documents are an error (ErrNotFound); activation creates them via PutStatus.
	UpdateStatus(ctx context.Context, userID string, upd StatusUpdate) error
	ListActiveStatuses(ctx context.Context) ([]CommitStatus, error)

	AppendRecord(ctx context.Context, r *CommitRecord) error
	// ListRecords returns up to limit records for the user, newest first.
	// A non-zero before timestamp pages past records older than it.
	ListRecords(ctx context.Context, userID string, limit int, before int64) ([]CommitRecord, error)
}

// Open creates a store for the given config.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case "sqlite":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "", "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("store: unknown driver " + cfg.Driver)
	}
}
