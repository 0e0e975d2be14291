package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrDisabled = errors.New("store: disabled")
)

// Config selects and configures the document store backend.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file":   dependency-free file backend (snapshots + jsonl commit log)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RepoInfo is repository metadata captured at credential-validation time so
// the configuration UI can render a repo picker without another host call.
type RepoInfo struct {
	Name          string    `json:"name"` // owner/name
	Description   string    `json:"description,omitempty"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	Stars         int       `json:"stars"`
	Forks         int       `json:"forks"`
	Language      string    `json:"language,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
}

// User holds the repository-host credentials and profile for one user.
// The scheduler core reads it; only the ingress layer writes it.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Token        string     `json:"token"` // never logged
	Repositories []RepoInfo `json:"repositories,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CommitConfig is one user's commit schedule configuration.
// Read-only to the scheduler core.
type CommitConfig struct {
	UserID     string `json:"user_id"`
	Repository string `json:"repository"` // owner/name
	Branch     string `json:"branch"`
	Frequency  string `json:"frequency"` // hourly|daily|weekly

	// MessageTemplate may contain {timestamp}, {count} and {emoji} placeholders.
	MessageTemplate string `json:"message_template"`

	// Validity window. Zero values mean unbounded.
	StartDate time.Time `json:"start_date,omitzero"`
	EndDate   time.Time `json:"end_date,omitzero"`
}

// CommitStatus is one user's scheduling state machine.
// Mutated exclusively by the status recorder after each run.
type CommitStatus struct {
	UserID        string     `json:"user_id"`
	Active        bool       `json:"active"`
	LastCommit    *time.Time `json:"last_commit"`
	NextCommit    *time.Time `json:"next_commit"`
	TotalCommits  int64      `json:"total_commits"`
	StreakCount   int64      `json:"streak_count"`
	LastCommitSHA string     `json:"last_commit_sha,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StatusUpdate is a merge-update applied to a CommitStatus document.
// Zero times and an empty SHA leave the stored values untouched; counters
// are adjusted in-place by the backend so a concurrent reader never sees a
// half-applied merge.
type StatusUpdate struct {
	LastCommit time.Time
	NextCommit time.Time

	LastCommitSHA string // empty leaves the stored value untouched

	IncrementTotal  bool
	IncrementStreak bool
	ResetStreak     bool
}

// RecordMeta carries pipeline diagnostics for successful runs.
type RecordMeta struct {
	Predelay      time.Duration `json:"predelay"`
	Emoji         string        `json:"emoji"`
	ContentLength int           `json:"content_length"`
}

// CommitRecord is one append-only history entry per attempt outcome.
// Keyed by commit SHA on success and a generated id on failure.
type CommitRecord struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Repository string      `json:"repository"`
	Branch     string      `json:"branch"`
	Status     string      `json:"status"` // "success" | "failed"
	Message    string      `json:"message"`
	CommitSHA  string      `json:"commit_sha,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Meta       *RecordMeta `json:"meta,omitempty"`
}

const (
	RecordSuccess = "success"
	RecordFailed  = "failed"
)
