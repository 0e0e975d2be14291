// Package recorder persists run outcomes: one append-only history record per
// attempt outcome, followed by a merge-update of the user's status document.
//
// The record is written first. If the status merge then fails, the history
// still shows what happened; the scanner will simply pick the user up again
// on the next tick.
package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"commitpulse/internal/pipeline"
	"commitpulse/internal/schedule"
	"commitpulse/internal/store"
	logx "commitpulse/pkg/logx"
)

type Recorder struct {
	store store.Store
	log   logx.Logger
	rng   schedule.Rand
	now   func() time.Time
}

func New(st store.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store: st,
		log:   log,
		rng:   schedule.NewRand(),
		now:   time.Now,
	}
}

// Success records a completed run: history entry keyed by the commit SHA,
// then a status merge advancing last/next commit and both counters.
func (r *Recorder) Success(ctx context.Context, cfg *store.CommitConfig, out *pipeline.Outcome) (time.Time, error) {
	now := r.now()
	next := schedule.NextRunAt(cfg.Frequency, now, r.rng)

	meta := out.Meta
	rec := &store.CommitRecord{
		ID:         out.CommitSHA,
		UserID:     cfg.UserID,
		Repository: cfg.Repository,
		Branch:     cfg.Branch,
		Status:     store.RecordSuccess,
		Message:    out.Message,
		CommitSHA:  out.CommitSHA,
		Timestamp:  now,
		Meta:       &meta,
	}
	if err := r.store.AppendRecord(ctx, rec); err != nil {
		return time.Time{}, fmt.Errorf("recorder: append success record: %w", err)
	}

	upd := store.StatusUpdate{
		LastCommit:      now,
		NextCommit:      next,
		LastCommitSHA:   out.CommitSHA,
		IncrementTotal:  true,
		IncrementStreak: true,
	}
	if err := r.store.UpdateStatus(ctx, cfg.UserID, upd); err != nil {
		return time.Time{}, fmt.Errorf("recorder: update status: %w", err)
	}

	r.log.Info("run recorded",
		logx.String("user", cfg.UserID),
		logx.String("sha", out.CommitSHA),
		logx.Time("next", next))
	return next, nil
}

// Failure records an exhausted run: history entry with a generated id and the
// final error, then a status merge that stamps the attempt time, reschedules
// and resets the streak. The stored commit SHA stays untouched.
func (r *Recorder) Failure(ctx context.Context, cfg *store.CommitConfig, runErr error) (time.Time, error) {
	now := r.now()
	next := schedule.NextRunAt(cfg.Frequency, now, r.rng)

	rec := &store.CommitRecord{
		ID:         uuid.NewString(),
		UserID:     cfg.UserID,
		Repository: cfg.Repository,
		Branch:     cfg.Branch,
		Status:     store.RecordFailed,
		Error:      runErr.Error(),
		Timestamp:  now,
	}
	if err := r.store.AppendRecord(ctx, rec); err != nil {
		return time.Time{}, fmt.Errorf("recorder: append failure record: %w", err)
	}

	upd := store.StatusUpdate{
		LastCommit:  now,
		NextCommit:  next,
		ResetStreak: true,
	}
	if err := r.store.UpdateStatus(ctx, cfg.UserID, upd); err != nil {
		return time.Time{}, fmt.Errorf("recorder: update status: %w", err)
	}

	r.log.Warn("failed run recorded",
		logx.String("user", cfg.UserID),
		logx.Time("next", next),
		logx.Err(runErr))
	return next, nil
}
