package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"commitpulse/internal/eventbus"
	"commitpulse/internal/pipeline"
	"commitpulse/internal/store"
	logx "commitpulse/pkg/logx"
)

// maxAttempts is the total tries per run (first attempt plus three retries).
const maxAttempts = 4

// runUser executes one user's commit run end to end: load and validate the
// documents, run the pipeline with retries, then hand the outcome to the
// recorder. Validation misses skip quietly (log only, no history record);
// only attempted pipelines produce records.
func (s *Service) runUser(ctx context.Context, userID string) {
	log := s.log.With(logx.String("user", userID))

	status, err := s.deps.Store.GetStatus(ctx, userID)
	if err != nil {
		log.Warn("run: loading status failed", logx.Err(err))
		return
	}
	if !status.Active {
		return
	}

	cfg, err := s.deps.Store.GetCommitConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.skip(userID, "no commit config", log)
			return
		}
		log.Warn("run: loading config failed", logx.Err(err))
		return
	}
	if strings.TrimSpace(cfg.Repository) == "" || strings.TrimSpace(cfg.Frequency) == "" {
		s.skip(userID, "incomplete commit config", log)
		return
	}

	now := time.Now()
	if !cfg.StartDate.IsZero() && now.Before(cfg.StartDate) {
		s.skip(userID, "before schedule start", log)
		return
	}
	if !cfg.EndDate.IsZero() && now.After(cfg.EndDate) {
		s.skip(userID, "after schedule end", log)
		return
	}

	user, err := s.deps.Store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.skip(userID, "no stored credentials", log)
			return
		}
		log.Warn("run: loading user failed", logx.Err(err))
		return
	}
	if strings.TrimSpace(user.Token) == "" {
		s.skip(userID, "empty token", log)
		return
	}

	out, attempts, runErr := s.runWithRetry(ctx, user, cfg, status.TotalCommits)
	if runErr != nil && ctx.Err() != nil {
		// Shutdown mid-run: no outcome to record, the user stays due.
		log.Debug("run interrupted by shutdown", logx.Int("attempts", attempts))
		return
	}

	if runErr != nil {
		next, recErr := s.deps.Recorder.Failure(ctx, cfg, runErr)
		if recErr != nil {
			log.Error("run: recording failure failed", logx.Err(recErr))
			return
		}
		s.publish(eventbus.TypeCommitFailed, RunEvent{
			UserID:     userID,
			Repository: cfg.Repository,
			Attempts:   attempts,
			Error:      runErr.Error(),
		})
		log.Warn("run failed",
			logx.Int("attempts", attempts),
			logx.Time("next", next),
			logx.Err(runErr))
		return
	}

	next, recErr := s.deps.Recorder.Success(ctx, cfg, out)
	if recErr != nil {
		log.Error("run: recording success failed", logx.Err(recErr))
		return
	}
	s.publish(eventbus.TypeCommitSuccess, RunEvent{
		UserID:     userID,
		Repository: cfg.Repository,
		CommitSHA:  out.CommitSHA,
		Attempts:   attempts,
	})
	log.Info("run succeeded",
		logx.String("sha", out.CommitSHA),
		logx.Int("attempts", attempts),
		logx.Time("next", next))
}

// runWithRetry drives the pipeline with a linear backoff: after attempt n it
// waits n seconds before the next try. Returns the last error once all
// attempts are spent.
func (s *Service) runWithRetry(ctx context.Context, user *store.User, cfg *store.CommitConfig, priorTotal int64) (*pipeline.Outcome, int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := s.deps.Runner.Execute(ctx, user, cfg, priorTotal)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := time.Duration(attempt) * s.retryUnit
		s.log.Debug("run retry scheduled",
			logx.String("user", user.ID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, attempt, ctx.Err()
		case <-t.C:
		}
	}
	return nil, maxAttempts, lastErr
}

func (s *Service) skip(userID, reason string, log logx.Logger) {
	log.Debug("run skipped", logx.String("reason", reason))
	s.publish(eventbus.TypeUserSkipped, RunEvent{UserID: userID, Reason: reason})
}

func (s *Service) publish(typ string, data RunEvent) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
