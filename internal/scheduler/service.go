// Package scheduler drives the commit loop: a cron tick scans for users whose
// next commit is due and dispatches each one to a bounded worker pool.
//
// A per-user run state guarantees at most one in-flight run per user, so a
// pipeline still sleeping through its pre-delay is never doubled up by the
// next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"commitpulse/internal/eventbus"
	"commitpulse/internal/pipeline"
	"commitpulse/internal/recorder"
	rtsup "commitpulse/internal/runtime/supervisor"
	"commitpulse/internal/store"
	logx "commitpulse/pkg/logx"
)

const defaultTick = "* * * * *"

type Config struct {
	Enabled   bool
	Tick      string // cron spec; default every minute
	Workers   int
	QueueSize int

	// StopTimeout bounds how long Stop waits for in-flight runs.
	StopTimeout time.Duration
}

type Deps struct {
	Store    store.Store
	Runner   *pipeline.Runner
	Recorder *recorder.Recorder
	Bus      eventbus.Bus
}

// RunEvent is the bus payload for commit.success, commit.failed and
// user.skipped events.
type RunEvent struct {
	UserID     string `json:"user_id"`
	Repository string `json:"repository,omitempty"`
	CommitSHA  string `json:"commit_sha,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type job struct {
	userID     string
	state      *runState
	enqueuedAt time.Time
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  logx.Logger

	cron     *cron.Cron
	q        chan job
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *rtsup.Supervisor

	stateMu sync.Mutex
	states  map[string]*runState

	// retryUnit scales the linear retry backoff. Tests shrink it.
	retryUnit time.Duration

	inFlight         int32
	dispatched       uint64
	skippedOverlap   uint64
	droppedQueueFull uint64
	lastScanUnix     int64
	lastScanDue      int64
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Tick == "" {
		cfg.Tick = defaultTick
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		states:    make(map[string]*runState),
		retryUnit: time.Second,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("scheduler disabled")
		return nil
	}
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}

	s.q = make(chan job, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	queue := s.q
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	cr := cron.New()
	if _, err := cr.AddFunc(cfg.Tick, func() { s.scan(sup.Context()) }); err != nil {
		s.Stop(ctx)
		return fmt.Errorf("scheduler: bad tick spec %q: %w", cfg.Tick, err)
	}
	cr.Start()

	s.mu.Lock()
	s.cron = cr
	s.mu.Unlock()

	s.log.Info("scheduler started",
		logx.String("tick", cfg.Tick),
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	cr := s.cron
	sup := s.sup
	timeout := s.cfg.StopTimeout
	s.mu.Unlock()

	if cr != nil {
		// Returns once in-progress tick callbacks finish.
		<-cr.Stop().Done()
	}
	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.cron = nil
		s.mu.Unlock()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-waitCtx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(waitCtx.Err()))
	}
}

// scan queries active users and enqueues everyone whose next commit is due.
// Called from the cron tick; also invocable directly (tests, admin kick).
func (s *Service) scan(ctx context.Context) {
	now := time.Now()
	atomic.StoreInt64(&s.lastScanUnix, now.Unix())

	s.mu.Lock()
	queue := s.q
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if queue == nil || stopping {
		return
	}

	statuses, err := s.deps.Store.ListActiveStatuses(ctx)
	if err != nil {
		s.log.Warn("scan: listing active users failed", logx.Err(err))
		return
	}

	due := 0
	for _, st := range statuses {
		if !isDue(&st, now) {
			continue
		}
		due++
		s.dispatch(queue, st.UserID, now)
	}
	atomic.StoreInt64(&s.lastScanDue, int64(due))

	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{
			Type: eventbus.TypeScanTick,
			Time: now,
			Data: ScanEvent{Active: len(statuses), Due: due},
		})
	}
	s.log.Debug("scan complete", logx.Int("active", len(statuses)), logx.Int("due", due))
}

// ScanEvent is the bus payload for scan.tick.
type ScanEvent struct {
	Active int `json:"active"`
	Due    int `json:"due"`
}

func (s *Service) dispatch(queue chan job, userID string, now time.Time) {
	st := s.stateFor(userID)
	if !st.tryAcquire() {
		atomic.AddUint64(&s.skippedOverlap, 1)
		s.log.Debug("scan: run already in flight", logx.String("user", userID))
		return
	}
	select {
	case queue <- job{userID: userID, state: st, enqueuedAt: now}:
		atomic.AddUint64(&s.dispatched, 1)
	default:
		st.release()
		atomic.AddUint64(&s.droppedQueueFull, 1)
		s.log.Warn("scan: queue full, user deferred to next tick", logx.String("user", userID))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.runUser(ctx, j.userID)
			atomic.AddInt32(&s.inFlight, -1)
			j.state.release()
		}
	}
}

// isDue reports whether the user's next commit time has arrived. A status
// without a next-commit time is still mid-setup and is left alone until
// whatever armed it sets one.
func isDue(st *store.CommitStatus, now time.Time) bool {
	return st.NextCommit != nil && !st.NextCommit.After(now)
}

func (s *Service) stateFor(userID string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[userID]
	if st == nil {
		st = &runState{}
		s.states[userID] = st
	}
	return st
}

// Snapshot is an operational summary for the health endpoint.
type Snapshot struct {
	Enabled          bool      `json:"enabled"`
	Workers          int       `json:"workers"`
	QueueLen         int       `json:"queue_len"`
	QueueCap         int       `json:"queue_cap"`
	InFlight         int       `json:"in_flight"`
	Dispatched       uint64    `json:"dispatched"`
	SkippedOverlap   uint64    `json:"skipped_overlap"`
	DroppedQueueFull uint64    `json:"dropped_queue_full"`
	LastScan         time.Time `json:"last_scan,omitzero"`
	LastScanDue      int       `json:"last_scan_due"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dispatched:       atomic.LoadUint64(&s.dispatched),
		SkippedOverlap:   atomic.LoadUint64(&s.skippedOverlap),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		LastScanDue:      int(atomic.LoadInt64(&s.lastScanDue)),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	if ts := atomic.LoadInt64(&s.lastScanUnix); ts > 0 {
		snap.LastScan = time.Unix(ts, 0)
	}
	return snap
}
