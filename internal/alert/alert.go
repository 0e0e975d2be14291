// Package alert sends operator notifications when a user's commit run
// exhausts its retries. Delivery goes to a single Telegram chat and is
// best-effort: the scheduler never blocks on it.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"commitpulse/internal/eventbus"
	"commitpulse/internal/scheduler"
	logx "commitpulse/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64

	// RatePerSec caps outbound sends so a failure storm can't flood the chat.
	RatePerSec int
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	bot     sender
	limiter *rate.Limiter
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert: chat id is required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("alert: %w", err)
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

// Run consumes failure events until ctx is canceled. Meant to run under the
// application supervisor.
func (s *Service) Run(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	s.log.Info("alerts enabled", logx.Int64("chat_id", s.cfg.ChatID))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != eventbus.TypeCommitFailed {
				continue
			}
			run, ok := e.Data.(scheduler.RunEvent)
			if !ok {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			s.send(e.Time, run)
		}
	}
}

func (s *Service) send(at time.Time, run scheduler.RunEvent) {
	text := formatAlert(at, run)
	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
		s.log.Warn("alert send failed", logx.String("user", run.UserID), logx.Err(err))
		return
	}
	s.log.Debug("alert sent", logx.String("user", run.UserID))
}

func formatAlert(at time.Time, run scheduler.RunEvent) string {
	var b strings.Builder
	b.WriteString("⚠️ commit run failed\n")
	fmt.Fprintf(&b, "user: %s\n", run.UserID)
	if run.Repository != "" {
		fmt.Fprintf(&b, "repo: %s\n", run.Repository)
	}
	fmt.Fprintf(&b, "attempts: %d\n", run.Attempts)
	if run.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", run.Error)
	}
	fmt.Fprintf(&b, "at: %s", at.Format(time.RFC3339))
	return b.String()
}
