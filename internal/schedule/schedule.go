// Package schedule computes jittered next-run timestamps for commit schedules.
//
// The jitter is the point: runs must not land at mechanically regular times,
// so daily/weekly schedules get a fresh random time-of-day on every
// computation rather than a fixed one.
package schedule

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Supported frequency values. Anything else is treated as daily.
const (
	Hourly = "hourly"
	Daily  = "daily"
	Weekly = "weekly"
)

// Rand is the randomness source used by NextRunAt. *rand.Rand satisfies it;
// tests inject a seeded source.
type Rand interface {
	Intn(n int) int
}

// NewRand returns a process-local randomness source for schedule jitter.
// Safe for concurrent use, unlike a bare *rand.Rand.
func NewRand() Rand {
	return &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// NextRunAt maps a frequency to the next jittered run time.
//
// Policy:
//   - hourly: now + 1..2 whole hours, minute-of-hour replaced by 0..59
//   - daily:  now + 1 day, hour replaced by 0..23 and minute by 0..59
//   - weekly: now + 7 days, same hour/minute randomization
//   - other:  treated as daily
//
// The result is always strictly after now.
func NextRunAt(frequency string, now time.Time, rng Rand) time.Time {
	if rng == nil {
		rng = NewRand()
	}
	switch strings.ToLower(strings.TrimSpace(frequency)) {
	case Hourly:
		t := now.Add(time.Duration(1+rng.Intn(2)) * time.Hour)
		return withMinute(t, rng.Intn(60))
	case Weekly:
		t := now.AddDate(0, 0, 7)
		return withHourMinute(t, rng.Intn(24), rng.Intn(60))
	default:
		t := now.AddDate(0, 0, 1)
		return withHourMinute(t, rng.Intn(24), rng.Intn(60))
	}
}

func withMinute(t time.Time, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, t.Second(), t.Nanosecond(), t.Location())
}

func withHourMinute(t time.Time, hour, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, t.Second(), t.Nanosecond(), t.Location())
}
