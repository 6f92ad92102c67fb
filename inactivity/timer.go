// Package inactivity notifies the user after a period without activity.
//
// A Timer is either idle or armed. Start arms it (re-arming resets the idle
// window), Cancel and expiry return it to idle. On expiry a single
// notification is shown.
package inactivity

import (
	"context"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/notify"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDelay is the idle window used when none is configured.
const DefaultDelay = 30 * time.Second

// Stopper is a scheduled function call that can be cancelled.
type Stopper interface {
	Stop() bool
}

// Clock schedules function calls.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

type Config struct {
	// Idle window. DefaultDelay is used if zero.
	Delay time.Duration
	// Notification shown on expiry.
	Notification notify.Notification
	// Notifier to show the notification with. Notifications are logged if nil.
	Notifier notify.Notifier
	// Clock to use. The system clock is used if nil.
	Clock Clock
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Optional callback invoked after each notification attempt.
	OnNotify func(err error)
}

type Timer struct {
	delay        time.Duration
	notification notify.Notification
	notifier     notify.Notifier
	clock        Clock
	log          zerolog.Logger
	onNotify     func(error)

	mu         sync.Mutex
	pending    Stopper
	generation uint64
	closed     bool
}

func New(config Config) *Timer {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	t := &Timer{
		delay:        config.Delay,
		notification: config.Notification,
		notifier:     config.Notifier,
		clock:        config.Clock,
		log:          logger,
		onNotify:     config.OnNotify,
	}
	if t.delay <= 0 {
		t.delay = DefaultDelay
	}
	if t.notifier == nil {
		t.notifier = notify.Log{Logger: &t.log}
	}
	if t.clock == nil {
		t.clock = realClock{}
	}
	return t
}

// Start arms the timer, cancelling a pending one first.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.stopLocked()
	t.generation++
	gen := t.generation
	t.pending = t.clock.AfterFunc(t.delay, func() { t.fire(gen) })
	t.log.Debug().Dur("delay", t.delay).Msg("Inactivity timer started")
}

// Cancel disarms the timer. It reports whether a timer was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return false
	}
	t.stopLocked()
	t.log.Debug().Msg("Inactivity timer cancelled")
	return true
}

// Armed reports whether a timer is pending.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// Close cancels the timer for good; later calls to Start are ignored.
func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.closed = true
}

func (t *Timer) stopLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	// invalidate callbacks that already left the clock but have not run yet
	t.generation++
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || t.pending == nil {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.mu.Unlock()

	err := t.notifier.Notify(context.Background(), t.notification)
	if err != nil {
		t.log.Error().Err(err).Msg("Could not show inactivity notification")
	} else {
		t.log.Debug().Str("title", t.notification.Title).Msg("Inactivity notification shown")
	}
	if t.onNotify != nil {
		t.onNotify(err)
	}
}
