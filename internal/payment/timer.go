package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically re-checks active sessions so settlement does not
// depend on merchants polling, and retries undelivered callbacks.
type Timer struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the reconciliation poller.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the poll loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safePoll(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payment poller", "panic", fmt.Sprint(r))
		}
	}()
	t.poll(ctx)
}

func (t *Timer) poll(ctx context.Context) {
	active, err := t.service.Active(ctx, t.batch)
	if err != nil {
		t.logger.Warn("active session list failed", "error", err)
		return
	}

	for _, sess := range active {
		if ctx.Err() != nil {
			return
		}
		if _, err := t.service.Check(ctx, sess.Address, ""); err != nil {
			t.logger.Warn("scheduled check failed",
				"address", sess.Address, "order_id", sess.OrderID, "error", err)
		}
	}

	t.service.RedeliverCallbacks(ctx, t.batch)
}
