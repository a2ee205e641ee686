package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-leida/internal/channel"
)

// Watchdog periodically stops running channels whose last detection is
// older than the timeout. It backs up the worker's own check for workers
// that are stuck in a frame read or an inference.
type Watchdog struct {
	registry *channel.Registry
	timeout  time.Duration
	interval time.Duration
	observer channel.Observer
}

// NewWatchdog creates a watchdog. A nil observer is allowed.
func NewWatchdog(registry *channel.Registry, timeout, interval time.Duration, observer channel.Observer) *Watchdog {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &Watchdog{registry: registry, timeout: timeout, interval: interval, observer: observer}
}

// Sweep checks every channel once and returns the ids it stopped.
func (w *Watchdog) Sweep(now time.Time) []channel.ID {
	var expired []channel.ID
	for _, id := range w.registry.IDs() {
		stopped, err := w.registry.Expire(id, now, w.timeout)
		if err != nil || !stopped {
			continue
		}
		expired = append(expired, id)
		slog.Info("watchdog: channel expired", "channel", id, "timeout", w.timeout)
		channel.Notify(w.observer, id, channel.EventExpired, "watchdog")
	}
	return expired
}

// Run sweeps every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			w.Sweep(now)
		}
	}
}
