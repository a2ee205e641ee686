// Package report publishes detection results on the outbound pipe.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-leida/internal/channel"
)

// Writer is the outbound transport.
type Writer interface {
	WriteAndFlush(b []byte) error
}

// Reporter turns the per-channel detection flags into outbound messages.
//
// Every cycle it reads and clears each channel's flag. A channel that saw a
// person since the previous cycle produces one message, so a person who
// stays in view is reported once per cycle.
type Reporter struct {
	registry *channel.Registry
	interval time.Duration
	single   bool
	observer channel.Observer

	mu       sync.Mutex
	lastSent map[channel.ID]bool
}

// New creates a reporter. A registry with exactly one channel selects the
// single-channel message format.
func New(registry *channel.Registry, interval time.Duration, observer channel.Observer) *Reporter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Reporter{
		registry: registry,
		interval: interval,
		single:   registry.Len() == 1,
		observer: observer,
		lastSent: make(map[channel.ID]bool, registry.Len()),
	}
}

// Sweep runs one reporting cycle against w. It stops at the first write
// error; flags already consumed in this cycle are not restored.
func (r *Reporter) Sweep(w Writer) error {
	for _, id := range r.registry.IDs() {
		detected, err := r.registry.ConsumeDetection(id)
		if err != nil {
			return err
		}
		if !detected {
			r.setLastSent(id, false)
			continue
		}
		msg := Message(id, r.single)
		if err := w.WriteAndFlush(msg); err != nil {
			return fmt.Errorf("report: send %q: %w", msg[:len(msg)-1], err)
		}
		r.setLastSent(id, true)
		slog.Debug("report: detection sent", "channel", id)
		channel.Notify(r.observer, id, channel.EventReported, "")
	}
	return nil
}

// Run sweeps every interval until ctx is cancelled or a write fails.
func (r *Reporter) Run(ctx context.Context, w Writer) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(w); err != nil {
				return err
			}
		}
	}
}

// LastSent reports whether the latest cycle sent a message for id.
func (r *Reporter) LastSent(id channel.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSent[id]
}

func (r *Reporter) setLastSent(id channel.ID, v bool) {
	r.mu.Lock()
	r.lastSent[id] = v
	r.mu.Unlock()
}
