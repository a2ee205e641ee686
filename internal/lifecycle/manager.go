// Package lifecycle starts and stops per-channel detection workers in
// response to trigger commands and expires channels that stop seeing
// people.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-leida/internal/capture"
	"github.com/e7canasta/orion-leida/internal/channel"
	"github.com/e7canasta/orion-leida/internal/detect"
	"github.com/e7canasta/orion-leida/internal/trigger"
)

// ErrJoinTimeout is logged when a previous worker did not exit within
// Config.JoinTimeout. The manager proceeds regardless.
var ErrJoinTimeout = errors.New("lifecycle: worker join timeout")

// Config holds the worker timing parameters.
type Config struct {
	// Label is the detection label that keeps a channel alive.
	Label string
	// Timeout is how long a channel may run without a positive detection.
	Timeout time.Duration
	// PollInterval is the pause between worker iterations.
	PollInterval time.Duration
	// JoinTimeout bounds the wait for a previous worker on restart.
	JoinTimeout time.Duration
	// ErrorBackoff is the pause after a failed inference.
	ErrorBackoff time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Label:        detect.PersonLabel,
		Timeout:      10 * time.Second,
		PollInterval: 100 * time.Millisecond,
		JoinTimeout:  2 * time.Second,
		ErrorBackoff: time.Second,
	}
}

// Channel binds a configured channel to its camera and detector.
type Channel struct {
	ID         channel.ID
	Descriptor string
	Detector   detect.Detector
}

type workerHandle struct {
	runID  string
	epoch  uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *workerHandle) join(timeout time.Duration) error {
	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		return ErrJoinTimeout
	}
}

func (h *workerHandle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// handleSlot serializes starts of one channel. It is never held together
// with a registry lock in the opposite order.
type handleSlot struct {
	mu sync.Mutex
	h  *workerHandle
}

// Manager owns the worker of every channel.
type Manager struct {
	registry *channel.Registry
	source   capture.FrameSource
	cfg      Config
	observer channel.Observer

	channels map[channel.ID]Channel
	slots    map[channel.ID]*handleSlot

	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Manager.
type Option func(*Manager)

// WithObserver reports channel transitions to obs.
func WithObserver(obs channel.Observer) Option {
	return func(m *Manager) { m.observer = obs }
}

// NewManager creates a manager for channels, all of which must be present
// in registry.
func NewManager(registry *channel.Registry, source capture.FrameSource, channels []Channel, cfg Config, opts ...Option) (*Manager, error) {
	if source == nil {
		return nil, fmt.Errorf("lifecycle: frame source is required")
	}
	def := DefaultConfig()
	if cfg.Label == "" {
		cfg.Label = def.Label
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry: registry,
		source:   source,
		cfg:      cfg,
		channels: make(map[channel.ID]Channel, len(channels)),
		slots:    make(map[channel.ID]*handleSlot, len(channels)),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, ch := range channels {
		if !registry.Has(ch.ID) {
			cancel()
			return nil, fmt.Errorf("lifecycle: %w: %q", channel.ErrUnknownChannel, ch.ID)
		}
		if ch.Detector == nil {
			cancel()
			return nil, fmt.Errorf("lifecycle: channel %q has no detector", ch.ID)
		}
		m.channels[ch.ID] = ch
		m.slots[ch.ID] = &handleSlot{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Registry returns the shared channel registry.
func (m *Manager) Registry() *channel.Registry { return m.registry }

// Start activates a channel. Starting a running channel is a no-op. When a
// previous worker still exists it is cancelled and joined for at most
// Config.JoinTimeout before the new worker is spawned.
func (m *Manager) Start(id channel.ID) error {
	slot, ok := m.slots[id]
	if !ok {
		return fmt.Errorf("lifecycle: %w: %q", channel.ErrUnknownChannel, id)
	}
	if m.ctx.Err() != nil {
		return fmt.Errorf("lifecycle: manager shut down")
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	epoch, started, err := m.registry.TryStart(id, time.Now())
	if err != nil {
		return err
	}
	if !started {
		slog.Debug("lifecycle: channel already running, start ignored", "channel", id)
		return nil
	}

	if prev := slot.h; prev != nil {
		prev.cancel()
		if err := prev.join(m.cfg.JoinTimeout); err != nil {
			slog.Warn("lifecycle: previous worker still running, proceeding",
				"channel", id,
				"run_id", prev.runID,
				"timeout", m.cfg.JoinTimeout,
				"error", err,
			)
		}
	}

	slot.h = m.spawn(m.channels[id], epoch)
	channel.Notify(m.observer, id, channel.EventStarted, slot.h.runID)
	slog.Info("lifecycle: channel started", "channel", id, "run_id", slot.h.runID)
	return nil
}

func (m *Manager) spawn(ch Channel, epoch uint64) *workerHandle {
	ctx, cancel := context.WithCancel(m.ctx)
	h := &workerHandle{
		runID:  uuid.NewString(),
		epoch:  epoch,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w := &worker{
		id:         ch.ID,
		epoch:      epoch,
		runID:      h.runID,
		descriptor: ch.Descriptor,
		source:     m.source,
		detector:   ch.Detector,
		registry:   m.registry,
		cfg:        m.cfg,
		observer:   m.observer,
	}
	go func() {
		defer close(h.done)
		defer cancel()
		w.run(ctx)
	}()
	return h
}

// Stop deactivates a channel. The worker notices within one poll interval
// and releases its camera; Stop does not wait for it.
func (m *Manager) Stop(id channel.ID) error {
	was, err := m.registry.Stop(id)
	if err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	if was {
		channel.Notify(m.observer, id, channel.EventStopped, "")
		slog.Info("lifecycle: channel stopped", "channel", id)
	}
	return nil
}

// StartAll starts every configured channel.
func (m *Manager) StartAll() error {
	var errs []error
	for _, id := range m.registry.IDs() {
		if _, ok := m.slots[id]; !ok {
			continue
		}
		if err := m.Start(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every configured channel.
func (m *Manager) StopAll() error {
	var errs []error
	for _, id := range m.registry.IDs() {
		if err := m.Stop(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply executes a trigger command.
func (m *Manager) Apply(cmd trigger.Command) error {
	switch cmd.Kind {
	case trigger.StartChannel:
		return m.Start(cmd.Channel)
	case trigger.StartAll:
		return m.StartAll()
	case trigger.StopChannel:
		return m.Stop(cmd.Channel)
	case trigger.StopAll:
		return m.StopAll()
	default:
		return fmt.Errorf("lifecycle: unknown command %v", cmd)
	}
}

// WorkerAlive reports whether a worker goroutine exists for id.
func (m *Manager) WorkerAlive(id channel.ID) bool {
	slot, ok := m.slots[id]
	if !ok {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.h != nil && slot.h.alive()
}

// Shutdown stops every channel, cancels every worker and waits until all of
// them released their cameras or ctx expires. Start fails afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, id := range m.registry.IDs() {
		m.registry.Stop(id)
	}
	m.cancel()

	var pending []string
	for id, slot := range m.slots {
		slot.mu.Lock()
		h := slot.h
		slot.mu.Unlock()
		if h == nil {
			continue
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			pending = append(pending, string(id))
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("lifecycle: workers not released before deadline: %s", strings.Join(pending, ", "))
	}
	slog.Info("lifecycle: all workers released")
	return nil
}
