// Package channel holds the per-channel detection state shared by the
// lifecycle manager, detection workers, the watchdog and the reporter.
//
// Every channel owns its own mutex. There is no registry-wide lock: the set
// of channels is fixed at construction and never mutated afterwards, so
// lookups are lock-free and a slow caller on one channel cannot stall
// another.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ID identifies a detection channel (one camera), e.g. "cam1".
type ID string

// ErrUnknownChannel is returned for ids that were not configured.
var ErrUnknownChannel = errors.New("unknown channel")

// State is a point-in-time copy of a channel's detection state.
type State struct {
	Running        bool
	PersonDetected bool
	// LastDetection is zero until the channel is first started.
	LastDetection time.Time
}

// Expired reports whether a running channel has gone longer than timeout
// without a positive detection.
func (s State) Expired(now time.Time, timeout time.Duration) bool {
	if !s.Running || s.LastDetection.IsZero() {
		return false
	}
	return now.Sub(s.LastDetection) > timeout
}

type slot struct {
	mu    sync.Mutex
	state State
	// epoch increments on every successful start; a worker only mutates the
	// channel while its epoch is current.
	epoch uint64
}

// Registry owns the State of every configured channel.
type Registry struct {
	order []ID
	slots map[ID]*slot
}

// NewRegistry creates a registry for the given ids, preserving their order.
// Duplicate ids are rejected.
func NewRegistry(ids ...ID) (*Registry, error) {
	r := &Registry{
		order: make([]ID, 0, len(ids)),
		slots: make(map[ID]*slot, len(ids)),
	}
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("channel: empty id")
		}
		if _, dup := r.slots[id]; dup {
			return nil, fmt.Errorf("channel: duplicate id %q", id)
		}
		r.order = append(r.order, id)
		r.slots[id] = &slot{}
	}
	return r, nil
}

// IDs returns the configured ids in configuration order.
func (r *Registry) IDs() []ID {
	out := make([]ID, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of configured channels.
func (r *Registry) Len() int {
	return len(r.order)
}

// Has reports whether id is configured.
func (r *Registry) Has(id ID) bool {
	_, ok := r.slots[id]
	return ok
}

func (r *Registry) slot(id ID) (*slot, error) {
	s, ok := r.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, id)
	}
	return s, nil
}

// Snapshot returns a copy of the channel's state.
func (r *Registry) Snapshot(id ID) (State, error) {
	s, err := r.slot(id)
	if err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// TryStart marks a stopped channel as running, resets the detection flag and
// stamps LastDetection with now. It returns the new epoch and true when the
// channel transitioned, or false when it was already running.
func (r *Registry) TryStart(id ID, now time.Time) (uint64, bool, error) {
	s, err := r.slot(id)
	if err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Running {
		return s.epoch, false, nil
	}
	s.epoch++
	s.state = State{Running: true, LastDetection: now}
	return s.epoch, true, nil
}

// Stop clears Running and reports whether the channel was running.
func (r *Registry) Stop(id ID) (bool, error) {
	s, err := r.slot(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.state.Running
	s.state.Running = false
	return was, nil
}

// Release clears Running only if epoch is still the channel's current epoch.
// Workers use it so that a stale worker never stops its replacement.
func (r *Registry) Release(id ID, epoch uint64) bool {
	s, err := r.slot(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || !s.state.Running {
		return false
	}
	s.state.Running = false
	return true
}

// Active reports whether epoch is current and the channel is running.
func (r *Registry) Active(id ID, epoch uint64) bool {
	s, err := r.slot(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch && s.state.Running
}

// RecordDetection sets PersonDetected and LastDetection.
func (r *Registry) RecordDetection(id ID, now time.Time) error {
	s, err := r.slot(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state.PersonDetected = true
	s.state.LastDetection = now
	s.mu.Unlock()
	return nil
}

// RecordDetectionEpoch is RecordDetection restricted to a running channel at
// the given epoch. It reports whether the detection was recorded.
func (r *Registry) RecordDetectionEpoch(id ID, epoch uint64, now time.Time) bool {
	s, err := r.slot(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || !s.state.Running {
		return false
	}
	s.state.PersonDetected = true
	s.state.LastDetection = now
	return true
}

// ConsumeDetection returns PersonDetected and clears it, unconditionally.
func (r *Registry) ConsumeDetection(id ID) (bool, error) {
	s, err := r.slot(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	detected := s.state.PersonDetected
	s.state.PersonDetected = false
	return detected, nil
}

// Expire stops the channel if it is running and has gone longer than timeout
// without a detection. It reports whether the channel was stopped.
func (r *Registry) Expire(id ID, now time.Time, timeout time.Duration) (bool, error) {
	s, err := r.slot(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Expired(now, timeout) {
		return false, nil
	}
	s.state.Running = false
	return true, nil
}

// ExpireEpoch is Expire restricted to the given epoch.
func (r *Registry) ExpireEpoch(id ID, epoch uint64, now time.Time, timeout time.Duration) bool {
	s, err := r.slot(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || !s.state.Expired(now, timeout) {
		return false
	}
	s.state.Running = false
	return true
}
