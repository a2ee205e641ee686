package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-leida/internal/capture"
	"github.com/e7canasta/orion-leida/internal/channel"
	"github.com/e7canasta/orion-leida/internal/detect"
)

// fakeSource hands out fakeCameras and tracks how many are open.
type fakeSource struct {
	opens    atomic.Int32
	open     atomic.Int32
	failOpen atomic.Bool
	// failReads makes the next n reads fail.
	failReads atomic.Int32
	// hang makes reads block, ignoring cancellation, until release is closed.
	hang    atomic.Bool
	release chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{release: make(chan struct{})}
}

func (s *fakeSource) Open(ctx context.Context, descriptor string) (capture.Camera, error) {
	if s.failOpen.Load() {
		return nil, capture.ErrOpen
	}
	s.opens.Add(1)
	s.open.Add(1)
	return &fakeCamera{src: s, descriptor: descriptor}, nil
}

type fakeCamera struct {
	src        *fakeSource
	descriptor string
	seq        uint64
	closeOnce  sync.Once
}

func (c *fakeCamera) ReadFrame(ctx context.Context) (capture.Frame, error) {
	if c.src.hang.Load() {
		<-c.src.release
	}
	if c.src.failReads.Load() > 0 {
		c.src.failReads.Add(-1)
		return capture.Frame{}, capture.ErrRead
	}
	c.seq++
	return capture.Frame{Seq: c.seq, Timestamp: time.Now(), Source: c.descriptor}, nil
}

func (c *fakeCamera) Close() error {
	c.closeOnce.Do(func() { c.src.open.Add(-1) })
	return nil
}

// fakeDetector reports a person while person is set.
type fakeDetector struct {
	person atomic.Bool
	fail   atomic.Bool
	calls  atomic.Int32
}

func (d *fakeDetector) Infer(ctx context.Context, frame capture.Frame) ([]detect.Detection, error) {
	d.calls.Add(1)
	if d.fail.Load() {
		return nil, errors.New("model crashed")
	}
	if d.person.Load() {
		return []detect.Detection{{Label: "chair"}, {Label: detect.PersonLabel, Confidence: 0.9}}, nil
	}
	return []detect.Detection{{Label: "chair"}}, nil
}

// eventLog records observed events.
type eventLog struct {
	mu     sync.Mutex
	events []channel.Event
}

func (l *eventLog) ObserveEvent(ev channel.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(id channel.ID, kind channel.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Channel == id && ev.Kind == kind {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Label:        detect.PersonLabel,
		Timeout:      150 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		JoinTimeout:  200 * time.Millisecond,
		ErrorBackoff: 5 * time.Millisecond,
	}
}

type harness struct {
	mgr      *Manager
	registry *channel.Registry
	source   *fakeSource
	detector *fakeDetector
	events   *eventLog
}

func newHarness(t *testing.T, cfg Config, ids ...channel.ID) *harness {
	t.Helper()
	if len(ids) == 0 {
		ids = []channel.ID{"cam1", "cam2"}
	}
	reg, err := channel.NewRegistry(ids...)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		registry: reg,
		source:   newFakeSource(),
		detector: &fakeDetector{},
		events:   &eventLog{},
	}
	chans := make([]Channel, 0, len(ids))
	for _, id := range ids {
		chans = append(chans, Channel{ID: id, Descriptor: "/dev/" + string(id), Detector: h.detector})
	}
	h.mgr, err = NewManager(reg, h.source, chans, cfg, WithObserver(h.events))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		select {
		case <-h.source.release:
		default:
			close(h.source.release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.mgr.Shutdown(ctx)
	})
	return h
}

func (h *harness) running(id channel.ID) bool {
	st, _ := h.registry.Snapshot(id)
	return st.Running
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}
