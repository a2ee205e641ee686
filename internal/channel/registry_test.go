package channel

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, ids ...ID) *Registry {
	t.Helper()
	r, err := NewRegistry(ids...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestNewRegistry_RejectsDuplicatesAndEmpty(t *testing.T) {
	if _, err := NewRegistry("cam1", "cam1"); err == nil {
		t.Error("expected error for duplicate id")
	}
	if _, err := NewRegistry("cam1", ""); err == nil {
		t.Error("expected error for empty id")
	}
	r := newTestRegistry(t, "cam2", "cam1")
	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "cam2" || ids[1] != "cam1" {
		t.Errorf("IDs() = %v, want configuration order", ids)
	}
}

func TestRegistry_UnknownChannel(t *testing.T) {
	r := newTestRegistry(t, "cam1")
	if _, _, err := r.TryStart("cam9", time.Now()); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("TryStart unknown: err = %v, want ErrUnknownChannel", err)
	}
	if _, err := r.Snapshot("cam9"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Snapshot unknown: err = %v", err)
	}
	if r.Release("cam9", 1) {
		t.Error("Release on unknown channel should be false")
	}
}

func TestRegistry_TryStart(t *testing.T) {
	r := newTestRegistry(t, "cam1")
	now := time.Now()

	if err := r.RecordDetection("cam1", now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	epoch, started, err := r.TryStart("cam1", now)
	if err != nil || !started {
		t.Fatalf("first TryStart = (%d, %v, %v), want started", epoch, started, err)
	}

	st, _ := r.Snapshot("cam1")
	if !st.Running || st.PersonDetected || !st.LastDetection.Equal(now) {
		t.Errorf("state after start = %+v", st)
	}

	epoch2, started, _ := r.TryStart("cam1", now.Add(time.Second))
	if started {
		t.Error("second TryStart should be a no-op")
	}
	if epoch2 != epoch {
		t.Errorf("epoch changed on no-op start: %d -> %d", epoch, epoch2)
	}
}

func TestRegistry_StopAndRelease(t *testing.T) {
	r := newTestRegistry(t, "cam1")
	first, _, _ := r.TryStart("cam1", time.Now())

	was, err := r.Stop("cam1")
	if err != nil || !was {
		t.Fatalf("Stop = (%v, %v), want (true, nil)", was, err)
	}
	if was, _ := r.Stop("cam1"); was {
		t.Error("second Stop should report not running")
	}

	second, started, _ := r.TryStart("cam1", time.Now())
	if !started || second == first {
		t.Fatalf("restart should bump epoch: first=%d second=%d", first, second)
	}

	if r.Release("cam1", first) {
		t.Error("stale epoch must not release the channel")
	}
	if !r.Active("cam1", second) {
		t.Error("current epoch should be active")
	}
	if !r.Release("cam1", second) {
		t.Error("current epoch should release the channel")
	}
	if r.Active("cam1", second) {
		t.Error("channel should be inactive after release")
	}
}

func TestRegistry_ConsumeDetectionClears(t *testing.T) {
	r := newTestRegistry(t, "cam1")

	if got, _ := r.ConsumeDetection("cam1"); got {
		t.Error("fresh channel should not report a detection")
	}
	_ = r.RecordDetection("cam1", time.Now())
	if got, _ := r.ConsumeDetection("cam1"); !got {
		t.Error("expected detection")
	}
	if got, _ := r.ConsumeDetection("cam1"); got {
		t.Error("detection flag must be cleared on read")
	}
}

func TestRegistry_Expire(t *testing.T) {
	timeout := 10 * time.Second
	start := time.Now()

	tests := []struct {
		name    string
		running bool
		elapsed time.Duration
		want    bool
	}{
		{"running and stale", true, 11 * time.Second, true},
		{"running at exactly timeout", true, 10 * time.Second, false},
		{"running and fresh", true, 3 * time.Second, false},
		{"stopped and stale", false, time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, "cam1")
			if tt.running {
				r.TryStart("cam1", start)
			}
			got, err := r.Expire("cam1", start.Add(tt.elapsed), timeout)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Expire = %v, want %v", got, tt.want)
			}
			st, _ := r.Snapshot("cam1")
			if tt.want && st.Running {
				t.Error("expired channel still running")
			}
		})
	}
}

func TestRegistry_ExpireEpochIgnoresStaleWorker(t *testing.T) {
	r := newTestRegistry(t, "cam1")
	start := time.Now()
	old, _, _ := r.TryStart("cam1", start)
	r.Stop("cam1")
	r.TryStart("cam1", start)

	if r.ExpireEpoch("cam1", old, start.Add(time.Minute), time.Second) {
		t.Error("stale epoch must not expire the replacement")
	}
}

func TestRegistry_RecordDetectionEpoch(t *testing.T) {
	r := newTestRegistry(t, "cam1")
	start := time.Now()
	old, _, _ := r.TryStart("cam1", start)

	if !r.RecordDetectionEpoch("cam1", old, start) {
		t.Fatal("current epoch should record")
	}
	r.ConsumeDetection("cam1")
	r.Stop("cam1")
	if r.RecordDetectionEpoch("cam1", old, start) {
		t.Error("stopped channel must not record")
	}

	cur, _, _ := r.TryStart("cam1", start)
	if r.RecordDetectionEpoch("cam1", old, start) {
		t.Error("stale epoch must not record on the replacement")
	}
	if st, _ := r.Snapshot("cam1"); st.PersonDetected {
		t.Error("flag set by stale worker")
	}
	if !r.RecordDetectionEpoch("cam1", cur, start) {
		t.Error("replacement epoch should record")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newTestRegistry(t, "cam1", "cam2")
	var wg sync.WaitGroup
	for _, id := range r.IDs() {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(id ID) {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					r.TryStart(id, time.Now())
					r.RecordDetection(id, time.Now())
					r.ConsumeDetection(id)
					r.Expire(id, time.Now(), time.Hour)
					r.Stop(id)
				}
			}(id)
		}
	}
	wg.Wait()
}
