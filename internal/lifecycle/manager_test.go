package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-leida/internal/channel"
	"github.com/e7canasta/orion-leida/internal/trigger"
)

func TestManager_DoubleStartKeepsOneWorker(t *testing.T) {
	h := newHarness(t, testConfig())
	h.detector.person.Store(true)

	if err := h.mgr.Start("cam1"); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Start("cam1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, "camera open", func() bool { return h.source.open.Load() == 1 })

	time.Sleep(50 * time.Millisecond)
	if got := h.source.opens.Load(); got != 1 {
		t.Errorf("camera opened %d times, want 1", got)
	}
	if got := h.events.count("cam1", channel.EventStarted); got != 1 {
		t.Errorf("started events = %d, want 1", got)
	}
}

func TestManager_StopReleasesCameraWithinPollInterval(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.detector.person.Store(true)

	h.mgr.Start("cam1")
	waitFor(t, time.Second, "camera open", func() bool { return h.source.open.Load() == 1 })

	stoppedAt := time.Now()
	if err := h.mgr.Stop("cam1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 250*time.Millisecond, "camera release", func() bool { return h.source.open.Load() == 0 })
	t.Logf("✅ camera released %v after stop", time.Since(stoppedAt))

	if h.running("cam1") {
		t.Error("channel still running after stop")
	}
	if got := h.events.count("cam1", channel.EventStopped); got != 1 {
		t.Errorf("stopped events = %d, want 1", got)
	}
}

func TestManager_StopIsNoOpWhenNotRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.mgr.Stop("cam2"); err != nil {
		t.Fatal(err)
	}
	if got := h.events.count("cam2", channel.EventStopped); got != 0 {
		t.Errorf("stopped events = %d, want 0", got)
	}
}

func TestManager_AutoDeactivatesWithoutPerson(t *testing.T) {
	h := newHarness(t, testConfig())

	h.mgr.Start("cam1")
	waitFor(t, time.Second, "channel expiry", func() bool { return !h.running("cam1") })
	waitFor(t, time.Second, "camera release", func() bool { return h.source.open.Load() == 0 })

	if got := h.events.count("cam1", channel.EventExpired); got != 1 {
		t.Errorf("expired events = %d, want 1", got)
	}
}

func TestManager_PersonKeepsChannelAlive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.detector.person.Store(true)

	h.mgr.Start("cam1")
	time.Sleep(3 * testConfig().Timeout)

	st, _ := h.registry.Snapshot("cam1")
	if !st.Running {
		t.Fatal("channel expired while a person was in view")
	}
	if time.Since(st.LastDetection) > testConfig().Timeout {
		t.Errorf("last detection is stale: %v ago", time.Since(st.LastDetection))
	}
}

func TestManager_OpenFailureStopsChannel(t *testing.T) {
	h := newHarness(t, testConfig())
	h.source.failOpen.Store(true)

	h.mgr.Start("cam2")
	waitFor(t, time.Second, "channel stop after open failure", func() bool { return !h.running("cam2") })
	waitFor(t, time.Second, "open_failed event", func() bool {
		return h.events.count("cam2", channel.EventOpenFailed) == 1
	})
	if h.mgr.WorkerAlive("cam2") {
		waitFor(t, time.Second, "worker exit", func() bool { return !h.mgr.WorkerAlive("cam2") })
	}
}

func TestManager_ReadFailureReopensCamera(t *testing.T) {
	h := newHarness(t, testConfig())
	h.detector.person.Store(true)
	h.source.failReads.Store(2)

	h.mgr.Start("cam1")
	waitFor(t, time.Second, "camera reopened twice", func() bool { return h.source.opens.Load() >= 3 })
	waitFor(t, time.Second, "detections after reopen", func() bool { return h.detector.calls.Load() > 0 })

	if !h.running("cam1") {
		t.Error("read failures must not stop the channel")
	}
	if got := h.source.open.Load(); got != 1 {
		t.Errorf("open cameras = %d, want 1", got)
	}
}

func TestManager_InferenceErrorBacksOff(t *testing.T) {
	h := newHarness(t, testConfig())
	h.detector.fail.Store(true)

	h.mgr.Start("cam1")
	waitFor(t, time.Second, "inference attempts", func() bool { return h.detector.calls.Load() >= 3 })
	if got := h.source.opens.Load(); got != 1 {
		t.Errorf("inference errors must not reopen the camera, opens = %d", got)
	}
}

func TestManager_RestartReplacesWorker(t *testing.T) {
	h := newHarness(t, testConfig())
	h.detector.person.Store(true)

	h.mgr.Start("cam1")
	waitFor(t, time.Second, "first camera", func() bool { return h.source.open.Load() == 1 })

	h.mgr.Stop("cam1")
	h.mgr.Start("cam1")

	waitFor(t, time.Second, "second camera", func() bool { return h.source.opens.Load() == 2 })
	waitFor(t, time.Second, "single open camera", func() bool { return h.source.open.Load() == 1 })
	if !h.running("cam1") {
		t.Error("restarted channel not running")
	}
}

func TestManager_JoinTimeoutIsSoft(t *testing.T) {
	h := newHarness(t, testConfig())
	h.detector.person.Store(true)

	h.mgr.Start("cam1")
	waitFor(t, time.Second, "first camera", func() bool { return h.source.open.Load() == 1 })

	// The first worker wedges in a frame read and ignores cancellation.
	h.source.hang.Store(true)
	time.Sleep(20 * time.Millisecond)
	h.mgr.Stop("cam1")

	start := time.Now()
	if err := h.mgr.Start("cam1"); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < testConfig().JoinTimeout {
		t.Errorf("Start returned after %v, expected to wait the join timeout", elapsed)
	}
	if elapsed > testConfig().JoinTimeout+time.Second {
		t.Errorf("Start blocked %v, join must be bounded", elapsed)
	}
	waitFor(t, time.Second, "replacement camera", func() bool { return h.source.opens.Load() == 2 })

	h.source.hang.Store(false)
	close(h.source.release)
	waitFor(t, time.Second, "stale worker release", func() bool { return h.source.open.Load() == 1 })
}

func TestManager_Apply(t *testing.T) {
	h := newHarness(t, testConfig())
	h.detector.person.Store(true)
	p := trigger.NewParser(h.registry.IDs())

	apply := func(fragment string) {
		t.Helper()
		for _, cmd := range p.Parse(fragment) {
			if err := h.mgr.Apply(cmd); err != nil {
				t.Fatalf("Apply(%v): %v", cmd, err)
			}
		}
	}

	apply("leida_cam1")
	if !h.running("cam1") || h.running("cam2") {
		t.Fatal("leida_cam1 should start only cam1")
	}

	apply("leida_")
	if !h.running("cam1") || !h.running("cam2") {
		t.Fatal("leida_ should start every channel")
	}

	apply("stop_cam2")
	if !h.running("cam1") || h.running("cam2") {
		t.Fatal("stop_cam2 should stop only cam2")
	}

	apply("stop_all")
	if h.running("cam1") || h.running("cam2") {
		t.Fatal("stop_all should stop every channel")
	}
	waitFor(t, time.Second, "all cameras released", func() bool { return h.source.open.Load() == 0 })
}

func TestManager_ShutdownReleasesEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	h.detector.person.Store(true)

	if err := h.mgr.StartAll(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, "cameras open", func() bool { return h.source.open.Load() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := h.source.open.Load(); got != 0 {
		t.Errorf("open cameras after shutdown = %d", got)
	}
	if err := h.mgr.Start("cam1"); err == nil {
		t.Error("Start after Shutdown should fail")
	}
}

func TestManager_UnknownChannel(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.mgr.Start("cam9"); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Errorf("Start: %v", err)
	}
	if err := h.mgr.Stop("cam9"); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Errorf("Stop: %v", err)
	}
}

func TestWatchdog_Sweep(t *testing.T) {
	reg, _ := channel.NewRegistry("cam1", "cam2")
	events := &eventLog{}
	wd := NewWatchdog(reg, 10*time.Second, time.Second, events)

	start := time.Now()
	reg.TryStart("cam1", start.Add(-11*time.Second))
	reg.TryStart("cam2", start.Add(-3*time.Second))

	expired := wd.Sweep(start)
	if len(expired) != 1 || expired[0] != "cam1" {
		t.Fatalf("expired = %v, want [cam1]", expired)
	}
	if st, _ := reg.Snapshot("cam2"); !st.Running {
		t.Error("fresh channel must keep running")
	}
	if events.count("cam1", channel.EventExpired) != 1 {
		t.Error("missing expired event")
	}
	if again := wd.Sweep(start); len(again) != 0 {
		t.Errorf("second sweep expired %v", again)
	}
}

func TestWatchdog_RunStopsStuckWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	// A hung camera keeps the worker from its own timeout check.
	h.source.hang.Store(true)
	h.mgr.Start("cam1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wd := NewWatchdog(h.registry, cfg.Timeout, 10*time.Millisecond, h.events)
	go wd.Run(ctx)

	waitFor(t, time.Second, "watchdog expiry", func() bool { return !h.running("cam1") })
}
