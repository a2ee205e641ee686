package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-leida/internal/capture"
	"github.com/e7canasta/orion-leida/internal/channel"
	"github.com/e7canasta/orion-leida/internal/detect"
)

// worker runs detection for one channel until the channel stops, expires
// or its context is cancelled. It is the only owner of its camera.
type worker struct {
	id         channel.ID
	epoch      uint64
	runID      string
	descriptor string

	source   capture.FrameSource
	detector detect.Detector
	registry *channel.Registry
	cfg      Config
	observer channel.Observer
}

func (w *worker) run(ctx context.Context) {
	log := slog.With("channel", w.id, "run_id", w.runID)

	cam, err := w.source.Open(ctx, w.descriptor)
	if err != nil {
		log.Error("lifecycle: camera open failed", "descriptor", w.descriptor, "error", err)
		if w.registry.Release(w.id, w.epoch) {
			channel.Notify(w.observer, w.id, channel.EventOpenFailed, err.Error())
		}
		return
	}
	defer func() {
		if cam != nil {
			w.closeCamera(log, cam)
		}
	}()
	log.Info("lifecycle: worker active", "descriptor", w.descriptor)

	for w.active(ctx) {
		if cam == nil {
			cam = w.reopen(ctx, log)
			if cam == nil {
				w.sleep(ctx, w.cfg.PollInterval)
			}
			continue
		}

		frame, err := cam.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("lifecycle: frame read failed, reopening camera", "error", err)
			w.closeCamera(log, cam)
			cam = w.reopen(ctx, log)
			if cam == nil {
				w.sleep(ctx, w.cfg.PollInterval)
			}
			continue
		}

		dets, err := w.detector.Infer(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("lifecycle: inference failed", "trace_id", frame.TraceID, "error", err)
			w.sleep(ctx, w.cfg.ErrorBackoff)
			continue
		}

		now := time.Now()
		if detect.HasLabel(dets, w.cfg.Label) {
			if !w.registry.RecordDetectionEpoch(w.id, w.epoch, now) {
				break
			}
			log.Debug("lifecycle: person detected", "frame_seq", frame.Seq, "trace_id", frame.TraceID)
		} else if w.registry.ExpireEpoch(w.id, w.epoch, now, w.cfg.Timeout) {
			log.Info("lifecycle: no detection within timeout, deactivating", "timeout", w.cfg.Timeout)
			channel.Notify(w.observer, w.id, channel.EventExpired, "worker")
			break
		}

		w.sleep(ctx, w.cfg.PollInterval)
	}
	log.Info("lifecycle: worker exiting")
}

func (w *worker) active(ctx context.Context) bool {
	return ctx.Err() == nil && w.registry.Active(w.id, w.epoch)
}

// reopen returns a fresh camera, or nil if it could not be opened. Retries
// are unbounded; the caller paces them.
func (w *worker) reopen(ctx context.Context, log *slog.Logger) capture.Camera {
	cam, err := w.source.Open(ctx, w.descriptor)
	if err != nil {
		log.Warn("lifecycle: camera reopen failed", "descriptor", w.descriptor, "error", err)
		return nil
	}
	log.Info("lifecycle: camera reopened", "descriptor", w.descriptor)
	return cam
}

func (w *worker) closeCamera(log *slog.Logger, cam capture.Camera) {
	if err := cam.Close(); err != nil {
		log.Warn("lifecycle: camera close failed", "error", err)
	}
}

func (w *worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
