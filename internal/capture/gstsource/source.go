// Package gstsource implements capture.FrameSource on top of GStreamer.
//
// Every camera is an independent pipeline:
//
//	v4l2src | rtspsrc | uridecodebin | videotestsrc → decodebin →
//	videoconvert → videoscale → videorate → capsfilter(RGB) → appsink
//
// Frames are pulled synchronously from the appsink, one per ReadFrame call.
package gstsource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-leida/internal/capture"
)

const defaultStartTimeout = 5 * time.Second

var initOnce sync.Once

// Source opens GStreamer-backed cameras.
type Source struct {
	settings     capture.Settings
	startTimeout time.Duration
}

// New checks that GStreamer is usable and returns a Source.
func New(settings capture.Settings) (*Source, error) {
	if err := checkGStreamerAvailable(); err != nil {
		return nil, err
	}
	if settings.Width <= 0 || settings.Height <= 0 {
		return nil, fmt.Errorf("gstsource: invalid frame size %dx%d", settings.Width, settings.Height)
	}
	return &Source{settings: settings, startTimeout: defaultStartTimeout}, nil
}

// Open builds and starts a pipeline for descriptor. It returns once the
// pipeline reached PLAYING, reported an error, or the start timeout elapsed.
func (s *Source) Open(ctx context.Context, descriptor string) (capture.Camera, error) {
	d, err := capture.ParseDescriptor(descriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrOpen, err)
	}

	launch := capture.LaunchLine(d, s.settings)
	slog.Debug("capture: creating pipeline", "descriptor", descriptor, "launch", launch)

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("%w: create pipeline: %v", capture.ErrOpen, err)
	}
	elem, err := pipeline.GetElementByName(capture.SinkName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: appsink not found: %v", capture.ErrOpen, err)
	}
	sink := app.SinkFromElement(elem)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: start pipeline: %v", capture.ErrOpen, err)
	}
	if err := waitPlaying(ctx, pipeline, s.startTimeout); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: %s: %v", capture.ErrOpen, descriptor, err)
	}

	slog.Info("capture: camera opened",
		"descriptor", descriptor,
		"kind", d.Kind.String(),
		"resolution", fmt.Sprintf("%dx%d", s.settings.Width, s.settings.Height),
		"fps", s.settings.FPS,
	)

	return &camera{
		descriptor: descriptor,
		pipeline:   pipeline,
		sink:       sink,
		width:      s.settings.Width,
		height:     s.settings.Height,
	}, nil
}

// waitPlaying drains the bus until the pipeline reports PLAYING or an error.
// Live sources may stay in PAUSED until data flows; a timeout is not an
// error.
func waitPlaying(ctx context.Context, pipeline *gst.Pipeline, timeout time.Duration) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error [%s]: %s", ClassifyError(gerr), gerr.Error())
		case gst.MessageEOS:
			return capture.ErrEndOfStream
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
					return nil
				}
			}
		}
	}
	slog.Debug("capture: pipeline not yet playing, continuing", "timeout", timeout)
	return nil
}

type camera struct {
	descriptor string
	pipeline   *gst.Pipeline
	sink       *app.Sink
	width      int
	height     int

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// ReadFrame pulls the next sample from the appsink. Cancelling ctx tears the
// pipeline down, which unblocks a pending pull.
func (c *camera) ReadFrame(ctx context.Context) (capture.Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return capture.Frame{}, capture.ErrClosed
	}
	c.mu.Unlock()

	if err := c.pendingError(); err != nil {
		return capture.Frame{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		c.pipeline.SetState(gst.StateNull)
	})
	sample := c.sink.PullSample()
	stop()

	if sample == nil {
		if c.sink.IsEOS() {
			return capture.Frame{}, fmt.Errorf("%w: %w", capture.ErrRead, capture.ErrEndOfStream)
		}
		return capture.Frame{}, fmt.Errorf("%w: no sample from %s", capture.ErrRead, c.descriptor)
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return capture.Frame{}, fmt.Errorf("%w: empty sample", capture.ErrRead)
	}
	data := buffer.Map(gst.MapRead).Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return capture.Frame{}, fmt.Errorf("%w: empty buffer", capture.ErrRead)
	}
	// GStreamer reuses the buffer once unmapped.
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	return capture.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     c.width,
		Height:    c.height,
		Data:      pixels,
		Source:    c.descriptor,
		TraceID:   uuid.New().String(),
	}, nil
}

// pendingError reports an error message already queued on the bus.
func (c *camera) pendingError() error {
	bus := c.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyError(gerr)
			slog.Error("capture: pipeline error",
				"descriptor", c.descriptor,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			return fmt.Errorf("%w: pipeline error [%s]: %s", capture.ErrRead, category, gerr.Error())
		case gst.MessageEOS:
			return fmt.Errorf("%w: %w", capture.ErrRead, capture.ErrEndOfStream)
		}
	}
}

// Close stops the pipeline and releases the device. Idempotent.
func (c *camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("capture: release %s: %w", c.descriptor, err)
	}
	slog.Debug("capture: camera released", "descriptor", c.descriptor, "frames", c.seq)
	return nil
}

func checkGStreamerAvailable() error {
	initOnce.Do(func() { gst.Init(nil) })

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}
