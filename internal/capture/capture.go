// Package capture defines frame acquisition for detection workers.
//
// A FrameSource opens cameras from descriptors; each open Camera is owned by
// exactly one detection worker and must be closed on every exit path.
package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrOpen wraps every failure to open a camera.
	ErrOpen = errors.New("capture: open failed")
	// ErrRead wraps every failure to read a frame.
	ErrRead = errors.New("capture: read failed")
	// ErrEndOfStream is returned (wrapped in ErrRead) when the source ended.
	ErrEndOfStream = errors.New("capture: end of stream")
	// ErrClosed is returned when reading from a closed camera.
	ErrClosed = errors.New("capture: camera closed")
)

// Frame is a single decoded RGB frame.
type Frame struct {
	// Seq is the per-camera monotonic sequence number.
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	// Data holds packed RGB pixels.
	Data []byte
	// Source is the descriptor the frame came from.
	Source string
	// TraceID correlates the frame through detection and logs.
	TraceID string
}

// Camera is an open capture resource.
type Camera interface {
	// ReadFrame blocks until the next frame is available.
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// FrameSource opens cameras from descriptors such as "/dev/video1" or an
// RTSP URL.
type FrameSource interface {
	Open(ctx context.Context, descriptor string) (Camera, error)
}

// Settings are applied to every opened camera.
type Settings struct {
	Width  int
	Height int
	FPS    int
}

// DefaultSettings matches the USB cameras the service was built for.
func DefaultSettings() Settings {
	return Settings{Width: 640, Height: 480, FPS: 30}
}
