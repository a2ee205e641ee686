package gstsource

import (
	"context"
	"errors"
	"testing"

	"github.com/e7canasta/orion-leida/internal/capture"
)

func newTestSource(t *testing.T) *Source {
	t.Helper()
	src, err := New(capture.Settings{Width: 160, Height: 120, FPS: 10})
	if err != nil {
		t.Skipf("Skipping test: GStreamer not available: %v", err)
	}
	return src
}

func TestSource_TestPatternFrames(t *testing.T) {
	src := newTestSource(t)
	ctx := context.Background()

	cam, err := src.Open(ctx, "test")
	if err != nil {
		t.Skipf("Skipping test: videotestsrc pipeline unavailable: %v", err)
	}
	defer cam.Close()

	var last uint64
	for i := 0; i < 3; i++ {
		frame, err := cam.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if want := 160 * 120 * 3; len(frame.Data) != want {
			t.Errorf("frame size = %d bytes, want %d", len(frame.Data), want)
		}
		if frame.Seq <= last {
			t.Errorf("sequence not increasing: %d after %d", frame.Seq, last)
		}
		if frame.TraceID == "" {
			t.Error("missing trace id")
		}
		last = frame.Seq
	}
	t.Log("✅ read 3 frames from videotestsrc")
}

func TestCamera_CloseIdempotent(t *testing.T) {
	src := newTestSource(t)
	cam, err := src.Open(context.Background(), "test")
	if err != nil {
		t.Skipf("Skipping test: videotestsrc pipeline unavailable: %v", err)
	}
	if err := cam.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := cam.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := cam.ReadFrame(context.Background()); !errors.Is(err, capture.ErrClosed) {
		t.Errorf("ReadFrame after Close = %v, want ErrClosed", err)
	}
}

func TestSource_OpenRejectsBadDescriptor(t *testing.T) {
	src := newTestSource(t)
	if _, err := src.Open(context.Background(), "not-a-camera"); !errors.Is(err, capture.ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestClassifyText(t *testing.T) {
	tests := []struct {
		text string
		want ErrorCategory
	}{
		{"Cannot identify device '/dev/video3'", ErrCategoryDevice},
		{"Unauthorized (401)", ErrCategoryAuth},
		{"Internal data stream error: not-negotiated caps", ErrCategoryCodec},
		{"Could not connect to server", ErrCategoryNetwork},
		{"something odd", ErrCategoryUnknown},
	}
	for _, tt := range tests {
		if got := classifyText(tt.text); got != tt.want {
			t.Errorf("classifyText(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
	if ClassifyError(nil) != ErrCategoryUnknown {
		t.Error("nil error should be unknown")
	}
}
