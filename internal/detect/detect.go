// Package detect runs object detection on captured frames.
package detect

import (
	"context"

	"github.com/e7canasta/orion-leida/internal/capture"
)

// PersonLabel is the label that activates a channel.
const PersonLabel = "person"

// Box is an axis-aligned bounding box in pixels.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Detection is one labelled object.
type Detection struct {
	Label      string
	Confidence float64
	Box        Box
}

// Detector infers objects on a frame. Detections are ordered as produced by
// the model.
type Detector interface {
	Infer(ctx context.Context, frame capture.Frame) ([]Detection, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, frame capture.Frame) ([]Detection, error)

func (f Func) Infer(ctx context.Context, frame capture.Frame) ([]Detection, error) {
	return f(ctx, frame)
}

// HasLabel reports whether any detection carries label.
func HasLabel(dets []Detection, label string) bool {
	for _, d := range dets {
		if d.Label == label {
			return true
		}
	}
	return false
}
