package gstsource

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for logs and events.
type ErrorCategory int

const (
	// ErrCategoryDevice covers missing or busy capture devices.
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryNetwork covers connection, timeout and DNS failures.
	ErrCategoryNetwork
	// ErrCategoryCodec covers decode and negotiation failures.
	ErrCategoryCodec
	// ErrCategoryAuth covers authentication failures.
	ErrCategoryAuth
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	// Order matters: the most specific category wins.
	{ErrCategoryAuth, []string{"unauthorized", "401", "403", "forbidden", "authentication", "credentials"}},
	{ErrCategoryDevice, []string{"/dev/video", "v4l2", "device", "busy", "permission denied", "no such file"}},
	{ErrCategoryCodec, []string{"codec", "decode", "format", "negotiat", "caps", "h264", "h265", "mjpeg", "jpeg", "missing plugin", "no decoder"}},
	{ErrCategoryNetwork, []string{"connection", "timeout", "unreachable", "network", "dns", "resolve", "socket", "tcp", "udp", "rtsp", "could not connect"}},
}

// ClassifyError categorizes a GStreamer error from its message and debug
// string. go-gst's GError does not expose the error domain, so matching is
// by keyword.
func ClassifyError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classifyText(gerr.Error() + " " + gerr.DebugString())
}

func classifyText(text string) ErrorCategory {
	combined := strings.ToLower(text)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}
