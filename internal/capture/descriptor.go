package capture

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a camera descriptor.
type Kind int

const (
	KindV4L2 Kind = iota
	KindRTSP
	KindURI
	KindTest
)

func (k Kind) String() string {
	switch k {
	case KindV4L2:
		return "v4l2"
	case KindRTSP:
		return "rtsp"
	case KindURI:
		return "uri"
	case KindTest:
		return "test"
	default:
		return "unknown"
	}
}

// Descriptor is a parsed camera descriptor.
type Descriptor struct {
	Raw      string
	Kind     Kind
	Location string
}

// ParseDescriptor accepts a device path (/dev/video1), a bare device index
// (1), an rtsp:// URL, a file:// or http(s):// URI, or "test".
func ParseDescriptor(raw string) (Descriptor, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Descriptor{}, fmt.Errorf("capture: empty descriptor")
	case s == "test" || s == "videotestsrc":
		return Descriptor{Raw: raw, Kind: KindTest}, nil
	case strings.HasPrefix(s, "/dev/"):
		return Descriptor{Raw: raw, Kind: KindV4L2, Location: s}, nil
	case strings.HasPrefix(s, "rtsp://") || strings.HasPrefix(s, "rtsps://"):
		return Descriptor{Raw: raw, Kind: KindRTSP, Location: s}, nil
	case strings.HasPrefix(s, "file://") || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://"):
		return Descriptor{Raw: raw, Kind: KindURI, Location: s}, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return Descriptor{Raw: raw, Kind: KindV4L2, Location: fmt.Sprintf("/dev/video%d", n)}, nil
	}
	return Descriptor{}, fmt.Errorf("capture: unsupported descriptor %q", raw)
}

// SinkName is the name of the appsink element in every launch line.
const SinkName = "frames"

// LaunchLine builds a gst-launch style pipeline for d that delivers RGB
// frames of the given settings to an appsink named SinkName.
//
//	<source> ! videoconvert ! videoscale ! videorate ! caps ! appsink
func LaunchLine(d Descriptor, s Settings) string {
	var src string
	switch d.Kind {
	case KindV4L2:
		src = fmt.Sprintf("v4l2src device=%s ! decodebin", quote(d.Location))
	case KindRTSP:
		// TCP only; UDP is unreliable behind the camera NAT.
		src = fmt.Sprintf("rtspsrc location=%s protocols=tcp latency=200 ! decodebin", quote(d.Location))
	case KindURI:
		src = fmt.Sprintf("uridecodebin uri=%s", quote(d.Location))
	case KindTest:
		src = "videotestsrc is-live=true pattern=ball"
	}
	return fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! videorate drop-only=true ! %s ! appsink name=%s max-buffers=1 drop=true sync=false",
		src, RGBCaps(s), SinkName,
	)
}

// RGBCaps returns the caps string for packed RGB frames at the configured
// size and rate.
func RGBCaps(s Settings) string {
	fps := s.FPS
	if fps <= 0 {
		fps = DefaultSettings().FPS
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1", s.Width, s.Height, fps)
}

func quote(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}
