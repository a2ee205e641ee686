package capture

import (
	"strings"
	"testing"
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		raw      string
		kind     Kind
		location string
		wantErr  bool
	}{
		{raw: "/dev/video1", kind: KindV4L2, location: "/dev/video1"},
		{raw: "3", kind: KindV4L2, location: "/dev/video3"},
		{raw: "rtsp://192.168.2.64:554/stream1", kind: KindRTSP, location: "rtsp://192.168.2.64:554/stream1"},
		{raw: "file:///tmp/clip.mp4", kind: KindURI, location: "file:///tmp/clip.mp4"},
		{raw: "test", kind: KindTest},
		{raw: "  /dev/video0 ", kind: KindV4L2, location: "/dev/video0"},
		{raw: "", wantErr: true},
		{raw: "-1", wantErr: true},
		{raw: "camera-one", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			d, err := ParseDescriptor(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", d)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Kind != tt.kind || d.Location != tt.location {
				t.Errorf("got kind=%v location=%q, want kind=%v location=%q", d.Kind, d.Location, tt.kind, tt.location)
			}
		})
	}
}

func TestLaunchLine(t *testing.T) {
	s := DefaultSettings()

	d, _ := ParseDescriptor("/dev/video1")
	line := LaunchLine(d, s)
	for _, want := range []string{
		`v4l2src device="/dev/video1"`,
		"video/x-raw,format=RGB,width=640,height=480,framerate=30/1",
		"appsink name=" + SinkName,
		"drop=true",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("launch line %q missing %q", line, want)
		}
	}

	d, _ = ParseDescriptor("rtsp://cam/stream")
	if line := LaunchLine(d, s); !strings.Contains(line, "protocols=tcp") {
		t.Errorf("rtsp launch line should force tcp: %q", line)
	}
}

func TestRGBCaps_DefaultFPS(t *testing.T) {
	got := RGBCaps(Settings{Width: 320, Height: 240})
	if got != "video/x-raw,format=RGB,width=320,height=240,framerate=30/1" {
		t.Errorf("RGBCaps = %q", got)
	}
}
