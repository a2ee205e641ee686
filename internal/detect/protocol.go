package detect

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single framed message (a 4K RGB frame is ~25MB).
const maxMessageSize = 64 << 20

// Wire protocol with the detector worker process: every message is a 4-byte
// big-endian length followed by a msgpack document.
//
// Request (Go → worker):
//
//	{frame_data: bin, width: int, height: int,
//	 meta: {channel, seq, timestamp, trace_id}}
//
// Response (worker → Go):
//
//	{detections: [{label, confidence, box: [x1, y1, x2, y2]}],
//	 timing: {inference_ms, total_ms}, error: str}
type request struct {
	FrameData []byte      `msgpack:"frame_data"`
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Meta      requestMeta `msgpack:"meta"`
}

type requestMeta struct {
	Channel   string `msgpack:"channel"`
	Seq       uint64 `msgpack:"seq"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
}

type response struct {
	Detections []wireDetection `msgpack:"detections"`
	Timing     map[string]any  `msgpack:"timing"`
	Error      string          `msgpack:"error"`
}

type wireDetection struct {
	Label      string    `msgpack:"label"`
	Confidence float64   `msgpack:"confidence"`
	Box        []float64 `msgpack:"box"`
}

func (w wireDetection) detection() Detection {
	d := Detection{Label: w.Label, Confidence: w.Confidence}
	if len(w.Box) == 4 {
		d.Box = Box{X1: w.Box[0], Y1: w.Box[1], X2: w.Box[2], Y2: w.Box[3]}
	}
	return d
}

func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal msgpack: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write msgpack data: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read msgpack data (%d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return nil
}
