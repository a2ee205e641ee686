package report

import (
	"bytes"
	"strings"

	"github.com/e7canasta/orion-leida/internal/channel"
)

const (
	personPrefix = "person"
	terminator   = '\x00'
)

// Message returns the NUL-terminated outbound message for a detection on
// id: "person_<id>\x00", or "person\x00" in single-channel deployments.
func Message(id channel.ID, single bool) []byte {
	if single {
		return []byte(personPrefix + string(terminator))
	}
	return []byte(personPrefix + "_" + string(id) + string(terminator))
}

// SplitMessages cuts buf at every terminator. It returns the complete
// messages without their terminator and the trailing partial message, which
// the caller prepends to the next read.
func SplitMessages(buf []byte) (msgs []string, rest []byte) {
	for {
		i := bytes.IndexByte(buf, terminator)
		if i < 0 {
			return msgs, buf
		}
		if i > 0 {
			msgs = append(msgs, string(buf[:i]))
		}
		buf = buf[i+1:]
	}
}

// ParseMessage decodes a message produced by Message. It returns the
// channel id, empty for the single-channel form, and whether msg is a
// detection message at all.
func ParseMessage(msg string) (channel.ID, bool) {
	if msg == personPrefix {
		return "", true
	}
	id, ok := strings.CutPrefix(msg, personPrefix+"_")
	if !ok || id == "" {
		return "", false
	}
	return channel.ID(id), true
}
