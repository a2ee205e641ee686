package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/e7canasta/orion-leida/internal/channel"
	"github.com/e7canasta/orion-leida/internal/trigger"
)

// ValidationError is a single invalid field.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every failure found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Channel ids end up inside trigger tokens and result messages.
var channelIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

func ValidLogFormats() []string {
	return []string{"json", "text"}
}

// Validate checks c and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateChannels()...)
	errs = append(errs, c.validateIPC()...)
	errs = append(errs, c.validateTimings()...)
	errs = append(errs, c.validateDetector()...)
	errs = append(errs, c.validateOutputs()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateChannels() []ValidationError {
	if len(c.Channels) == 0 {
		return []ValidationError{{Field: "channels", Value: 0, Message: "at least one channel is required"}}
	}

	var errs []ValidationError
	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		switch {
		case ch.ID == "":
			errs = append(errs, ValidationError{Field: field + ".id", Value: ch.ID, Message: "is required"})
		case !channelIDPattern.MatchString(ch.ID):
			errs = append(errs, ValidationError{Field: field + ".id", Value: ch.ID, Message: "must match [A-Za-z0-9_-]+"})
		case trigger.IsReserved(channel.ID(ch.ID)):
			errs = append(errs, ValidationError{Field: field + ".id", Value: ch.ID, Message: "collides with a global trigger token"})
		case seen[ch.ID]:
			errs = append(errs, ValidationError{Field: field + ".id", Value: ch.ID, Message: "duplicate channel id"})
		}
		seen[ch.ID] = true
		if strings.TrimSpace(ch.Source) == "" {
			errs = append(errs, ValidationError{Field: field + ".source", Value: ch.Source, Message: "is required"})
		}
	}
	return errs
}

func (c *Config) validateIPC() []ValidationError {
	var errs []ValidationError
	if c.IPC.InboundPath == "" {
		errs = append(errs, ValidationError{Field: "ipc.inbound_path", Value: "", Message: "is required"})
	}
	if c.IPC.OutboundPath == "" {
		errs = append(errs, ValidationError{Field: "ipc.outbound_path", Value: "", Message: "is required"})
	}
	if c.IPC.InboundPath != "" && c.IPC.InboundPath == c.IPC.OutboundPath {
		errs = append(errs, ValidationError{
			Field:   "ipc.outbound_path",
			Value:   c.IPC.OutboundPath,
			Message: "must differ from ipc.inbound_path",
		})
	}
	return errs
}

func (c *Config) validateTimings() []ValidationError {
	durations := []struct {
		field string
		value time.Duration
	}{
		{"ipc.reconnect_delay", c.IPC.ReconnectDelay},
		{"ipc.read_wait", c.IPC.ReadWait},
		{"detection.timeout", c.Detection.Timeout},
		{"detection.poll_interval", c.Detection.PollInterval},
		{"detection.join_timeout", c.Detection.JoinTimeout},
		{"detection.error_backoff", c.Detection.ErrorBackoff},
		{"watchdog.interval", c.Watchdog.Interval},
		{"reporter.interval", c.Reporter.Interval},
		{"detector.request_timeout", c.Detector.RequestTimeout},
	}

	var errs []ValidationError
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, ValidationError{Field: d.field, Value: d.value, Message: "must be positive"})
		}
	}
	if c.Detection.Label == "" {
		errs = append(errs, ValidationError{Field: "detection.label", Value: "", Message: "is required"})
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 || c.Capture.FPS <= 0 {
		errs = append(errs, ValidationError{
			Field:   "capture",
			Value:   fmt.Sprintf("%dx%d@%d", c.Capture.Width, c.Capture.Height, c.Capture.FPS),
			Message: "width, height and fps must be positive",
		})
	}
	return errs
}

func (c *Config) validateDetector() []ValidationError {
	var errs []ValidationError
	if strings.TrimSpace(c.Detector.Command) == "" {
		errs = append(errs, ValidationError{Field: "detector.command", Value: c.Detector.Command, Message: "is required"})
	}
	if c.Detector.Confidence <= 0 || c.Detector.Confidence > 1 {
		errs = append(errs, ValidationError{Field: "detector.confidence", Value: c.Detector.Confidence, Message: "must be in (0, 1]"})
	}
	return errs
}

func (c *Config) validateOutputs() []ValidationError {
	var errs []ValidationError
	if c.MQTT.Broker != "" {
		if c.MQTT.EventsTopic == "" {
			errs = append(errs, ValidationError{Field: "mqtt.events_topic", Value: "", Message: "is required when mqtt.broker is set"})
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, ValidationError{Field: "mqtt.qos", Value: c.MQTT.QoS, Message: "must be 0, 1 or 2"})
		}
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "leidad"
		}
	}
	if c.Journal.Path != "" && c.Journal.Buffer <= 0 {
		c.Journal.Buffer = Default().Journal.Buffer
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if !slices.Contains(ValidLogFormats(), c.Logging.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}
	return errs
}
