// Package config loads the leidad configuration through viper.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/e7canasta/orion-leida/internal/capture"
	"github.com/e7canasta/orion-leida/internal/channel"
	"github.com/e7canasta/orion-leida/internal/detect"
	"github.com/e7canasta/orion-leida/internal/lifecycle"
)

// EnvPrefix prefixes environment overrides, e.g. LEIDAD_DETECTION_TIMEOUT.
const EnvPrefix = "LEIDAD"

// Config is the complete leidad configuration.
type Config struct {
	Channels  []ChannelConfig `mapstructure:"channels" yaml:"channels"`
	IPC       IPCConfig       `mapstructure:"ipc" yaml:"ipc"`
	Detection DetectionConfig `mapstructure:"detection" yaml:"detection"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog" yaml:"watchdog"`
	Reporter  ReporterConfig  `mapstructure:"reporter" yaml:"reporter"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Detector  DetectorConfig  `mapstructure:"detector" yaml:"detector"`
	MQTT      MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ChannelConfig binds a channel id to its camera descriptor.
type ChannelConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
	// Source is a device path, device index, RTSP/file URI or "test".
	Source string `mapstructure:"source" yaml:"source"`
}

// IPCConfig locates the trigger and result pipes.
type IPCConfig struct {
	InboundPath    string        `mapstructure:"inbound_path" yaml:"inbound_path"`
	OutboundPath   string        `mapstructure:"outbound_path" yaml:"outbound_path"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	// ReadWait bounds each wait for trigger bytes.
	ReadWait time.Duration `mapstructure:"read_wait" yaml:"read_wait"`
}

type DetectionConfig struct {
	Label        string        `mapstructure:"label" yaml:"label"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	JoinTimeout  time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff" yaml:"error_backoff"`
}

type WatchdogConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type ReporterConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type CaptureConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
	FPS    int `mapstructure:"fps" yaml:"fps"`
}

// DetectorConfig describes the external inference worker process.
type DetectorConfig struct {
	Command        string        `mapstructure:"command" yaml:"command"`
	Args           []string      `mapstructure:"args" yaml:"args"`
	Model          string        `mapstructure:"model" yaml:"model"`
	Confidence     float64       `mapstructure:"confidence" yaml:"confidence"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// MQTTConfig controls the optional event mirror. An empty Broker disables it.
type MQTTConfig struct {
	Broker       string `mapstructure:"broker" yaml:"broker"`
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	EventsTopic  string `mapstructure:"events_topic" yaml:"events_topic"`
	ControlTopic string `mapstructure:"control_topic" yaml:"control_topic"`
	QoS          byte   `mapstructure:"qos" yaml:"qos"`
}

// JournalConfig controls the SQLite event journal. An empty Path disables it.
type JournalConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Buffer int    `mapstructure:"buffer" yaml:"buffer"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration of the reference deployment: two USB
// cameras and the pipe pair shared with the host application.
func Default() *Config {
	return &Config{
		Channels: []ChannelConfig{
			{ID: "cam1", Source: "/dev/video1"},
			{ID: "cam2", Source: "/dev/video3"},
		},
		IPC: IPCConfig{
			InboundPath:    "/home/cat/leida_test/Z_pavo2__test/send_PYTHON",
			OutboundPath:   "/home/cat/leida_test/Z_pavo2__test/rece_PYTHON",
			ReconnectDelay: time.Second,
			ReadWait:       100 * time.Millisecond,
		},
		Detection: DetectionConfig{
			Label:        detect.PersonLabel,
			Timeout:      10 * time.Second,
			PollInterval: 100 * time.Millisecond,
			JoinTimeout:  2 * time.Second,
			ErrorBackoff: time.Second,
		},
		Watchdog: WatchdogConfig{Interval: time.Second},
		Reporter: ReporterConfig{Interval: 500 * time.Millisecond},
		Capture:  CaptureConfig{Width: 640, Height: 480, FPS: 30},
		Detector: DetectorConfig{
			Command:        "models/run_worker.sh",
			Args:           []string{},
			Model:          "yolo11n_rknn_model",
			Confidence:     0.5,
			RequestTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "leidad",
			EventsTopic: "leida/events",
		},
		Journal: JournalConfig{Buffer: 64},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// SetDefaults registers every default with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	chans := make([]map[string]any, 0, len(d.Channels))
	for _, c := range d.Channels {
		chans = append(chans, map[string]any{"id": c.ID, "source": c.Source})
	}
	v.SetDefault("channels", chans)

	v.SetDefault("ipc.inbound_path", d.IPC.InboundPath)
	v.SetDefault("ipc.outbound_path", d.IPC.OutboundPath)
	v.SetDefault("ipc.reconnect_delay", d.IPC.ReconnectDelay)
	v.SetDefault("ipc.read_wait", d.IPC.ReadWait)

	v.SetDefault("detection.label", d.Detection.Label)
	v.SetDefault("detection.timeout", d.Detection.Timeout)
	v.SetDefault("detection.poll_interval", d.Detection.PollInterval)
	v.SetDefault("detection.join_timeout", d.Detection.JoinTimeout)
	v.SetDefault("detection.error_backoff", d.Detection.ErrorBackoff)

	v.SetDefault("watchdog.interval", d.Watchdog.Interval)
	v.SetDefault("reporter.interval", d.Reporter.Interval)

	v.SetDefault("capture.width", d.Capture.Width)
	v.SetDefault("capture.height", d.Capture.Height)
	v.SetDefault("capture.fps", d.Capture.FPS)

	v.SetDefault("detector.command", d.Detector.Command)
	v.SetDefault("detector.args", d.Detector.Args)
	v.SetDefault("detector.model", d.Detector.Model)
	v.SetDefault("detector.confidence", d.Detector.Confidence)
	v.SetDefault("detector.request_timeout", d.Detector.RequestTimeout)

	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.events_topic", d.MQTT.EventsTopic)
	v.SetDefault("mqtt.control_topic", d.MQTT.ControlTopic)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)

	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("journal.buffer", d.Journal.Buffer)

	v.SetDefault("health.addr", d.Health.Addr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "leidad")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".leidad"
	}
	return filepath.Join(home, ".config", "leidad")
}

// ChannelIDs returns the configured ids in order.
func (c *Config) ChannelIDs() []channel.ID {
	ids := make([]channel.ID, 0, len(c.Channels))
	for _, ch := range c.Channels {
		ids = append(ids, channel.ID(ch.ID))
	}
	return ids
}

// Lifecycle returns the worker timings.
func (c *Config) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		Label:        c.Detection.Label,
		Timeout:      c.Detection.Timeout,
		PollInterval: c.Detection.PollInterval,
		JoinTimeout:  c.Detection.JoinTimeout,
		ErrorBackoff: c.Detection.ErrorBackoff,
	}
}

func (c *Config) CaptureSettings() capture.Settings {
	return capture.Settings{Width: c.Capture.Width, Height: c.Capture.Height, FPS: c.Capture.FPS}
}

// PythonDetector returns the detector process settings for one channel.
func (c *Config) PythonDetector(id channel.ID) detect.PythonConfig {
	return detect.PythonConfig{
		Name:           string(id),
		Command:        c.Detector.Command,
		Args:           append([]string(nil), c.Detector.Args...),
		Model:          c.Detector.Model,
		Confidence:     c.Detector.Confidence,
		RequestTimeout: c.Detector.RequestTimeout,
	}
}
