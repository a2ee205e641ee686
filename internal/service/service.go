// Package service assembles the leidad daemon: trigger and result pipes,
// the lifecycle manager with its watchdog, the reporter and the optional
// journal, MQTT and health outputs.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/e7canasta/orion-leida/internal/capture"
	"github.com/e7canasta/orion-leida/internal/capture/gstsource"
	"github.com/e7canasta/orion-leida/internal/channel"
	"github.com/e7canasta/orion-leida/internal/config"
	"github.com/e7canasta/orion-leida/internal/detect"
	"github.com/e7canasta/orion-leida/internal/emitter"
	"github.com/e7canasta/orion-leida/internal/ipc"
	"github.com/e7canasta/orion-leida/internal/journal"
	"github.com/e7canasta/orion-leida/internal/lifecycle"
	"github.com/e7canasta/orion-leida/internal/report"
	"github.com/e7canasta/orion-leida/internal/trigger"
)

// DetectorFactory builds the detector for one channel.
type DetectorFactory func(id channel.ID) (detect.Detector, error)

// Option customizes a Service.
type Option func(*Service)

// WithFrameSource replaces the GStreamer capture backend.
func WithFrameSource(src capture.FrameSource) Option {
	return func(s *Service) { s.source = src }
}

// WithDetectorFactory replaces the subprocess detector.
func WithDetectorFactory(f DetectorFactory) Option {
	return func(s *Service) { s.newDetector = f }
}

// Service is the running daemon.
type Service struct {
	cfg         *config.Config
	source      capture.FrameSource
	newDetector DetectorFactory

	registry  *channel.Registry
	parser    *trigger.Parser
	manager   *lifecycle.Manager
	watchdog  *lifecycle.Watchdog
	reporter  *report.Reporter
	detectors []detect.Detector

	store    *journal.Store
	recorder *journal.Recorder
	mqtt     *emitter.MQTTEmitter
	http     *http.Server

	inbound      ipc.ReconnectState
	outbound     ipc.ReconnectState
	inboundOpen  atomic.Bool
	outboundOpen atomic.Bool
	started      time.Time

	loops     conc.WaitGroup
	sinks     conc.WaitGroup
	stopSinks context.CancelFunc
	closed    atomic.Bool
}

// New builds the service from cfg. Nothing is opened until Run, except the
// journal database.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	if s.newDetector == nil {
		s.newDetector = func(id channel.ID) (detect.Detector, error) {
			return detect.NewPythonDetector(cfg.PythonDetector(id))
		}
	}
	if s.source == nil {
		src, err := gstsource.New(cfg.CaptureSettings())
		if err != nil {
			return nil, fmt.Errorf("service: capture backend: %w", err)
		}
		s.source = src
	}

	ids := cfg.ChannelIDs()
	registry, err := channel.NewRegistry(ids...)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	s.registry = registry
	s.parser = trigger.NewParser(ids)

	var observers channel.Observers
	observers = append(observers, channel.ObserverFunc(logEvent))

	if cfg.Journal.Path != "" {
		store, err := journal.Open(context.Background(), cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
		s.store = store
		s.recorder = journal.NewRecorder(store, cfg.Journal.Buffer)
		observers = append(observers, s.recorder)
	}

	if cfg.MQTT.Broker != "" {
		var control emitter.ControlHandler
		if cfg.MQTT.ControlTopic != "" {
			control = func(payload []byte) { s.handleTrigger("mqtt", payload) }
		}
		s.mqtt = emitter.NewMQTTEmitter(emitter.Config{
			Broker:       cfg.MQTT.Broker,
			ClientID:     cfg.MQTT.ClientID,
			EventsTopic:  cfg.MQTT.EventsTopic,
			ControlTopic: cfg.MQTT.ControlTopic,
			QoS:          cfg.MQTT.QoS,
			Buffer:       cfg.Journal.Buffer,
		}, control)
		observers = append(observers, s.mqtt)
	}

	chans := make([]lifecycle.Channel, 0, len(cfg.Channels))
	for _, c := range cfg.Channels {
		id := channel.ID(c.ID)
		det, err := s.newDetector(id)
		if err != nil {
			s.closeDetectors()
			s.store.Close()
			return nil, fmt.Errorf("service: detector for %s: %w", id, err)
		}
		s.detectors = append(s.detectors, det)
		chans = append(chans, lifecycle.Channel{ID: id, Descriptor: c.Source, Detector: det})
	}

	s.manager, err = lifecycle.NewManager(registry, s.source, chans, cfg.Lifecycle(), lifecycle.WithObserver(observers))
	if err != nil {
		s.closeDetectors()
		s.store.Close()
		return nil, fmt.Errorf("service: %w", err)
	}
	s.watchdog = lifecycle.NewWatchdog(registry, cfg.Detection.Timeout, cfg.Watchdog.Interval, observers)
	s.reporter = report.New(registry, cfg.Reporter.Interval, observers)
	return s, nil
}

// Manager returns the lifecycle manager.
func (s *Service) Manager() *lifecycle.Manager { return s.manager }

// Registry returns the channel registry.
func (s *Service) Registry() *channel.Registry { return s.registry }

// Run serves both pipes until ctx is cancelled. Call Shutdown afterwards to
// release cameras and flush the outputs.
func (s *Service) Run(ctx context.Context) error {
	slog.Info("leidad starting",
		"channels", s.registry.IDs(),
		"single_channel", s.parser.Single(),
		"inbound", s.cfg.IPC.InboundPath,
		"outbound", s.cfg.IPC.OutboundPath,
		"timeout", s.cfg.Detection.Timeout,
	)

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	s.stopSinks = stopSinks
	if s.recorder != nil {
		s.sinks.Go(func() { s.recorder.Run(sinkCtx) })
	}
	if s.mqtt != nil {
		if err := s.mqtt.Connect(ctx); err != nil {
			// The client keeps retrying in the background.
			slog.Warn("mqtt initial connect failed", "error", err)
		}
		s.sinks.Go(func() { s.mqtt.Run(sinkCtx) })
	}
	if s.cfg.Health.Addr != "" {
		s.startHealthServer(s.cfg.Health.Addr)
	}

	reconnect := ipc.ReconnectConfig{RetryDelay: s.cfg.IPC.ReconnectDelay}
	s.loops.Go(func() {
		ipc.RunWithReconnect(ctx, "inbound", reconnect, &s.inbound, s.inboundSession)
	})
	s.loops.Go(func() {
		ipc.RunWithReconnect(ctx, "outbound", reconnect, &s.outbound, s.outboundSession)
	})
	s.loops.Go(func() { s.watchdog.Run(ctx) })

	<-ctx.Done()
	s.loops.Wait()
	return nil
}

// Shutdown stops every channel, waits for the workers to release their
// cameras, then flushes and closes the outputs.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	if s.stopSinks != nil {
		s.stopSinks()
	}
	s.sinks.Wait()
	s.closeDetectors()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("journal: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) closeDetectors() {
	for _, det := range s.detectors {
		if c, ok := det.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("detector close failed", "error", err)
			}
		}
	}
	s.detectors = nil
}

// handleTrigger parses a trigger fragment and applies every command.
func (s *Service) handleTrigger(origin string, b []byte) {
	cmds := s.parser.ParseBytes(b)
	if len(cmds) == 0 {
		slog.Debug("trigger ignored", "origin", origin, "data", trigger.Decode(b))
		return
	}
	for _, cmd := range cmds {
		slog.Info("trigger received", "origin", origin, "command", cmd.String())
		if err := s.manager.Apply(cmd); err != nil {
			slog.Error("trigger failed", "origin", origin, "command", cmd.String(), "error", err)
		}
	}
}

func logEvent(ev channel.Event) {
	slog.Debug("channel event", "channel", ev.Channel, "kind", ev.Kind, "detail", ev.Detail, "event_id", ev.ID)
}
