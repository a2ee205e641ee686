package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/e7canasta/orion-leida/internal/emitter"
)

// ChannelHealth is the externally visible state of one channel.
type ChannelHealth struct {
	Running        bool      `json:"running"`
	PersonDetected bool      `json:"person_detected"`
	LastDetection  time.Time `json:"last_detection,omitzero"`
	WorkerAlive    bool      `json:"worker_alive"`
}

// HealthStatus represents the health of the daemon.
type HealthStatus struct {
	Status             string                   `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds      int64                    `json:"uptime_seconds"`
	InboundOpen        bool                     `json:"inbound_open"`
	OutboundOpen       bool                     `json:"outbound_open"`
	InboundReconnects  uint64                   `json:"inbound_reconnects"`
	OutboundReconnects uint64                   `json:"outbound_reconnects"`
	Channels           map[string]ChannelHealth `json:"channels"`
	MQTT               *emitter.Stats           `json:"mqtt,omitempty"`
	JournalDropped     uint64                   `json:"journal_dropped,omitempty"`
}

// HealthCheck returns the current health status.
//
// Without the trigger pipe the daemon cannot be driven at all, so that is
// unhealthy. A missing result reader only means nobody is listening yet.
func (s *Service) HealthCheck() HealthStatus {
	status := HealthStatus{
		Status:             "healthy",
		UptimeSeconds:      int64(time.Since(s.started).Seconds()),
		InboundOpen:        s.inboundOpen.Load(),
		OutboundOpen:       s.outboundOpen.Load(),
		InboundReconnects:  s.inbound.Reconnects.Load(),
		OutboundReconnects: s.outbound.Reconnects.Load(),
		Channels:           make(map[string]ChannelHealth, s.registry.Len()),
	}
	for _, id := range s.registry.IDs() {
		st, err := s.registry.Snapshot(id)
		if err != nil {
			continue
		}
		status.Channels[string(id)] = ChannelHealth{
			Running:        st.Running,
			PersonDetected: st.PersonDetected,
			LastDetection:  st.LastDetection,
			WorkerAlive:    s.manager.WorkerAlive(id),
		}
	}
	if s.mqtt != nil {
		st := s.mqtt.Stats()
		status.MQTT = &st
	}
	if s.recorder != nil {
		status.JournalDropped = s.recorder.Dropped()
	}

	switch {
	case s.closed.Load() || !status.InboundOpen:
		status.Status = "unhealthy"
	case !status.OutboundOpen || (status.MQTT != nil && !status.MQTT.Connected):
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health. It answers 200 while the process runs.
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness with the full HealthStatus. Degraded
// is still ready.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	health := s.HealthCheck()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

// Handler returns the health endpoints.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	return mux
}

func (s *Service) startHealthServer(addr string) {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	slog.Info("starting health check server", "addr", addr, "endpoints", []string{"/health", "/readiness"})
	srv := s.http
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health check server failed", "error", err)
		}
	}()
}
