package ipc

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig controls the retry loop around a pipe session.
type ReconnectConfig struct {
	RetryDelay time.Duration // fixed delay between attempts (default: 1 second)
}

// DefaultReconnectConfig returns the default reconnection configuration.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{RetryDelay: time.Second}
}

// ReconnectState counts reconnection attempts across sessions.
type ReconnectState struct {
	Reconnects atomic.Uint64
}

// SessionFunc opens a pipe and serves it until the connection breaks. It
// must return when ctx is cancelled.
type SessionFunc func(ctx context.Context) error

// RunWithReconnect runs session until ctx is cancelled, restarting it after
// cfg.RetryDelay every time it returns. There is no retry limit: a pipe
// endpoint is expected to come and go for the lifetime of the process.
//
// It always returns ctx.Err().
func RunWithReconnect(
	ctx context.Context,
	name string,
	cfg ReconnectConfig,
	state *ReconnectState,
	session SessionFunc,
) error {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultReconnectConfig().RetryDelay
	}
	for {
		select {
		case <-ctx.Done():
			slog.Debug("ipc: context cancelled, stopping reconnection", "pipe", name)
			return ctx.Err()
		default:
		}

		err := session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if state != nil {
			state.Reconnects.Add(1)
		}
		if err != nil {
			slog.Warn("ipc: session ended, reconnecting",
				"pipe", name,
				"error", err,
				"delay", cfg.RetryDelay,
			)
		} else {
			slog.Info("ipc: session closed, reconnecting", "pipe", name, "delay", cfg.RetryDelay)
		}

		select {
		case <-time.After(cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
