package service

import (
	"context"
	"log/slog"

	"github.com/e7canasta/orion-leida/internal/ipc"
)

// inboundSession serves one connection of the trigger pipe.
func (s *Service) inboundSession(ctx context.Context) error {
	path := s.cfg.IPC.InboundPath
	r, err := ipc.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	sessCtx, gone := watchPipe(ctx, path)
	defer gone()

	s.inboundOpen.Store(true)
	defer s.inboundOpen.Store(false)
	slog.Info("inbound pipe open", "path", path)

	for {
		if err := sessionErr(ctx, sessCtx); err != nil {
			return err
		}
		ready, err := r.Wait(s.cfg.IPC.ReadWait)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		b, err := r.ReadAvailable()
		if err != nil {
			return err
		}
		if len(b) > 0 {
			s.handleTrigger("pipe", b)
		}
	}
}

// outboundSession serves one connection of the result pipe. It fails fast
// with ipc.ErrNoReader while the peer has not opened its end.
func (s *Service) outboundSession(ctx context.Context) error {
	path := s.cfg.IPC.OutboundPath
	w, err := ipc.OpenWriter(path)
	if err != nil {
		return err
	}
	defer w.Close()

	sessCtx, gone := watchPipe(ctx, path)
	defer gone()

	s.outboundOpen.Store(true)
	defer s.outboundOpen.Store(false)
	slog.Info("outbound pipe open", "path", path)

	err = s.reporter.Run(sessCtx, w)
	if serr := sessionErr(ctx, sessCtx); serr != nil {
		return serr
	}
	return err
}

// watchPipe derives a context that is cancelled when path disappears from
// the filesystem. Without a watcher the session simply runs until ctx ends.
func watchPipe(ctx context.Context, path string) (context.Context, context.CancelFunc) {
	sessCtx, cancel := context.WithCancel(ctx)
	removed, err := ipc.WatchRemoval(sessCtx, path)
	if err != nil {
		slog.Warn("pipe removal watch unavailable", "path", path, "error", err)
		return sessCtx, cancel
	}
	go func() {
		select {
		case <-removed:
			cancel()
		case <-sessCtx.Done():
		}
	}()
	return sessCtx, cancel
}

// sessionErr reports why a session must end: parent cancellation, or the
// pipe being removed underneath it.
func sessionErr(parent, sess context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if sess.Err() != nil {
		return ipc.ErrConnectionLost
	}
	return nil
}
