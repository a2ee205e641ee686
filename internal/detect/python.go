package detect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/e7canasta/orion-leida/internal/capture"
)

var (
	// ErrTimeout is returned when the worker does not answer in time. The
	// worker is killed and respawned on the next call.
	ErrTimeout = errors.New("detect: worker request timeout")
	// ErrWorker wraps errors reported by the worker itself.
	ErrWorker = errors.New("detect: worker error")
	// ErrStopped is returned after Close.
	ErrStopped = errors.New("detect: detector stopped")
)

// PythonConfig configures a PythonDetector.
type PythonConfig struct {
	// Name identifies the detector in logs (usually the channel id).
	Name string
	// Command is the worker entrypoint, e.g. models/run_worker.sh.
	Command string
	// Args are passed before the generated --model/--confidence flags.
	Args []string
	// Env entries are appended to the current environment.
	Env            []string
	Model          string
	Confidence     float64
	RequestTimeout time.Duration
}

// PythonDetector runs inference in a long-lived worker subprocess that
// speaks the length-prefixed msgpack protocol over stdin/stdout. The process
// is spawned lazily and respawned after it dies or times out. Requests are
// serialized.
type PythonDetector struct {
	cfg PythonConfig

	mu      sync.Mutex
	proc    *process
	stopped bool
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	done   chan struct{}
	wg     sync.WaitGroup
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// NewPythonDetector validates cfg. The process is not started until the
// first Infer.
func NewPythonDetector(cfg PythonConfig) (*PythonDetector, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detect: command is required")
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &PythonDetector{cfg: cfg}, nil
}

type outcome struct {
	resp response
	err  error
}

// Infer sends frame to the worker and waits for its detections.
func (d *PythonDetector) Infer(ctx context.Context, frame capture.Frame) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, ErrStopped
	}
	if d.proc == nil || d.proc.exited() {
		if err := d.spawnLocked(); err != nil {
			return nil, err
		}
	}
	proc := d.proc

	req := request{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Meta: requestMeta{
			Channel:   d.cfg.Name,
			Seq:       frame.Seq,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
			TraceID:   frame.TraceID,
		},
	}

	// The exchange runs in its own goroutine so a hung worker cannot block
	// the caller past the request timeout.
	result := make(chan outcome, 1)
	go func() {
		if err := writeMessage(proc.stdin, &req); err != nil {
			result <- outcome{err: err}
			return
		}
		var resp response
		err := readMessage(proc.stdout, &resp)
		result <- outcome{resp: resp, err: err}
	}()

	timer := time.NewTimer(d.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case out := <-result:
		if out.err != nil {
			d.killLocked("exchange failed")
			return nil, fmt.Errorf("detect: %s: %w", d.cfg.Name, out.err)
		}
		if out.resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrWorker, out.resp.Error)
		}
		dets := make([]Detection, 0, len(out.resp.Detections))
		for _, w := range out.resp.Detections {
			dets = append(dets, w.detection())
		}
		slog.Debug("detect: inference complete",
			"detector", d.cfg.Name,
			"frame_seq", frame.Seq,
			"trace_id", frame.TraceID,
			"detections", len(dets),
			"timing", out.resp.Timing,
		)
		return dets, nil
	case <-timer.C:
		d.killLocked("request timeout")
		return nil, fmt.Errorf("%w after %s", ErrTimeout, d.cfg.RequestTimeout)
	case <-ctx.Done():
		d.killLocked("context cancelled")
		return nil, ctx.Err()
	}
}

func (d *PythonDetector) spawnLocked() error {
	args := append([]string{}, d.cfg.Args...)
	if d.cfg.Model != "" {
		args = append(args, "--model", d.cfg.Model)
	}
	args = append(args, "--confidence", fmt.Sprintf("%.2f", d.cfg.Confidence))

	cmd := exec.Command(d.cfg.Command, args...)
	cmd.Env = append(os.Environ(), d.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("detect: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("detect: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("detect: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("detect: start %s: %w", d.cfg.Command, err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go d.logStderr(p, stderr)
	go d.waitProcess(p)

	d.proc = p
	slog.Info("detect: worker process spawned",
		"detector", d.cfg.Name,
		"pid", cmd.Process.Pid,
		"command", d.cfg.Command,
		"model", d.cfg.Model,
		"confidence", d.cfg.Confidence,
	)
	return nil
}

// logStderr maps the worker's [LEVEL] markers onto slog levels.
func (d *PythonDetector) logStderr(p *process, stderr io.Reader) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("detect: worker error", "detector", d.cfg.Name, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("detect: worker warning", "detector", d.cfg.Name, "log", line)
		default:
			slog.Debug("detect: worker log", "detector", d.cfg.Name, "log", line)
		}
	}
}

func (d *PythonDetector) waitProcess(p *process) {
	// Drain stderr before Wait closes the pipe.
	p.wg.Wait()
	err := p.cmd.Wait()
	close(p.done)
	if err != nil {
		slog.Warn("detect: worker process exited", "detector", d.cfg.Name, "pid", p.cmd.Process.Pid, "error", err)
		return
	}
	slog.Info("detect: worker process exited cleanly", "detector", d.cfg.Name, "pid", p.cmd.Process.Pid)
}

func (d *PythonDetector) killLocked(reason string) {
	p := d.proc
	d.proc = nil
	if p == nil || p.exited() {
		return
	}
	slog.Warn("detect: killing worker process", "detector", d.cfg.Name, "reason", reason)
	p.stdin.Close()
	if err := p.cmd.Process.Kill(); err != nil {
		slog.Error("detect: failed to kill worker", "detector", d.cfg.Name, "error", err)
	}
}

// Close stops the worker: stdin is closed so it can exit on its own, and
// the process is killed if it has not exited within 2 seconds.
func (d *PythonDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	p := d.proc
	d.proc = nil
	if p == nil {
		return nil
	}

	p.stdin.Close()
	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
		slog.Warn("detect: worker stop timeout, force killing process", "detector", d.cfg.Name)
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("detect: kill worker: %w", err)
		}
		return nil
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
