// Package ipc implements the named-pipe transport used for triggers
// (inbound) and detection results (outbound).
package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrConnectionLost is returned when the peer of a pipe went away.
	ErrConnectionLost = errors.New("ipc: connection lost")
	// ErrNoReader is returned by OpenWriter while nobody has the pipe open
	// for reading.
	ErrNoReader = errors.New("ipc: no reader on pipe")
	// ErrNotFIFO is returned when the path exists but is not a named pipe.
	ErrNotFIFO = errors.New("ipc: path is not a fifo")
	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("ipc: endpoint closed")
)

const readChunk = 4096

// EnsureFIFO creates the named pipe at path, and its parent directories, if
// it does not exist yet.
func EnsureFIFO(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ipc: create fifo dir: %w", err)
	}
	if err := unix.Mkfifo(path, 0o666); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("ipc: mkfifo %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("ipc: stat fifo: %w", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		return fmt.Errorf("%w: %s", ErrNotFIFO, path)
	}
	return nil
}

// Reader is the non-blocking read end of a named pipe.
//
// The pipe is opened read-write so that open never blocks and the reader
// never observes EOF while no writer is attached.
type Reader struct {
	path string
	fd   int
	buf  []byte
}

// OpenReader creates the FIFO if needed and opens it for reading.
func OpenReader(path string) (*Reader, error) {
	if err := EnsureFIFO(path); err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("ipc: open reader %s: %w", path, err)
	}
	return &Reader{path: path, fd: fd, buf: make([]byte, readChunk)}, nil
}

// Path returns the pipe path.
func (r *Reader) Path() string { return r.path }

// Wait blocks until data is available or timeout elapses. It reports whether
// the pipe is readable.
func (r *Reader) Wait(timeout time.Duration) (bool, error) {
	if r.fd < 0 {
		return false, ErrClosed
	}
	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("ipc: poll %s: %w", r.path, err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("%w: poll revents %#x", ErrConnectionLost, fds[0].Revents)
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

// ReadAvailable returns the bytes that can be read without blocking. It
// returns an empty slice when nothing is pending.
func (r *Reader) ReadAvailable() ([]byte, error) {
	if r.fd < 0 {
		return nil, ErrClosed
	}
	n, err := unix.Read(r.fd, r.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrConnectionLost, r.path, err)
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	return out, nil
}

// Close releases the descriptor. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

// Writer is the blocking write end of a named pipe.
type Writer struct {
	path string
	fd   int
}

// OpenWriter creates the FIFO if needed and opens it for writing. It fails
// with ErrNoReader instead of blocking when no reader is attached.
func OpenWriter(path string) (*Writer, error) {
	if err := EnsureFIFO(path); err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("%w: %s", ErrNoReader, path)
		}
		return nil, fmt.Errorf("ipc: open writer %s: %w", path, err)
	}
	// Writes block until the bytes are in the pipe.
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ipc: set blocking %s: %w", path, err)
	}
	return &Writer{path: path, fd: fd}, nil
}

// Path returns the pipe path.
func (w *Writer) Path() string { return w.path }

// WriteAndFlush writes b in full. A vanished reader yields ErrConnectionLost.
func (w *Writer) WriteAndFlush(b []byte) error {
	if w.fd < 0 {
		return ErrClosed
	}
	for len(b) > 0 {
		n, err := unix.Write(w.fd, b)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("%w: write %s: %v", ErrConnectionLost, w.path, err)
		}
		b = b[n:]
	}
	return nil
}

// Close releases the descriptor. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.fd < 0 {
		return nil
	}
	err := unix.Close(w.fd)
	w.fd = -1
	return err
}
