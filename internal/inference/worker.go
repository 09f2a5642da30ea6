package inference

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const maxWorkerMessage = 16 << 20

// WorkerError is an error reported by the worker process itself. The process stays
// usable after one.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return "inference worker: " + e.Message
}

type workerResponse struct {
	Text  string `msgpack:"text"`
	Error string `msgpack:"error"`
}

type workerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *syncBuffer
}

// syncBuffer collects worker stderr; exec writes to it from its own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 64<<10 {
		b.buf.Reset()
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// WorkerEngine drives a long-lived local inference process over stdin/stdout.
//
// Protocol: each message is a 4-byte big-endian length followed by a msgpack body.
// Requests carry {model, system, user, json_mode}; responses carry {text, error}.
// A cancelled exchange leaves the stream mid-message, so the process is killed and a
// fresh one is started on the next call.
type WorkerEngine struct {
	start  func() (*workerProcess, error)
	logger *slog.Logger

	mu     sync.Mutex
	proc   *workerProcess
	closed bool
	starts int
}

// NewWorkerEngine prepares a worker for command. The process is started lazily on the
// first Generate. A nil logger falls back to slog.Default().
func NewWorkerEngine(command []string, logger *slog.Logger) (*WorkerEngine, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, fmt.Errorf("inference worker: empty command")
	}
	if logger == nil {
		logger = slog.Default()
	}
	argv := append([]string(nil), command...)
	return &WorkerEngine{
		start:  func() (*workerProcess, error) { return startWorkerProcess(argv) },
		logger: logger,
	}, nil
}

func startWorkerProcess(argv []string) (*workerProcess, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("inference worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("inference worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("inference worker %q failed to start: %w", argv[0], err)
	}
	return &workerProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (w *WorkerEngine) Generate(ctx context.Context, req Request) (string, error) {
	if req.User == "" {
		return "", ErrEmptyRequest
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if w.proc == nil {
		proc, err := w.start()
		if err != nil {
			return "", err
		}
		w.proc = proc
		w.starts++
		w.log().Info("inference: worker started", "pid", proc.pid(), "starts", w.starts)
	}
	proc := w.proc

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := proc.exchange(req)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		var workerErr *WorkerError
		if r.err != nil && !errors.As(r.err, &workerErr) {
			w.discardLocked()
		}
		return r.text, r.err
	case <-ctx.Done():
		w.discardLocked()
		return "", ctx.Err()
	}
}

// Starts reports how many worker processes have been launched.
func (w *WorkerEngine) Starts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts
}

// Close stops the worker process. Subsequent calls fail with ErrEngineClosed.
func (w *WorkerEngine) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.discardLocked()
	return nil
}

func (w *WorkerEngine) log() *slog.Logger {
	if w.logger == nil {
		return slog.Default()
	}
	return w.logger
}

func (w *WorkerEngine) discardLocked() {
	if w.proc == nil {
		return
	}
	logger := w.log()
	proc := w.proc
	w.proc = nil
	_ = proc.stdin.Close()
	_ = proc.stdout.Close()
	if proc.cmd != nil && proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
		go func() {
			_ = proc.cmd.Wait()
			if tail := proc.stderrTail(); tail != "" {
				logger.Debug("inference: worker exited", "pid", proc.pid(), "stderr", tail)
			}
		}()
	}
}

func (p *workerProcess) pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *workerProcess) exchange(req Request) (string, error) {
	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return "", fmt.Errorf("encode worker request: %w", err)
	}
	if err := writeFrame(p.stdin, payload); err != nil {
		return "", p.wrap("write request", err)
	}
	body, err := readFrame(p.stdout)
	if err != nil {
		return "", p.wrap("read response", err)
	}

	var resp workerResponse
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode worker response: %w", err)
	}
	if resp.Error != "" {
		return "", &WorkerError{Message: resp.Error}
	}
	return resp.Text, nil
}

func (p *workerProcess) wrap(op string, err error) error {
	if tail := p.stderrTail(); tail != "" {
		return fmt.Errorf("inference worker %s: %w (stderr: %s)", op, err, tail)
	}
	return fmt.Errorf("inference worker %s: %w", op, err)
}

func (p *workerProcess) stderrTail() string {
	if p.stderr == nil {
		return ""
	}
	s := strings.TrimSpace(p.stderr.String())
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxWorkerMessage {
		return nil, fmt.Errorf("worker message of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
