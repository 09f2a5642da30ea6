package voice

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// DefaultCommand speaks through espeak-ng at a brisk coaching rate.
var DefaultCommand = []string{"espeak-ng", "-s", "175"}

// Command speaks by running an external TTS program with the text as its last
// argument. A new utterance interrupts the one playing; playback itself is serialized.
type Command struct {
	argv []string
	run  func(ctx context.Context, argv []string) error

	playMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
	closed bool
}

func NewCommand(argv []string) (*Command, error) {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	if argv[0] == "" {
		return nil, fmt.Errorf("voice command: empty program")
	}
	return &Command{
		argv: append([]string(nil), argv...),
		run:  runCommand,
	}, nil
}

func (c *Command) Speak(ctx context.Context, text string) error {
	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &DispatchError{Text: text, Err: ErrClosed}
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.gen == gen {
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	c.playMu.Lock()
	defer c.playMu.Unlock()

	if playCtx.Err() != nil {
		return &DispatchError{Text: text, Err: ErrInterrupted}
	}

	argv := append(append([]string(nil), c.argv...), text)
	if err := c.run(playCtx, argv); err != nil {
		if playCtx.Err() != nil {
			return &DispatchError{Text: text, Err: ErrInterrupted}
		}
		return &DispatchError{Text: text, Err: err}
	}
	return nil
}

// Close interrupts current playback and rejects further utterances.
func (c *Command) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

func runCommand(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w (%s)", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}
