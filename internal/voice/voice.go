// Package voice holds the speech collaborators. Implementations serialize playback so
// overlapping utterances never garble audio.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Speaker speaks one utterance. Speak may block until playback ends; callers that
// must not wait run it on their own goroutine.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

var (
	ErrInterrupted = errors.New("utterance interrupted")
	ErrClosed      = errors.New("speaker closed")
)

// DispatchError wraps any failure to speak. It is never fatal to the pipeline.
type DispatchError struct {
	Text string
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("voice dispatch %q: %v", e.Text, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Log is a dry-run speaker that only logs utterances.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return &DispatchError{Text: text, Err: err}
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("voice: speak", "text", text)
	return nil
}
