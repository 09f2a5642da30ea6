// Package inference holds the engine collaborators that turn a prompt into raw model text.
//
// The pipeline treats every engine as a black-box classifier: it sends the rule text and
// the feature values, and validates the shape of whatever comes back.
package inference

import (
	"context"
	"errors"
)

// Request is one structured-output inference call.
type Request struct {
	Model    string `msgpack:"model" json:"model"`
	System   string `msgpack:"system" json:"system"`
	User     string `msgpack:"user" json:"user"`
	JSONMode bool   `msgpack:"json_mode" json:"json_mode"`
}

// Engine generates raw text for a request. Implementations must return promptly once
// ctx is done.
type Engine interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Closer is implemented by engines that hold process-level resources.
type Closer interface {
	Close() error
}

var (
	ErrEngineClosed = errors.New("inference engine closed")
	ErrEmptyRequest = errors.New("inference request has no user content")
)

// Close releases engine resources when the engine holds any.
func Close(engine Engine) error {
	if c, ok := engine.(Closer); ok {
		return c.Close()
	}
	return nil
}
