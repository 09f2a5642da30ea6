package diagnosis

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed     = errors.New("malformed diagnosis")
	ErrMissingField  = errors.New("diagnosis missing field")
	ErrUnknownStatus = errors.New("unknown diagnosis status")
)

// ParseError reports why engine output is not a Diagnosis. Kind is one of the
// sentinel errors above and is what errors.Is matches against.
type ParseError struct {
	Kind  error
	Field string
	Msg   string
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Field != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind.Error(), e.Field, e.Msg)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Field)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
	default:
		return e.Kind.Error()
	}
}

func (e *ParseError) Unwrap() error { return e.Kind }

// KindName is a stable label for metrics and logs.
func (e *ParseError) KindName() string {
	switch e.Kind {
	case ErrMissingField:
		return "missing_field"
	case ErrUnknownStatus:
		return "unknown_status"
	default:
		return "malformed"
	}
}

func malformedf(format string, args ...any) error {
	return &ParseError{Kind: ErrMalformed, Msg: fmt.Sprintf(format, args...)}
}

func missing(field string) error {
	return &ParseError{Kind: ErrMissingField, Field: field}
}
