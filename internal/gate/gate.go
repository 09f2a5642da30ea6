// Package gate decides whether a diagnosis becomes spoken feedback.
package gate

import (
	"time"

	"poseidon-go/internal/types"
)

const DefaultDebounceWindow = 2 * time.Second

type Action int

const (
	Suppress Action = iota
	Speak
)

type Reason int

const (
	ReasonNone Reason = iota
	ReasonGoodForm
	ReasonDebounced
)

func (r Reason) String() string {
	switch r {
	case ReasonGoodForm:
		return "good_form"
	case ReasonDebounced:
		return "debounced"
	default:
		return "none"
	}
}

type Decision struct {
	Action Action
	Text   string
	Reason Reason
}

// State is the debounce memory carried between decisions. The zero value has spoken
// nothing.
type State struct {
	LastSpokenCorrection string
	LastSpokenAt         time.Time
}

// Record notes that text was handed to the voice collaborator at t. Call it only after
// the dispatch happened.
func (s *State) Record(text string, t time.Time) {
	s.LastSpokenCorrection = text
	s.LastSpokenAt = t
}

// Decide applies, in order: good form is never spoken; the same correction inside the
// debounce window is suppressed; anything else is spoken. It has no side effects.
func Decide(d types.Diagnosis, st State, now time.Time, window time.Duration) Decision {
	if d.Status == types.StatusGood {
		return Decision{Action: Suppress, Reason: ReasonGoodForm}
	}
	if !st.LastSpokenAt.IsZero() &&
		d.Correction == st.LastSpokenCorrection &&
		now.Sub(st.LastSpokenAt) < window {
		return Decision{Action: Suppress, Reason: ReasonDebounced}
	}
	return Decision{Action: Speak, Text: d.Correction}
}
