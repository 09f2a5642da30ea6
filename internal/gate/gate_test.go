package gate

import (
	"testing"
	"time"

	"poseidon-go/internal/types"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestDecideGoodFormAlwaysSuppressed(t *testing.T) {
	states := []State{
		{},
		{LastSpokenCorrection: "Knees out!", LastSpokenAt: t0},
		{LastSpokenCorrection: "Go deeper", LastSpokenAt: t0.Add(-time.Hour)},
	}
	for _, correction := range []string{"", "Knees out!", "anything"} {
		for _, st := range states {
			got := Decide(types.Diagnosis{Status: types.StatusGood, Correction: correction}, st, t0, DefaultDebounceWindow)
			if got.Action != Suppress || got.Reason != ReasonGoodForm {
				t.Fatalf("good form with correction %q and state %+v gave %+v", correction, st, got)
			}
		}
	}
}

func TestDecideDebounce(t *testing.T) {
	d := types.Diagnosis{Status: types.StatusError, Correction: "Knees out!"}
	var st State

	first := Decide(d, st, t0, DefaultDebounceWindow)
	if first.Action != Speak || first.Text != "Knees out!" {
		t.Fatalf("first decision: %+v", first)
	}
	st.Record(first.Text, t0)

	second := Decide(d, st, t0.Add(1500*time.Millisecond), DefaultDebounceWindow)
	if second.Action != Suppress || second.Reason != ReasonDebounced {
		t.Fatalf("second decision inside window: %+v", second)
	}
}

func TestDecideSpeaks(t *testing.T) {
	knees := types.Diagnosis{Status: types.StatusError, Correction: "Knees out!"}
	st := State{LastSpokenCorrection: "Knees out!", LastSpokenAt: t0}

	tests := []struct {
		name string
		d    types.Diagnosis
		now  time.Time
	}{
		{name: "window elapsed exactly", d: knees, now: t0.Add(DefaultDebounceWindow)},
		{name: "window long elapsed", d: knees, now: t0.Add(10 * time.Second)},
		{name: "different correction inside window", d: types.Diagnosis{Status: types.StatusError, Correction: "Chest up"}, now: t0.Add(100 * time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.d, st, tt.now, DefaultDebounceWindow)
			if got.Action != Speak || got.Text != tt.d.Correction {
				t.Fatalf("expected Speak(%q), got %+v", tt.d.Correction, got)
			}
		})
	}
}

func TestDecideDoesNotMutateState(t *testing.T) {
	st := State{}
	_ = Decide(types.Diagnosis{Status: types.StatusError, Correction: "Knees out!"}, st, t0, DefaultDebounceWindow)
	if st != (State{}) {
		t.Fatalf("Decide mutated state: %+v", st)
	}
}
