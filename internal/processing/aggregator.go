package processing

import (
	"sync"
	"time"
)

// SessionSummary is a point-in-time copy of the aggregated cycle outcomes.
type SessionSummary struct {
	StartedAt   time.Time         `json:"started_at"`
	Cycles      uint64            `json:"cycles"`
	Spoken      uint64            `json:"spoken"`
	Good        uint64            `json:"good"`
	Errors      uint64            `json:"errors"`
	Outcomes    map[string]uint64 `json:"outcomes"`
	Corrections map[string]uint64 `json:"corrections"`
}

// SessionAggregator tallies finished pipeline cycles for one session.
type SessionAggregator struct {
	mu          sync.Mutex
	startedAt   time.Time
	cycles      uint64
	spoken      uint64
	good        uint64
	errors      uint64
	outcomes    map[string]uint64
	corrections map[string]uint64
}

func NewSessionAggregator(startedAt time.Time) *SessionAggregator {
	return &SessionAggregator{
		startedAt:   startedAt,
		outcomes:    make(map[string]uint64),
		corrections: make(map[string]uint64),
	}
}

// Add records one finished cycle. diagnosed is false when the cycle failed before a
// diagnosis was parsed; correction is empty for good form.
func (a *SessionAggregator) Add(outcome string, diagnosed bool, isError bool, correction string, spoken bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cycles++
	a.outcomes[outcome]++
	if diagnosed {
		if isError {
			a.errors++
			if correction != "" {
				a.corrections[correction]++
			}
		} else {
			a.good++
		}
	}
	if spoken {
		a.spoken++
	}
}

func (a *SessionAggregator) Snapshot() SessionSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	outcomes := make(map[string]uint64, len(a.outcomes))
	for k, v := range a.outcomes {
		outcomes[k] = v
	}
	corrections := make(map[string]uint64, len(a.corrections))
	for k, v := range a.corrections {
		corrections[k] = v
	}
	return SessionSummary{
		StartedAt:   a.startedAt,
		Cycles:      a.cycles,
		Spoken:      a.spoken,
		Good:        a.good,
		Errors:      a.errors,
		Outcomes:    outcomes,
		Corrections: corrections,
	}
}

// TopCorrection returns the most frequent correction, ties broken alphabetically.
func (s SessionSummary) TopCorrection() (string, uint64) {
	var best string
	var count uint64
	for correction, n := range s.Corrections {
		if n > count || (n == count && correction < best) {
			best = correction
			count = n
		}
	}
	return best, count
}
