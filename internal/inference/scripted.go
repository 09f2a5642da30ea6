package inference

import (
	"context"
	"sync"
	"time"
)

// Scripted cycles through canned responses after a fixed latency. It stands in for the
// on-device engine in simulation runs and demos.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	latency   time.Duration
	next      int
	calls     int
}

func NewScripted(latency time.Duration, responses ...string) *Scripted {
	return &Scripted{
		responses: append([]string(nil), responses...),
		latency:   latency,
	}
}

func (s *Scripted) Generate(ctx context.Context, req Request) (string, error) {
	if req.User == "" {
		return "", ErrEmptyRequest
	}

	s.mu.Lock()
	s.calls++
	var response string
	if len(s.responses) > 0 {
		response = s.responses[s.next%len(s.responses)]
		s.next++
	}
	s.mu.Unlock()

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	return response, nil
}

// Calls reports how many requests have been received.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
