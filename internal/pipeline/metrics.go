package pipeline

import "sync/atomic"

type metrics struct {
	framesAdmitted     atomic.Uint64
	framesRejected     atomic.Uint64
	cycles             atomic.Uint64
	spoken             atomic.Uint64
	suppressedGood     atomic.Uint64
	suppressedDebounce atomic.Uint64
	inferenceTimeouts  atomic.Uint64
	inferenceErrors    atomic.Uint64
	parseErrors        atomic.Uint64
	cancelled          atomic.Uint64
	voiceErrors        atomic.Uint64
	resultsDropped     atomic.Uint64
	inferenceCount     atomic.Uint64
	inferenceNanos     atomic.Uint64
	cycleNanos         atomic.Uint64
	lastLatencyNanos   atomic.Int64
}

func (m *metrics) snapshot() map[string]any {
	return map[string]any{
		"frames_admitted_total":     m.framesAdmitted.Load(),
		"frames_rejected_total":     m.framesRejected.Load(),
		"cycles_total":              m.cycles.Load(),
		"spoken_total":              m.spoken.Load(),
		"suppressed_good_total":     m.suppressedGood.Load(),
		"suppressed_debounce_total": m.suppressedDebounce.Load(),
		"inference_timeouts_total":  m.inferenceTimeouts.Load(),
		"inference_errors_total":    m.inferenceErrors.Load(),
		"parse_errors_total":        m.parseErrors.Load(),
		"cancelled_total":           m.cancelled.Load(),
		"voice_errors_total":        m.voiceErrors.Load(),
		"results_dropped_total":     m.resultsDropped.Load(),
		"inference_total":           m.inferenceCount.Load(),
		"inference_nanos_total":     m.inferenceNanos.Load(),
		"cycle_nanos_total":         m.cycleNanos.Load(),
		"last_feedback_latency_ns":  m.lastLatencyNanos.Load(),
	}
}

func (m *metrics) countOutcome(o Outcome) {
	switch o {
	case OutcomeSpoken:
		m.spoken.Add(1)
	case OutcomeSuppressedGood:
		m.suppressedGood.Add(1)
	case OutcomeSuppressedDebounce:
		m.suppressedDebounce.Add(1)
	case OutcomeInferenceTimeout:
		m.inferenceTimeouts.Add(1)
	case OutcomeInferenceError:
		m.inferenceErrors.Add(1)
	case OutcomeParseError:
		m.parseErrors.Add(1)
	case OutcomeCancelled:
		m.cancelled.Add(1)
	}
}
