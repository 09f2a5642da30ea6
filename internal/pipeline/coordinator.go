// Package pipeline runs the single-in-flight analysis cycle: extract features, ask the
// inference engine for a diagnosis, validate it and gate it into spoken feedback.
//
// At most one cycle is alive at any time. Frames that arrive while a cycle is in flight
// are dropped, never queued, so feedback is always about a recent pose.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"poseidon-go/internal/diagnosis"
	"poseidon-go/internal/gate"
	"poseidon-go/internal/inference"
	"poseidon-go/internal/processing"
	"poseidon-go/internal/prompt"
	"poseidon-go/internal/types"
	"poseidon-go/internal/voice"
)

const DefaultInferenceTimeout = 60 * time.Millisecond

type MachineState int32

const (
	StateIdle MachineState = iota
	StateExtracting
	StateInferring
	StateParsing
	StateGating
	StateFailed
)

func (s MachineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExtracting:
		return "extracting"
	case StateInferring:
		return "inferring"
	case StateParsing:
		return "parsing"
	case StateGating:
		return "gating"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome names how a cycle ended.
type Outcome string

const (
	OutcomeSpoken             Outcome = "spoken"
	OutcomeSuppressedGood     Outcome = "suppressed_good"
	OutcomeSuppressedDebounce Outcome = "suppressed_debounce"
	OutcomeInferenceTimeout   Outcome = "inference_timeout"
	OutcomeInferenceError     Outcome = "inference_error"
	OutcomeParseError         Outcome = "parse_error"
	OutcomeCancelled          Outcome = "cancelled"
)

// CycleResult describes one finished cycle. Diagnosis is nil when the cycle failed
// before a diagnosis was parsed; Event is nil unless the correction was spoken.
type CycleResult struct {
	Seq               uint64
	Outcome           Outcome
	Features          types.FeatureSet
	Diagnosis         *types.Diagnosis
	Event             *types.FeedbackEvent
	Err               error
	StartedAt         time.Time
	InferenceDuration time.Duration
	CycleDuration     time.Duration
}

type Config struct {
	Engine  inference.Engine
	Speaker voice.Speaker
	Builder prompt.Builder

	InferenceTimeout time.Duration
	DebounceWindow   time.Duration
	SessionID        string

	// Results receives every finished cycle when set. Sends never block; a full channel
	// drops the result.
	Results chan<- CycleResult
	Now     func() time.Time
	Logger  *slog.Logger
}

type Coordinator struct {
	engine   inference.Engine
	speaker  voice.Speaker
	builder  prompt.Builder
	timeout  time.Duration
	debounce time.Duration
	session  string
	results  chan<- CycleResult
	now      func() time.Time
	logger   *slog.Logger

	busy  atomic.Bool
	state atomic.Int32

	gateMu sync.Mutex
	gate   gate.State

	runMu   sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	cycles  sync.WaitGroup
	voices  sync.WaitGroup

	metrics metrics
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("pipeline: inference engine is required")
	}
	if cfg.Speaker == nil {
		return nil, errors.New("pipeline: speaker is required")
	}
	if cfg.InferenceTimeout < 0 {
		return nil, fmt.Errorf("pipeline: negative inference timeout %s", cfg.InferenceTimeout)
	}
	if cfg.InferenceTimeout == 0 {
		cfg.InferenceTimeout = DefaultInferenceTimeout
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = gate.DefaultDebounceWindow
	}
	if cfg.Builder.Model == "" {
		cfg.Builder = prompt.NewBuilder("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		engine:   cfg.Engine,
		speaker:  cfg.Speaker,
		builder:  cfg.Builder,
		timeout:  cfg.InferenceTimeout,
		debounce: cfg.DebounceWindow,
		session:  cfg.SessionID,
		results:  cfg.Results,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// Start arms the coordinator. Cycles and voice dispatches run under a context derived
// from ctx, so cancelling ctx has the same effect on in-flight work as Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.logger.Info("pipeline: started", "session", c.session, "timeout", c.timeout, "debounce", c.debounce)
	return nil
}

// Stop cancels any in-flight inference and playback, waits for the workers to exit and
// leaves the machine idle. It is safe to call more than once.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.runMu.Unlock()

	c.cycles.Wait()
	c.voices.Wait()
	c.state.Store(int32(StateIdle))
	c.busy.Store(false)
	c.logger.Info("pipeline: stopped", "session", c.session)
}

// OnFrame offers a frame for analysis. It never blocks: if a cycle is in flight the frame
// is dropped and the returned error wraps ErrAdmissionRejected.
func (c *Coordinator) OnFrame(frame types.PoseFrame) error {
	c.runMu.RLock()
	defer c.runMu.RUnlock()
	if !c.running {
		return ErrNotRunning
	}
	if !c.busy.CompareAndSwap(false, true) {
		c.metrics.framesRejected.Add(1)
		return fmt.Errorf("frame %d: %w", frame.Seq, ErrAdmissionRejected)
	}
	c.metrics.framesAdmitted.Add(1)
	c.cycles.Add(1)
	go c.runCycle(c.ctx, frame)
	return nil
}

// State reports the current machine state.
func (c *Coordinator) State() MachineState {
	return MachineState(c.state.Load())
}

// Busy reports whether a cycle is in flight.
func (c *Coordinator) Busy() bool {
	return c.busy.Load()
}

// GateState returns a copy of the debounce memory.
func (c *Coordinator) GateState() gate.State {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	return c.gate
}

func (c *Coordinator) Snapshot() map[string]any {
	snap := c.metrics.snapshot()
	snap["state"] = c.State().String()
	snap["busy"] = c.Busy()
	return snap
}

func (c *Coordinator) setState(s MachineState) {
	c.state.Store(int32(s))
}

func (c *Coordinator) runCycle(ctx context.Context, frame types.PoseFrame) {
	defer c.cycles.Done()

	started := c.now()
	res := CycleResult{Seq: frame.Seq, StartedAt: started}
	defer func() {
		if res.Err != nil {
			c.setState(StateFailed)
		}
		res.CycleDuration = c.now().Sub(started)
		c.metrics.cycles.Add(1)
		c.metrics.cycleNanos.Add(uint64(max(res.CycleDuration, 0)))
		c.metrics.countOutcome(res.Outcome)
		c.setState(StateIdle)
		c.busy.Store(false)
		c.publish(res)
	}()

	c.setState(StateExtracting)
	res.Features = processing.ExtractFeatures(frame)
	req := c.builder.Build(res.Features)

	c.setState(StateInferring)
	inferStart := c.now()
	raw, err := c.infer(ctx, req)
	res.InferenceDuration = c.now().Sub(inferStart)
	c.metrics.inferenceCount.Add(1)
	c.metrics.inferenceNanos.Add(uint64(max(res.InferenceDuration, 0)))
	if err != nil {
		res.Err = err
		switch {
		case errors.Is(err, ErrInferenceTimeout):
			res.Outcome = OutcomeInferenceTimeout
		case errors.Is(err, context.Canceled):
			res.Outcome = OutcomeCancelled
		default:
			res.Outcome = OutcomeInferenceError
		}
		c.logger.Debug("pipeline: inference failed", "seq", frame.Seq, "outcome", res.Outcome, "err", err)
		return
	}

	c.setState(StateParsing)
	d, err := diagnosis.Parse(raw)
	if err != nil {
		res.Err = err
		res.Outcome = OutcomeParseError
		c.logger.Debug("pipeline: parse failed", "seq", frame.Seq, "err", err)
		return
	}
	res.Diagnosis = &d

	c.setState(StateGating)
	now := c.now()
	decision := gate.Decide(d, c.GateState(), now, c.debounce)
	if decision.Action == gate.Suppress {
		if decision.Reason == gate.ReasonDebounced {
			res.Outcome = OutcomeSuppressedDebounce
		} else {
			res.Outcome = OutcomeSuppressedGood
		}
		return
	}

	latency := now.Sub(started)
	if !frame.CapturedAt.IsZero() {
		latency = now.Sub(frame.CapturedAt)
	}
	event := types.FeedbackEvent{
		ID:         uuid.NewString(),
		SessionID:  c.session,
		FrameSeq:   frame.Seq,
		Correction: decision.Text,
		EmittedAt:  now,
		Latency:    latency,
	}
	c.dispatch(ctx, decision.Text)
	c.gateMu.Lock()
	c.gate.Record(decision.Text, now)
	c.gateMu.Unlock()

	c.metrics.lastLatencyNanos.Store(int64(latency))
	res.Event = &event
	res.Outcome = OutcomeSpoken
	c.logger.Info("pipeline: feedback", "seq", frame.Seq, "correction", decision.Text, "latency", latency)
}

type generation struct {
	text string
	err  error
}

// infer bounds one engine call by the inference timeout. The call runs on its own
// goroutine so an engine that ignores cancellation cannot hold the cycle; its late
// result lands in a buffered channel nobody reads.
func (c *Coordinator) infer(ctx context.Context, req inference.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan generation, 1)
	go func() {
		text, err := c.engine.Generate(ctx, req)
		done <- generation{text: text, err: err}
	}()

	select {
	case g := <-done:
		if g.err == nil {
			return g.text, nil
		}
		if ctx.Err() != nil {
			return "", c.contextErr(ctx)
		}
		return "", &InferenceError{Err: g.err}
	case <-ctx.Done():
		return "", c.contextErr(ctx)
	}
}

func (c *Coordinator) contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("after %s: %w", c.timeout, ErrInferenceTimeout)
	}
	return ctx.Err()
}

// dispatch hands text to the speaker without waiting for playback.
func (c *Coordinator) dispatch(ctx context.Context, text string) {
	c.voices.Add(1)
	go func() {
		defer c.voices.Done()
		err := c.speaker.Speak(ctx, text)
		if err == nil {
			return
		}
		if errors.Is(err, voice.ErrInterrupted) || errors.Is(err, context.Canceled) {
			c.logger.Debug("pipeline: speech interrupted", "text", text)
			return
		}
		c.metrics.voiceErrors.Add(1)
		c.logger.Warn("pipeline: voice dispatch failed", "err", err)
	}()
}

func (c *Coordinator) publish(res CycleResult) {
	if c.results == nil {
		return
	}
	select {
	case c.results <- res:
	default:
		c.metrics.resultsDropped.Add(1)
	}
}
