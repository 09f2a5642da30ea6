package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"poseidon-go/internal/config"
	"poseidon-go/internal/emitter"
	"poseidon-go/internal/inference"
	"poseidon-go/internal/ingest"
	"poseidon-go/internal/output"
	"poseidon-go/internal/pipeline"
	"poseidon-go/internal/processing"
	"poseidon-go/internal/prompt"
	"poseidon-go/internal/server"
	"poseidon-go/internal/store"
	"poseidon-go/internal/types"
	"poseidon-go/internal/voice"
)

const (
	recentEvents = 20
	sinkTimeout  = 2 * time.Second
)

type sessionOptions struct {
	serve  bool
	useDB  bool
	record bool
}

// session owns one coaching run: the pipeline, its collaborators and every sink.
type session struct {
	cfg       config.AppConfig
	id        string
	startedAt time.Time
	logger    *slog.Logger

	engine  inference.Engine
	speaker voice.Speaker
	coord   *pipeline.Coordinator
	results chan pipeline.CycleResult
	agg     *processing.SessionAggregator

	ui     chan any
	srv    *server.Server
	mqtt   *emitter.MQTTEmitter
	db     *store.Store
	rawlog *output.RawLogWriter

	engineStatus atomic.Value

	mu     sync.Mutex
	events []types.FeedbackEvent

	cancel    context.CancelFunc
	consumers sync.WaitGroup
	workers   sync.WaitGroup
}

func newSession(ctx context.Context, cfg config.AppConfig, opts sessionOptions, logger *slog.Logger) (*session, error) {
	s := &session{
		cfg:       cfg,
		id:        cfg.SessionID,
		startedAt: time.Now(),
		logger:    logger,
		results:   make(chan pipeline.CycleResult, 64),
		ui:        make(chan any, 64),
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.logger = logger.With("session", s.id)
	s.agg = processing.NewSessionAggregator(s.startedAt)
	s.engineStatus.Store("unknown")

	var err error
	if s.engine, err = buildEngine(cfg, s.logger); err != nil {
		return nil, err
	}
	if s.speaker, err = buildSpeaker(cfg, s.logger); err != nil {
		_ = inference.Close(s.engine)
		return nil, err
	}

	s.coord, err = pipeline.New(pipeline.Config{
		Engine:           s.engine,
		Speaker:          s.speaker,
		Builder:          prompt.NewBuilder(cfg.Inference.Model),
		InferenceTimeout: cfg.Inference.Timeout,
		DebounceWindow:   cfg.Gate.DebounceWindow,
		SessionID:        s.id,
		Results:          s.results,
		Logger:           s.logger,
	})
	if err != nil {
		s.closeCollaborators()
		return nil, err
	}

	if opts.useDB {
		if s.db, err = openStore(ctx); err != nil {
			s.closeCollaborators()
			return nil, err
		}
		err = s.db.StartSession(ctx, store.Session{
			ID:        s.id,
			StartedAt: s.startedAt,
			Model:     cfg.Inference.Model,
			Engine:    cfg.Inference.Kind,
			Source:    cfg.Source.Kind,
		})
		if err != nil {
			s.db.Close()
			s.closeCollaborators()
			return nil, fmt.Errorf("start session: %w", err)
		}
	}

	if opts.record {
		if s.rawlog, err = output.NewRawLogWriter(cfg.OutputDir, "poses"); err != nil {
			s.closeSinks(processing.SessionSummary{})
			s.closeCollaborators()
			return nil, fmt.Errorf("open rawlog: %w", err)
		}
		s.logger.Info("session: recording raw frames", "path", s.rawlog.Path())
	}

	if cfg.MQTT.Broker != "" {
		s.mqtt = emitter.NewMQTTEmitter(cfg.MQTT, s.id, s.logger)
		if err := s.mqtt.Connect(ctx); err != nil {
			s.logger.Warn("session: mqtt unavailable, continuing", "err", err)
		}
	}

	if opts.serve {
		s.srv = server.New(server.Options{
			Config:     cfg,
			SessionID:  s.id,
			StatusFn:   s.status,
			SnapshotFn: s.snapshot,
			Logger:     s.logger,
		})
	}
	return s, nil
}

func buildEngine(cfg config.AppConfig, logger *slog.Logger) (inference.Engine, error) {
	switch cfg.Inference.Kind {
	case config.EngineScripted:
		return inference.NewScripted(cfg.Inference.Latency, cfg.Inference.Responses...), nil
	case config.EngineHTTP:
		return inference.NewHTTPEngine(inference.HTTPConfig{
			BaseURL: cfg.Inference.BaseURL,
			APIKey:  cfg.APIKey(os.Getenv),
			Timeout: cfg.LatencyBudget,
		})
	case config.EngineWorker:
		return inference.NewWorkerEngine(cfg.Inference.Command, logger)
	default:
		return nil, fmt.Errorf("unknown inference engine %q", cfg.Inference.Kind)
	}
}

func buildSpeaker(cfg config.AppConfig, logger *slog.Logger) (voice.Speaker, error) {
	switch cfg.Voice.Kind {
	case config.VoiceLog:
		return voice.Log{Logger: logger}, nil
	case config.VoiceCommand:
		return voice.NewCommand(cfg.Voice.Command)
	default:
		return nil, fmt.Errorf("unknown voice %q", cfg.Voice.Kind)
	}
}

// recorder returns the rawlog as an ingest.Recorder, or nil when not recording.
func (s *session) recorder() ingest.Recorder {
	if s.rawlog == nil {
		return nil
	}
	return s.rawlog
}

func (s *session) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.coord.Start(runCtx); err != nil {
		cancel()
		return err
	}

	s.consumers.Add(1)
	go func() {
		defer s.consumers.Done()
		s.consumeResults()
	}()

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.statusLoop(runCtx)
	}()

	if s.srv != nil {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if err := s.srv.Run(runCtx, s.ui); err != nil {
				s.logger.Error("session: server stopped", "err", err)
			}
		}()
	}

	if s.cfg.Inference.Kind == config.EngineHTTP {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			inference.PollHealth(runCtx, s.cfg.Inference.BaseURL, s.cfg.Inference.HealthInterval, func(state string) {
				if prev, _ := s.engineStatus.Swap(state).(string); prev != state {
					s.logger.Info("session: engine status", "status", state)
				}
			})
		}()
	}

	s.logger.Info("session: started",
		"source", s.cfg.Source.Kind,
		"engine", s.cfg.Inference.Kind,
		"model", s.cfg.Inference.Model,
		"voice", s.cfg.Voice.Kind,
	)
	return nil
}

// feed offers frames to the pipeline until frames closes or ctx is done.
func (s *session) feed(ctx context.Context, frames <-chan types.PoseFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			s.offer(frame)
		}
	}
}

func (s *session) offer(frame types.PoseFrame) {
	err := s.coord.OnFrame(frame)
	if err != nil && !errors.Is(err, pipeline.ErrAdmissionRejected) {
		s.logger.Warn("session: frame not admitted", "seq", frame.Seq, "err", err)
	}
}

// waitIdle blocks until no cycle is in flight or timeout passes.
func (s *session) waitIdle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.coord.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *session) consumeResults() {
	for res := range s.results {
		diagnosed := res.Diagnosis != nil
		isError := diagnosed && res.Diagnosis.Status == types.StatusError
		correction := ""
		if isError {
			correction = res.Diagnosis.Correction
		}
		s.agg.Add(string(res.Outcome), diagnosed, isError, correction, res.Event != nil)

		if res.Event == nil {
			continue
		}
		ev := *res.Event
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()

		s.sendUI(server.FeedbackMessage(ev))
		if s.mqtt != nil {
			if err := s.mqtt.PublishFeedback(ev); err != nil {
				s.logger.Debug("session: mqtt publish failed", "err", err)
			}
		}
		if s.db != nil {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := s.db.InsertFeedback(ctx, ev); err != nil {
				s.logger.Warn("session: store feedback failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) sendUI(msg any) {
	if s.srv == nil {
		return
	}
	select {
	case s.ui <- msg:
	default:
	}
}

func (s *session) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.status()
			s.sendUI(server.StatusMessage(status))
			metrics := status["metrics"].(map[string]any)
			s.logger.Debug("session: stats",
				"state", metrics["state"],
				"admitted", metrics["frames_admitted_total"],
				"rejected", metrics["frames_rejected_total"],
				"spoken", metrics["spoken_total"],
				"timeouts", metrics["inference_timeouts_total"],
				"decode_failures", metrics["ingest_decode_failures_total"],
			)
		}
	}
}

func (s *session) status() map[string]any {
	metrics := s.coord.Snapshot()
	metrics["ingest_decode_failures_total"] = ingest.DecodeFailures()
	metrics["ingest_no_pose_total"] = ingest.NoPoseFrames()
	metrics["ingest_dropped_total"] = ingest.DroppedFrames()
	decodeCount, decodeNanos := ingest.DecodeTiming()
	metrics["ingest_decode_total"] = decodeCount
	metrics["ingest_decode_nanos_total"] = decodeNanos

	status := map[string]any{
		"session_id":    s.id,
		"started_at":    s.startedAt,
		"uptime_s":      time.Since(s.startedAt).Seconds(),
		"engine_status": s.engineStatus.Load(),
		"metrics":       metrics,
		"summary":       s.agg.Snapshot(),
	}
	if s.mqtt != nil {
		status["mqtt"] = s.mqtt.Stats()
	}
	return status
}

func (s *session) snapshot() any {
	s.mu.Lock()
	start := max(len(s.events)-recentEvents, 0)
	recent := append([]types.FeedbackEvent(nil), s.events[start:]...)
	s.mu.Unlock()
	return map[string]any{
		"summary": s.agg.Snapshot(),
		"recent":  recent,
	}
}

// close tears down in dependency order: pipeline, voice, engine, then the sinks.
func (s *session) close() {
	s.coord.Stop()
	s.closeCollaborators()

	close(s.results)
	s.consumers.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	s.workers.Wait()

	summary := s.agg.Snapshot()
	s.closeSinks(summary)

	if s.cfg.OutputDir != "" {
		s.mu.Lock()
		events := append([]types.FeedbackEvent(nil), s.events...)
		s.mu.Unlock()
		paths, err := output.WriteSession(s.cfg.OutputDir, s.startedAt.Format("20060102_150405"), s.id, summary, events)
		if err != nil {
			s.logger.Warn("session: write report failed", "err", err)
		} else {
			s.logger.Info("session: report written", "files", paths)
		}
	}

	top, count := summary.TopCorrection()
	s.logger.Info("session: finished",
		"cycles", summary.Cycles,
		"spoken", summary.Spoken,
		"good", summary.Good,
		"errors", summary.Errors,
		"top_correction", top,
		"top_correction_count", count,
	)
}

func (s *session) closeCollaborators() {
	if c, ok := s.speaker.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if err := inference.Close(s.engine); err != nil {
		s.logger.Warn("session: close engine", "err", err)
	}
}

func (s *session) closeSinks(summary processing.SessionSummary) {
	if s.mqtt != nil {
		if err := s.mqtt.PublishSummary(map[string]any{"session_id": s.id, "summary": summary}); err != nil {
			s.logger.Debug("session: mqtt summary failed", "err", err)
		}
		_ = s.mqtt.Disconnect()
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.db.EndSession(ctx, s.id, time.Now(), summary); err != nil {
			s.logger.Warn("session: end session failed", "err", err)
		}
		cancel()
		s.db.Close()
	}
	if s.rawlog != nil {
		if err := s.rawlog.Close(); err != nil {
			s.logger.Warn("session: close rawlog", "err", err)
		}
	}
}
