package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"poseidon-go/internal/config"
	"poseidon-go/internal/ingest"
	"poseidon-go/internal/simulator"
	"poseidon-go/internal/types"
)

type pipelineFlags struct {
	port       int
	session    string
	source     string
	endpoint   string
	fps        float64
	engine     string
	model      string
	baseURL    string
	worker     []string
	timeout    time.Duration
	debounce   time.Duration
	voice      string
	voiceCmd   []string
	mqttBroker string
	outputDir  string
	noDB       bool
	noServer   bool
}

var runFlags pipelineFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Coach a live session from the simulator or a ZMQ pose stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLive(cmd, runFlags)
	},
}

func init() {
	addPipelineFlags(runCmd, &runFlags)
	runCmd.Flags().StringVar(&runFlags.source, "source", "", "Frame source: simulator or zmq")
	runCmd.Flags().StringVar(&runFlags.endpoint, "endpoint", "", "ZMQ endpoint for the zmq source")
	runCmd.Flags().Float64Var(&runFlags.fps, "fps", 0, "Simulator frame rate")
	rootCmd.AddCommand(runCmd)
}

func addPipelineFlags(cmd *cobra.Command, f *pipelineFlags) {
	cmd.Flags().IntVar(&f.port, "port", 0, "HTTP port for the live view")
	cmd.Flags().StringVar(&f.session, "session", "", "Session id (random when empty)")
	cmd.Flags().StringVar(&f.engine, "engine", "", "Inference engine: scripted, http or worker")
	cmd.Flags().StringVar(&f.model, "model", "", "Model identifier sent with every request")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "Base URL of the http engine")
	cmd.Flags().StringSliceVar(&f.worker, "worker", nil, "Worker engine command and arguments")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Inference timeout")
	cmd.Flags().DurationVar(&f.debounce, "debounce", 0, "Window during which a repeated correction stays silent")
	cmd.Flags().StringVar(&f.voice, "voice", "", "Voice output: log or command")
	cmd.Flags().StringSliceVar(&f.voiceCmd, "voice-command", nil, "TTS command; the text is appended as last argument")
	cmd.Flags().StringVar(&f.mqttBroker, "mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "", "Directory for rawlogs and session reports")
	cmd.Flags().BoolVar(&f.noDB, "no-db", false, "Disable PostgreSQL persistence")
	cmd.Flags().BoolVar(&f.noServer, "no-server", false, "Disable the HTTP live view")
}

// applyFlags overlays flags the user set explicitly onto the loaded config.
func applyFlags(cmd *cobra.Command, f pipelineFlags, cfg *config.AppConfig) {
	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("session") {
		cfg.SessionID = f.session
	}
	if changed("source") {
		cfg.Source.Kind = f.source
	}
	if changed("endpoint") {
		cfg.Source.Endpoint = f.endpoint
	}
	if changed("fps") {
		cfg.Source.FPS = f.fps
	}
	if changed("engine") {
		cfg.Inference.Kind = f.engine
	}
	if changed("model") {
		cfg.Inference.Model = f.model
	}
	if changed("base-url") {
		cfg.Inference.BaseURL = f.baseURL
	}
	if changed("worker") {
		cfg.Inference.Command = f.worker
	}
	if changed("timeout") {
		cfg.Inference.Timeout = f.timeout
	}
	if changed("debounce") {
		cfg.Gate.DebounceWindow = f.debounce
	}
	if changed("voice") {
		cfg.Voice.Kind = f.voice
	}
	if changed("voice-command") {
		cfg.Voice.Command = f.voiceCmd
	}
	if changed("mqtt-broker") {
		cfg.MQTT.Broker = f.mqttBroker
	}
	if changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if f.noDB {
		cfg.Database.Enabled = false
	}
}

func runLive(cmd *cobra.Command, f pipelineFlags) error {
	cfg := appCfg
	applyFlags(cmd, f, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()
	sess, err := newSession(ctx, cfg, sessionOptions{
		serve:  !f.noServer,
		useDB:  cfg.Database.Enabled,
		record: cfg.Source.Record,
	}, logger)
	if err != nil {
		return err
	}
	if err := sess.start(ctx); err != nil {
		sess.close()
		return err
	}

	sourceCtx, stopSource := context.WithCancel(ctx)
	frames, err := openSource(sourceCtx, cfg, sess)
	if err != nil {
		stopSource()
		sess.close()
		return err
	}

	sess.feed(ctx, frames)
	stopSource()
	sess.close()
	return nil
}

func openSource(ctx context.Context, cfg config.AppConfig, sess *session) (<-chan types.PoseFrame, error) {
	switch cfg.Source.Kind {
	case config.SourceSimulator:
		return simulator.Stream(ctx, simulator.Options{
			FPS:      cfg.Source.FPS,
			Noise:    1.5,
			Seed:     time.Now().UnixNano(),
			Recorder: sess.recorder(),
			Logger:   sess.logger,
		}), nil
	case config.SourceZMQ:
		frames, err := ingest.Stream(ctx, cfg.Source.Endpoint, ingest.Options{
			LogEvery: cfg.Source.LogEvery,
			Recorder: sess.recorder(),
			Logger:   sess.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open zmq source: %w", err)
		}
		return frames, nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source.Kind)
	}
}
