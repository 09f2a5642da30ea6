package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"poseidon-go/internal/ingest"
	"poseidon-go/internal/output"
	"poseidon-go/internal/types"
)

var (
	replayFlags pipelineFlags
	replayPath  string
	replaySpeed float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a recorded rawlog through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd)
	},
}

func init() {
	addPipelineFlags(replayCmd, &replayFlags)
	replayCmd.Flags().StringVar(&replayPath, "path", "", "Path to rawlog .bin file")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "Playback speed relative to recording; 0 replays as fast as possible")
	_ = replayCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command) error {
	if replaySpeed < 0 {
		return fmt.Errorf("--speed must be >= 0")
	}
	cfg := appCfg
	applyFlags(cmd, replayFlags, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	total, err := countRecords(replayPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	sess, err := newSession(ctx, cfg, sessionOptions{
		serve: !replayFlags.noServer,
		useDB: cfg.Database.Enabled,
	}, logger)
	if err != nil {
		return err
	}
	if err := sess.start(ctx); err != nil {
		sess.close()
		return err
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Replaying"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	err = replayFrames(ctx, replayPath, replaySpeed, func(frame types.PoseFrame) {
		sess.offer(frame)
	}, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	sess.waitIdle(cfg.Inference.Timeout + time.Second)
	sess.close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func countRecords(path string) (int, error) {
	r, err := output.OpenRawLog(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	n := 0
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// replayFrames decodes every record and hands pose frames to offer, spaced by the
// recorded gaps divided by speed. Frames are restamped with the replay time so latency
// is measured against now.
func replayFrames(ctx context.Context, path string, speed float64, offer func(types.PoseFrame), tick func()) error {
	r, err := output.OpenRawLog(path)
	if err != nil {
		return err
	}
	defer r.Close()

	var prev time.Time
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		tick()

		if speed > 0 && !prev.IsZero() {
			if gap := rec.Timestamp.Sub(prev); gap > 0 {
				timer := time.NewTimer(time.Duration(float64(gap) / speed))
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
		prev = rec.Timestamp
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := ingest.DecodeFrame(rec.Payload)
		if err != nil {
			continue
		}
		frame.CapturedAt = time.Now()
		offer(frame)
	}
}
