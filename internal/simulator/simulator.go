// Package simulator produces a synthetic squat so the pipeline can run without a camera.
package simulator

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"poseidon-go/internal/ingest"
	"poseidon-go/internal/types"
)

type Options struct {
	FPS float64
	// RepDuration is the length of one full squat, standing to standing.
	RepDuration time.Duration
	// Valgus is how far, in pixels, the knees cave in past neutral at the bottom of a rep.
	Valgus float64
	// Noise is the standard deviation of jitter added to x coordinates.
	Noise    float64
	Seed     int64
	Recorder ingest.Recorder
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.FPS <= 0 {
		o.FPS = 15
	}
	if o.RepDuration <= 0 {
		o.RepDuration = 3 * time.Second
	}
	if o.Valgus == 0 {
		o.Valgus = 30
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

const (
	hipLeftX      = 270.0
	hipRightX     = 370.0
	kneeSpread    = 5.0
	standingHipY  = 200.0
	squatDepthY   = 110.0
	kneeY         = 330.0
	ankleY        = 440.0
	caveThreshold = 0.6
)

// Generator builds squat frames. It is deterministic for a given seed.
type Generator struct {
	opts Options
	rng  *rand.Rand
	seq  uint64
}

func NewGenerator(opts Options) *Generator {
	opts = opts.withDefaults()
	return &Generator{opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
}

// Depth returns how far down the squat is at elapsed, from 0 standing to 1 at the bottom.
func (g *Generator) Depth(elapsed time.Duration) float64 {
	phase := float64(elapsed%g.opts.RepDuration) / float64(g.opts.RepDuration)
	return (1 - math.Cos(2*math.Pi*phase)) / 2
}

// Next returns the frame for elapsed time into the session, stamped with capturedAt.
func (g *Generator) Next(elapsed time.Duration, capturedAt time.Time) types.PoseFrame {
	g.seq++
	depth := g.Depth(elapsed)

	cave := 0.0
	if depth > caveThreshold {
		cave = g.opts.Valgus * (depth - caveThreshold) / (1 - caveThreshold)
	}
	half := cave / 2
	jitter := func() float64 {
		if g.opts.Noise == 0 {
			return 0
		}
		return g.rng.NormFloat64() * g.opts.Noise
	}

	hipY := standingHipY + squatDepthY*depth
	return types.PoseFrame{
		Seq:        g.seq,
		CapturedAt: capturedAt,
		Joints: map[string]types.Point{
			types.JointLeftHip:    {X: hipLeftX + jitter(), Y: hipY},
			types.JointRightHip:   {X: hipRightX + jitter(), Y: hipY},
			types.JointLeftKnee:   {X: hipLeftX - kneeSpread + half + jitter(), Y: kneeY},
			types.JointRightKnee:  {X: hipRightX + kneeSpread - half + jitter(), Y: kneeY},
			types.JointLeftAnkle:  {X: hipLeftX - kneeSpread, Y: ankleY},
			types.JointRightAnkle: {X: hipRightX + kneeSpread, Y: ankleY},
		},
	}
}

// Stream emits frames at opts.FPS until ctx is done. Every frame goes through the wire
// codec, and through the recorder when one is set, so simulated sessions can be replayed.
func Stream(ctx context.Context, opts Options) <-chan types.PoseFrame {
	opts = opts.withDefaults()
	gen := NewGenerator(opts)
	out := make(chan types.PoseFrame)
	go func() {
		defer close(out)

		frameInterval := time.Duration(float64(time.Second) / opts.FPS)
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()
		start := time.Now()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				frame, err := roundTrip(gen.Next(now.Sub(start), now), opts.Recorder)
				if err != nil {
					opts.Logger.Warn("simulator: encode error", "err", err)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case out <- frame:
				}
			}
		}
	}()

	return out
}

func roundTrip(frame types.PoseFrame, recorder ingest.Recorder) (types.PoseFrame, error) {
	payload, err := ingest.EncodeFrame(frame)
	if err != nil {
		return types.PoseFrame{}, err
	}
	if recorder != nil {
		if err := recorder.Record(payload); err != nil {
			return types.PoseFrame{}, err
		}
	}
	return ingest.DecodeFrame(payload)
}
