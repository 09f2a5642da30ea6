// Package ingest receives pose frames from an upstream keypoint detector over ZMQ.
//
// Messages are CBOR maps shaped like:
//
//	{ "type": "pose", "seq": <uint>, "timestamp": <float seconds>,
//	  "joints": { "left_knee": {"x": .., "y": .., "z": ..}, ... } }
//
// "joints" may instead be an RFC 8746 float matrix paired with "joint_names".
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"poseidon-go/internal/types"
)

const MessageTypePose = "pose"

var (
	// ErrIgnoredType marks well-formed messages that are not pose frames.
	ErrIgnoredType = errors.New("ingest: not a pose message")
	// ErrNoPose marks frames where the detector found no usable skeleton.
	ErrNoPose = errors.New("ingest: frame lacks required joints")
)

var (
	decodeFailures atomic.Uint64
	noPoseFrames   atomic.Uint64
	droppedFrames  atomic.Uint64
	decodeCount    atomic.Uint64
	decodeNanos    atomic.Uint64
)

func DecodeFailures() uint64 { return decodeFailures.Load() }

// NoPoseFrames counts frames skipped because a required joint was missing.
func NoPoseFrames() uint64 { return noPoseFrames.Load() }

// DroppedFrames counts frames discarded because the consumer had not taken the previous one.
func DroppedFrames() uint64 { return droppedFrames.Load() }

func DecodeTiming() (count uint64, nanos uint64) {
	return decodeCount.Load(), decodeNanos.Load()
}

// Recorder receives every raw message before decoding.
type Recorder interface {
	Record(payload []byte) error
}

type Options struct {
	// LogEvery throttles error logging to one line per N occurrences.
	LogEvery int
	Recorder Recorder
	Logger   *slog.Logger
}

const pollInterval = 250 * time.Millisecond

// Stream connects a PULL socket to endpoint and delivers decoded frames. A frame that
// arrives while the previous one is still unread is dropped; the receive loop never
// waits on the consumer.
func Stream(ctx context.Context, endpoint string, opts Options) (<-chan types.PoseFrame, error) {
	if opts.LogEvery < 1 {
		opts.LogEvery = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}

	logger := newThrottledLogger(opts.Logger, opts.LogEvery)
	out := make(chan types.PoseFrame, 1)
	go func() {
		defer close(out)
		defer socket.Close()

		poller := zmq4.NewPoller()
		poller.Add(socket, zmq4.POLLIN)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			polled, err := poller.Poll(pollInterval)
			if err != nil {
				logger.log("ingest: poll error", "err", err)
				continue
			}
			if len(polled) == 0 {
				continue
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				logger.log("ingest: recv error", "err", err)
				continue
			}
			if opts.Recorder != nil {
				if err := opts.Recorder.Record(msg); err != nil {
					logger.log("ingest: raw record error", "err", err)
				}
			}

			frame, err := DecodeFrame(msg)
			switch {
			case err == nil:
			case errors.Is(err, ErrIgnoredType):
				continue
			case errors.Is(err, ErrNoPose):
				noPoseFrames.Add(1)
				continue
			default:
				decodeFailures.Add(1)
				logger.log("ingest: decode error", "err", err)
				continue
			}

			select {
			case out <- frame:
			default:
				droppedFrames.Add(1)
			}
		}
	}()

	return out, nil
}

type wireFrame struct {
	Type       string          `cbor:"type"`
	Seq        uint64          `cbor:"seq"`
	Timestamp  float64         `cbor:"timestamp"`
	Joints     cbor.RawMessage `cbor:"joints"`
	JointNames []string        `cbor:"joint_names,omitempty"`
}

// DecodeFrame turns one wire message into a frame. It returns ErrIgnoredType for other
// message types and ErrNoPose when a required joint is missing.
func DecodeFrame(msg []byte) (types.PoseFrame, error) {
	start := time.Now()
	defer func() {
		decodeCount.Add(1)
		decodeNanos.Add(uint64(time.Since(start)))
	}()

	var wire wireFrame
	if err := cbor.Unmarshal(msg, &wire); err != nil {
		return types.PoseFrame{}, fmt.Errorf("cbor decode: %w", err)
	}
	if wire.Type != MessageTypePose {
		return types.PoseFrame{}, fmt.Errorf("%w: %q", ErrIgnoredType, wire.Type)
	}
	if len(wire.Joints) == 0 {
		return types.PoseFrame{}, ErrNoPose
	}

	joints, err := decodeJoints(wire.Joints, wire.JointNames)
	if err != nil {
		return types.PoseFrame{}, err
	}

	frame := types.PoseFrame{
		Seq:        wire.Seq,
		CapturedAt: secondsToTime(wire.Timestamp),
		Joints:     joints,
	}
	if !frame.HasRequiredJoints() {
		return frame, fmt.Errorf("frame %d: %w", frame.Seq, ErrNoPose)
	}
	return frame, nil
}

func decodeJoints(raw cbor.RawMessage, names []string) (map[string]types.Point, error) {
	const majorMap = 5
	const cborNull = 0xf6

	if raw[0] == cborNull {
		return nil, ErrNoPose
	}
	if raw[0]>>5 == majorMap {
		var joints map[string]types.Point
		if err := cbor.Unmarshal(raw, &joints); err != nil {
			return nil, fmt.Errorf("invalid joints map: %w", err)
		}
		return joints, nil
	}

	var tagged any
	if err := cbor.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("invalid joints: %w", err)
	}
	matrix, err := decodeJointMatrix(tagged)
	if err != nil {
		return nil, err
	}
	if len(names) != len(matrix) {
		return nil, fmt.Errorf("joint_names has %d entries for %d rows", len(names), len(matrix))
	}
	joints := make(map[string]types.Point, len(matrix))
	for i, row := range matrix {
		p := types.Point{X: row[0], Y: row[1]}
		if len(row) == 3 {
			p.Z = row[2]
		}
		joints[names[i]] = p
	}
	return joints, nil
}

// EncodeFrame produces the map form of the wire message.
func EncodeFrame(frame types.PoseFrame) ([]byte, error) {
	return cbor.Marshal(map[string]any{
		"type":      MessageTypePose,
		"seq":       frame.Seq,
		"timestamp": timeToSeconds(frame.CapturedAt),
		"joints":    frame.Joints,
	})
}

// EncodeFrameMatrix produces the RFC 8746 matrix form, with joints in names order.
func EncodeFrameMatrix(frame types.PoseFrame, names []string) ([]byte, error) {
	flat := make([]float64, 0, len(names)*3)
	for _, name := range names {
		p, ok := frame.Joints[name]
		if !ok {
			return nil, fmt.Errorf("frame %d has no joint %q", frame.Seq, name)
		}
		flat = append(flat, p.X, p.Y, p.Z)
	}
	matrix := cbor.Tag{
		Number:  tagMultiDimArray,
		Content: []any{[]int{len(names), 3}, encodeFloat64Array(flat)},
	}
	return cbor.Marshal(map[string]any{
		"type":        MessageTypePose,
		"seq":         frame.Seq,
		"timestamp":   timeToSeconds(frame.CapturedAt),
		"joints":      matrix,
		"joint_names": names,
	})
}

func secondsToTime(seconds float64) time.Time {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return time.Time{}
	}
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*1e9))
}

func timeToSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

type throttledLogger struct {
	logger *slog.Logger
	every  uint64
	count  atomic.Uint64
}

func newThrottledLogger(logger *slog.Logger, every int) *throttledLogger {
	return &throttledLogger{logger: logger, every: uint64(every)}
}

// log emits one line per every calls.
func (l *throttledLogger) log(msg string, args ...any) {
	n := l.count.Add(1)
	if n%l.every == 0 {
		l.logger.Warn(msg, append(args, "occurrences", n)...)
	}
}
