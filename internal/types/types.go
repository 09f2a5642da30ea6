package types

import "time"

// Joint names used on the wire and in PoseFrame.Joints.
const (
	JointLeftHip    = "left_hip"
	JointRightHip   = "right_hip"
	JointLeftKnee   = "left_knee"
	JointRightKnee  = "right_knee"
	JointLeftAnkle  = "left_ankle"
	JointRightAnkle = "right_ankle"
)

// RequiredJoints must be present for a frame to be analysed.
var RequiredJoints = []string{JointLeftKnee, JointRightKnee, JointLeftHip, JointRightHip}

type Point struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
}

// PoseFrame is one sampled snapshot of detected joint coordinates.
// Frames are treated as immutable once produced.
type PoseFrame struct {
	Seq        uint64
	CapturedAt time.Time
	Joints     map[string]Point
}

// Joint returns the named joint, or the zero point when it is missing.
func (f PoseFrame) Joint(name string) Point {
	return f.Joints[name]
}

// HasRequiredJoints reports whether every joint in RequiredJoints is present.
func (f PoseFrame) HasRequiredJoints() bool {
	for _, name := range RequiredJoints {
		if _, ok := f.Joints[name]; !ok {
			return false
		}
	}
	return true
}

type FeatureSet struct {
	KneeWidth           float64 `json:"knee_width"`
	HipWidth            float64 `json:"hip_width"`
	HipVerticalPosition float64 `json:"hip_vertical_position"`
	SourceFrameSeq      uint64  `json:"source_frame_seq"`
}

type Status int

const (
	StatusGood Status = iota
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Diagnosis struct {
	Status     Status `json:"status"`
	Correction string `json:"correction"`
}

// FeedbackEvent is a correction that was handed to the voice collaborator.
type FeedbackEvent struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	FrameSeq   uint64        `json:"frame_seq"`
	Correction string        `json:"correction"`
	EmittedAt  time.Time     `json:"emitted_at"`
	Latency    time.Duration `json:"latency_ns"`
}
