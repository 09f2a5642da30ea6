package processing

import (
	"math"

	"poseidon-go/internal/types"
)

// ExtractFeatures derives the squat geometry from one frame. Units are whatever the
// pose source supplies; no normalization is applied.
func ExtractFeatures(frame types.PoseFrame) types.FeatureSet {
	leftKnee := frame.Joint(types.JointLeftKnee)
	rightKnee := frame.Joint(types.JointRightKnee)
	leftHip := frame.Joint(types.JointLeftHip)
	rightHip := frame.Joint(types.JointRightHip)

	return types.FeatureSet{
		KneeWidth:           math.Abs(leftKnee.X - rightKnee.X),
		HipWidth:            math.Abs(leftHip.X - rightHip.X),
		HipVerticalPosition: leftHip.Y,
		SourceFrameSeq:      frame.Seq,
	}
}
