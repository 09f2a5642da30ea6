// Package prompt renders feature sets into structured-output inference requests.
package prompt

import (
	"fmt"
	"strings"

	"poseidon-go/internal/inference"
	"poseidon-go/internal/types"
)

// DefaultModel is the on-device model identifier the coach was built around.
const DefaultModel = "claude-3-haiku-on-device"

// ValgusThreshold is the hip/knee width gap, in pose units, above which the rules call
// knee valgus. It is part of the rule text sent to the engine, not a runtime setting.
const ValgusThreshold = 5

// SystemPrompt is the authoritative decision procedure. The engine applies it; the
// pipeline only validates the shape of the answer.
var SystemPrompt = strings.TrimSpace(fmt.Sprintf(`
You are an elite biomechanics coach acting as an analysis engine. You receive skeletal measurements.
Analyze the squat geometry using only the rules below. Do not add any extra text or conversation.

Rules for SQUAT analysis (knee valgus detection):
- If HipWidth - KneeWidth > %d units -> status "error", correction: a short spoken instruction for knee valgus (e.g. "Knees out!")
- Otherwise -> status "good", correction: ""

Output format (STRICTLY JSON only, exactly these two keys):
{"status": "error" or "good", "correction": "short imperative instruction"}
`, ValgusThreshold))

type Builder struct {
	Model string
}

func NewBuilder(model string) Builder {
	if model == "" {
		model = DefaultModel
	}
	return Builder{Model: model}
}

// Build combines the fixed rules with the feature values. JSON mode is always on.
func (b Builder) Build(features types.FeatureSet) inference.Request {
	return inference.Request{
		Model:    b.Model,
		System:   SystemPrompt,
		User:     RenderFeatures(features),
		JSONMode: true,
	}
}

// RenderFeatures formats the features as plain key/value lines.
func RenderFeatures(features types.FeatureSet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "KneeWidth: %.2f\n", features.KneeWidth)
	fmt.Fprintf(&sb, "HipWidth: %.2f\n", features.HipWidth)
	fmt.Fprintf(&sb, "LeftHipY: %.2f", features.HipVerticalPosition)
	return sb.String()
}
