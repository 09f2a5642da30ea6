package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"poseidon-go/internal/processing"
	"poseidon-go/internal/types"
)

// WriteSession writes the session report: a text table of spoken feedback and a JSON
// summary of cycle outcomes. It returns the paths written.
func WriteSession(
	outputDir string,
	runTimestamp string,
	sessionID string,
	summary processing.SessionSummary,
	events []types.FeedbackEvent,
) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	feedbackPath := filepath.Join(outputDir, fmt.Sprintf("%s_%s_feedback.txt", runTimestamp, sessionID))
	f, err := os.Create(feedbackPath)
	if err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintln(f, "frame_seq, emitted_at, latency_ms, correction")
	for _, ev := range events {
		_, _ = fmt.Fprintf(
			f,
			"%d, %s, %.3f, %s\n",
			ev.FrameSeq,
			ev.EmittedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			float64(ev.Latency.Microseconds())/1000,
			strings.ReplaceAll(ev.Correction, ",", ";"),
		)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	summaryPath := filepath.Join(outputDir, fmt.Sprintf("%s_%s_summary.json", runTimestamp, sessionID))
	top, topCount := summary.TopCorrection()
	payload, err := json.MarshalIndent(map[string]any{
		"session_id":           sessionID,
		"summary":              summary,
		"top_correction":       top,
		"top_correction_count": topCount,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(summaryPath, payload, 0o644); err != nil {
		return nil, err
	}
	return []string{feedbackPath, summaryPath}, nil
}
