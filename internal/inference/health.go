package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PollHealth probes {baseURL}/health every interval and reports a short status string
// ("ok", "loading model", "http_503", "error", ...) until ctx is done.
func PollHealth(ctx context.Context, baseURL string, interval time.Duration, update func(string)) {
	if baseURL == "" || update == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/health"
	client := &http.Client{
		Timeout: 900 * time.Millisecond,
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		update(fetchHealth(ctx, client, endpoint))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func fetchHealth(ctx context.Context, client *http.Client, endpoint string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "error"
	}
	resp, err := client.Do(req)
	if err != nil {
		return "error"
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "error"
	}
	if state, ok := extractState(body); ok {
		return state
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("http_%d", resp.StatusCode)
	}
	return "ok"
}

// extractState pulls "status" (llama.cpp) or "state" out of a JSON health body.
func extractState(payload []byte) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", false
	}
	for _, key := range []string{"status", "state"} {
		if v, ok := decoded[key].(string); ok && v != "" {
			return strings.ToLower(v), true
		}
	}
	return "", false
}
