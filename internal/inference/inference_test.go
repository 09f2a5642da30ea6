package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var testRequest = Request{
	Model:    "test-model",
	System:   "rules",
	User:     "KneeWidth: 10.00",
	JSONMode: true,
}

func TestScriptedCyclesResponses(t *testing.T) {
	engine := NewScripted(0, `{"status":"good","correction":""}`, `{"status":"error","correction":"Knees out!"}`)
	ctx := context.Background()

	want := []string{
		`{"status":"good","correction":""}`,
		`{"status":"error","correction":"Knees out!"}`,
		`{"status":"good","correction":""}`,
	}
	for i, w := range want {
		got, err := engine.Generate(ctx, testRequest)
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if got != w {
			t.Fatalf("call %d: got %q want %q", i, got, w)
		}
	}
	if engine.Calls() != 3 {
		t.Fatalf("unexpected call count: %d", engine.Calls())
	}
}

func TestScriptedHonoursContext(t *testing.T) {
	engine := NewScripted(time.Hour, "never")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := engine.Generate(ctx, testRequest)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestHTTPEngineGenerate(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"status\":\"good\",\"correction\":\"\"}"}}]}`))
	}))
	defer srv.Close()

	engine, err := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPEngine: %v", err)
	}
	text, err := engine.Generate(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != `{"status":"good","correction":""}` {
		t.Fatalf("unexpected text: %q", text)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header: %q", auth)
	}
	if got.Model != "test-model" || len(got.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[1].Content != testRequest.User {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("json mode not requested: %+v", got.ResponseFormat)
	}
}

func TestHTTPEngineErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantSub string
	}{
		{name: "http status", status: http.StatusServiceUnavailable, body: "loading", wantSub: "http 503"},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, wantSub: "no choices"},
		{name: "api error", status: http.StatusOK, body: `{"error":{"message":"model not loaded"}}`, wantSub: "model not loaded"},
		{name: "garbage", status: http.StatusOK, body: `<html>`, wantSub: "decode chat response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			engine, err := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL})
			if err != nil {
				t.Fatalf("NewHTTPEngine: %v", err)
			}
			_, err = engine.Generate(context.Background(), testRequest)
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("expected error containing %q, got %v", tt.wantSub, err)
			}
		})
	}
}

func TestHTTPEngineCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	engine, _ := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := engine.Generate(ctx, testRequest); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExtractState(t *testing.T) {
	tests := []struct {
		payload string
		want    string
		ok      bool
	}{
		{`{"status":"ok"}`, "ok", true},
		{`{"status":"Loading Model"}`, "loading model", true},
		{`{"state":"READY"}`, "ready", true},
		{`{"other":1}`, "", false},
		{`not json`, "", false},
		{``, "", false},
	}
	for _, tt := range tests {
		got, ok := extractState([]byte(tt.payload))
		if got != tt.want || ok != tt.ok {
			t.Fatalf("extractState(%q) = %q,%v want %q,%v", tt.payload, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPollHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"loading model"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan string, 4)
	go PollHealth(ctx, srv.URL, 10*time.Millisecond, func(s string) {
		select {
		case updates <- s:
		default:
		}
	})

	select {
	case got := <-updates:
		if got != "loading model" {
			t.Fatalf("unexpected health: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no health update received")
	}
}

// pipeWorker returns a start function whose processes are in-memory pipes served by
// handle.
func pipeWorker(handle func(Request) workerResponse) func() (*workerProcess, error) {
	return func() (*workerProcess, error) {
		reqR, reqW := io.Pipe()
		respR, respW := io.Pipe()
		go func() {
			defer respW.Close()
			for {
				body, err := readFrame(reqR)
				if err != nil {
					return
				}
				var req Request
				if err := msgpack.Unmarshal(body, &req); err != nil {
					return
				}
				out, err := msgpack.Marshal(handle(req))
				if err != nil {
					return
				}
				if err := writeFrame(respW, out); err != nil {
					return
				}
			}
		}()
		return &workerProcess{stdin: reqW, stdout: respR}, nil
	}
}

func TestWorkerEngineExchange(t *testing.T) {
	var mu sync.Mutex
	var seen []Request
	engine := &WorkerEngine{start: pipeWorker(func(req Request) workerResponse {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return workerResponse{Text: `{"status":"error","correction":"Knees out!"}`}
	})}
	defer engine.Close()

	for i := 0; i < 2; i++ {
		text, err := engine.Generate(context.Background(), testRequest)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if text != `{"status":"error","correction":"Knees out!"}` {
			t.Fatalf("unexpected text %q", text)
		}
	}
	if engine.Starts() != 1 {
		t.Fatalf("expected one worker process, got %d", engine.Starts())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != testRequest {
		t.Fatalf("worker saw %+v", seen)
	}
}

func TestWorkerEngineReportedError(t *testing.T) {
	engine := &WorkerEngine{start: pipeWorker(func(Request) workerResponse {
		return workerResponse{Error: "model not loaded"}
	})}
	defer engine.Close()

	_, err := engine.Generate(context.Background(), testRequest)
	var workerErr *WorkerError
	if !errors.As(err, &workerErr) || workerErr.Message != "model not loaded" {
		t.Fatalf("expected WorkerError, got %v", err)
	}
	if _, err := engine.Generate(context.Background(), testRequest); !errors.As(err, &workerErr) {
		t.Fatalf("expected WorkerError on second call, got %v", err)
	}
	if engine.Starts() != 1 {
		t.Fatalf("worker-reported errors must not restart the process, starts=%d", engine.Starts())
	}
}

func TestWorkerEngineRestartsAfterCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	var logs bytes.Buffer
	var calls int
	var mu sync.Mutex
	engine := &WorkerEngine{logger: slog.New(slog.NewTextHandler(&logs, nil)), start: pipeWorker(func(Request) workerResponse {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-block
		}
		return workerResponse{Text: "ok"}
	})}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := engine.Generate(ctx, testRequest); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	text, err := engine.Generate(context.Background(), testRequest)
	if err != nil || text != "ok" {
		t.Fatalf("second call: %q, %v", text, err)
	}
	if engine.Starts() != 2 {
		t.Fatalf("expected a restarted worker, starts=%d", engine.Starts())
	}
	if n := strings.Count(logs.String(), "inference: worker started"); n != 2 {
		t.Fatalf("expected two start lines on the injected logger, got %d:\n%s", n, logs.String())
	}
}

func TestWorkerEngineClosed(t *testing.T) {
	engine := &WorkerEngine{start: pipeWorker(func(Request) workerResponse { return workerResponse{Text: "ok"} })}
	if err := Close(engine); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := engine.Generate(context.Background(), testRequest); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
}

func TestNewWorkerEngineRequiresCommand(t *testing.T) {
	if _, err := NewWorkerEngine(nil, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestNewWorkerEngineLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := NewWorkerEngine([]string{"poseidon-worker", "--model", "m"}, logger)
	if err != nil {
		t.Fatalf("NewWorkerEngine: %v", err)
	}
	if engine.logger != logger {
		t.Fatal("injected logger not kept")
	}
	fallback, err := NewWorkerEngine([]string{"poseidon-worker"}, nil)
	if err != nil {
		t.Fatalf("NewWorkerEngine: %v", err)
	}
	if fallback.logger == nil {
		t.Fatal("nil logger should fall back to the default")
	}
}
