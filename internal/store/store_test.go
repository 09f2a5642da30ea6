package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"poseidon-go/internal/processing"
	"poseidon-go/internal/types"
)

// TestStoreIntegration runs against a real Postgres container and needs Docker.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers panics when the docker socket is missing.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		cli, err := testcontainers.NewDockerClientWithOpts(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()
		_, err = cli.Ping(ctx)
		return err
	}()
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("poseidon_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// Migrations are idempotent.
	if err := initSchema(ctx, s.pool); err != nil {
		t.Fatalf("second initSchema failed: %v", err)
	}

	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := s.StartSession(ctx, Session{ID: "s1", StartedAt: started, Model: "m", Engine: "scripted", Source: "simulator"}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		ev := types.FeedbackEvent{
			ID:         fmt.Sprintf("e%d", i),
			SessionID:  "s1",
			FrameSeq:   uint64(i * 10),
			Correction: "Knees out!",
			EmittedAt:  started.Add(time.Duration(i) * time.Second),
			Latency:    time.Duration(i) * time.Millisecond,
		}
		if err := s.InsertFeedback(ctx, ev); err != nil {
			t.Fatalf("InsertFeedback failed: %v", err)
		}
	}

	events, err := s.ListFeedback(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListFeedback failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].ID != "e3" || events[0].FrameSeq != 30 || events[0].Latency != 3*time.Millisecond {
		t.Errorf("Unexpected newest event: %+v", events[0])
	}
	if !events[0].EmittedAt.Equal(started.Add(3 * time.Second)) {
		t.Errorf("Unexpected emitted_at: %v", events[0].EmittedAt)
	}

	all, err := s.ListFeedback(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListFeedback(all) failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 events, got %d", len(all))
	}

	agg := processing.NewSessionAggregator(started)
	agg.Add("spoken", true, true, "Knees out!", true)
	agg.Add("suppressed_good", true, false, "", false)
	if err := s.EndSession(ctx, "s1", started.Add(time.Minute), agg.Snapshot()); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if err := s.EndSession(ctx, "missing", started, agg.Snapshot()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	summary, err := s.SessionSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionSummary failed: %v", err)
	}
	if summary.Cycles != 2 || summary.Corrections["Knees out!"] != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Spoken != 3 || sessions[0].EndedAt == nil {
		t.Errorf("Unexpected sessions: %+v", sessions)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
