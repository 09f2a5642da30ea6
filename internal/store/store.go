// Package store persists sessions and spoken feedback in PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"poseidon-go/internal/processing"
	"poseidon-go/internal/types"
)

var ErrSessionNotFound = errors.New("session not found")

type Store struct {
	pool *pgxpool.Pool
}

type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	Model     string
	Engine    string
	Source    string
	Spoken    int64
}

// New connects and makes sure the schema exists.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			model TEXT NOT NULL DEFAULT '',
			engine TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			summary JSONB
		);
		CREATE TABLE IF NOT EXISTS feedback_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			frame_seq BIGINT NOT NULL,
			correction TEXT NOT NULL,
			emitted_at TIMESTAMPTZ NOT NULL,
			latency_ns BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS feedback_events_session_idx ON feedback_events (session_id, emitted_at);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

func (s *Store) Close() {
	s.pool.Close()
}

// StartSession registers a session. Starting an existing session again resets its end.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, started_at, model, engine, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET started_at = EXCLUDED.started_at, ended_at = NULL
	`, sess.ID, sess.StartedAt, sess.Model, sess.Engine, sess.Source)
	return err
}

// EndSession stamps the end time and stores the aggregated outcome summary.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time, summary processing.SessionSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET ended_at = $2, summary = $3 WHERE id = $1
	`, id, endedAt, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func (s *Store) InsertFeedback(ctx context.Context, ev types.FeedbackEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback_events (id, session_id, frame_seq, correction, emitted_at, latency_ns)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.SessionID, int64(ev.FrameSeq), ev.Correction, ev.EmittedAt, ev.Latency.Nanoseconds())
	return err
}

// ListFeedback returns the newest events first. An empty sessionID lists all sessions;
// limit <= 0 means no limit.
func (s *Store) ListFeedback(ctx context.Context, sessionID string, limit int) ([]types.FeedbackEvent, error) {
	query := `
		SELECT id, session_id, frame_seq, correction, emitted_at, latency_ns
		FROM feedback_events
		WHERE ($1 = '' OR session_id = $1)
		ORDER BY emitted_at DESC, frame_seq DESC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.FeedbackEvent
	for rows.Next() {
		var (
			ev        types.FeedbackEvent
			seq       int64
			latencyNs int64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &seq, &ev.Correction, &ev.EmittedAt, &latencyNs); err != nil {
			return nil, err
		}
		ev.FrameSeq = uint64(seq)
		ev.Latency = time.Duration(latencyNs)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListSessions returns the newest sessions first with their spoken feedback counts.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.started_at, s.ended_at, s.model, s.engine, s.source, COUNT(f.id)
		FROM sessions s
		LEFT JOIN feedback_events f ON f.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.StartedAt, &sess.EndedAt, &sess.Model, &sess.Engine, &sess.Source, &sess.Spoken); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionSummary loads the stored summary of an ended session.
func (s *Store) SessionSummary(ctx context.Context, id string) (processing.SessionSummary, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT summary FROM sessions WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return processing.SessionSummary{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return processing.SessionSummary{}, err
	}
	var summary processing.SessionSummary
	if len(payload) == 0 {
		return summary, nil
	}
	if err := json.Unmarshal(payload, &summary); err != nil {
		return summary, fmt.Errorf("decode summary: %w", err)
	}
	return summary, nil
}
