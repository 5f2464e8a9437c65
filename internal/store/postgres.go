package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			stream_sid TEXT NOT NULL,
			call_sid TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			goal TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_correlation ON calls (correlation_id);`,
		`CREATE TABLE IF NOT EXISTS transcript_lines (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_call_created ON transcript_lines (call_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS meetings (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			attendee TEXT NOT NULL,
			scheduled_for TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveCall(ctx context.Context, record CallRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO calls (id, stream_sid, call_sid, correlation_id, agent_name, goal, outcome, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID,
		record.StreamSid,
		record.CallSid,
		record.CorrelationID,
		record.AgentName,
		record.Goal,
		record.Outcome,
		record.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishCall(ctx context.Context, callID, outcome string, endedAt time.Time) error {
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE calls SET outcome=$2, ended_at=$3 WHERE id=$1`,
		callID, outcome, endedAt,
	)
	if err != nil {
		return fmt.Errorf("finish call: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTranscriptLine(ctx context.Context, line TranscriptLine) error {
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_lines (id, call_id, role, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		line.ID,
		line.CallID,
		line.Role,
		line.Content,
		line.PIIRedacted,
		line.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transcript line: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTranscript(ctx context.Context, callID string, limit int) ([]TranscriptLine, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, call_id, role, content, pii_redacted, created_at
		 FROM transcript_lines WHERE call_id=$1 ORDER BY created_at DESC LIMIT $2`,
		callID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	lines := make([]TranscriptLine, 0, limit)
	for rows.Next() {
		var l TranscriptLine
		if err := rows.Scan(&l.ID, &l.CallID, &l.Role, &l.Content, &l.PIIRedacted, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	return lines, nil
}

func (s *PostgresStore) SaveMeeting(ctx context.Context, meeting Meeting) error {
	if meeting.ID == "" {
		meeting.ID = uuid.NewString()
	}
	if meeting.CreatedAt.IsZero() {
		meeting.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO meetings (id, call_id, attendee, scheduled_for, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		meeting.ID,
		meeting.CallID,
		meeting.Attendee,
		meeting.ScheduledFor,
		meeting.Notes,
		meeting.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save meeting: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
