package store

import (
	"context"
	"time"
)

// CallRecord stores one bridged phone call.
type CallRecord struct {
	ID            string    `json:"id"`
	StreamSid     string    `json:"stream_sid"`
	CallSid       string    `json:"call_sid"`
	CorrelationID string    `json:"correlation_id"`
	AgentName     string    `json:"agent_name"`
	Goal          string    `json:"goal"`
	Outcome       string    `json:"outcome"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// TranscriptLine stores a single utterance within a call.
type TranscriptLine struct {
	ID          string    `json:"id"`
	CallID      string    `json:"call_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Meeting stores a commitment booked through the scheduling tool.
type Meeting struct {
	ID           string    `json:"id"`
	CallID       string    `json:"call_id"`
	Attendee     string    `json:"attendee"`
	ScheduledFor string    `json:"scheduled_for"`
	Notes        string    `json:"notes"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists calls, transcripts, and booked meetings.
type Store interface {
	SaveCall(ctx context.Context, record CallRecord) error
	FinishCall(ctx context.Context, callID, outcome string, endedAt time.Time) error
	SaveTranscriptLine(ctx context.Context, line TranscriptLine) error
	RecentTranscript(ctx context.Context, callID string, limit int) ([]TranscriptLine, error)
	SaveMeeting(ctx context.Context, meeting Meeting) error
	Close() error
}
