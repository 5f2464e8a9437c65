package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	calls       map[string]CallRecord
	transcripts map[string][]TranscriptLine
	meetings    []Meeting
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		calls:       make(map[string]CallRecord),
		transcripts: make(map[string][]TranscriptLine),
	}
}

func (s *InMemoryStore) SaveCall(_ context.Context, record CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	s.calls[record.ID] = record
	return nil
}

func (s *InMemoryStore) FinishCall(_ context.Context, callID, outcome string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.calls[callID]
	if !ok {
		return nil
	}
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	record.Outcome = outcome
	record.EndedAt = endedAt
	s.calls[callID] = record
	return nil
}

func (s *InMemoryStore) SaveTranscriptLine(_ context.Context, line TranscriptLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}
	s.transcripts[line.CallID] = append(s.transcripts[line.CallID], line)
	return nil
}

func (s *InMemoryStore) RecentTranscript(_ context.Context, callID string, limit int) ([]TranscriptLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.transcripts[callID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TranscriptLine, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) SaveMeeting(_ context.Context, meeting Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meeting.ID == "" {
		meeting.ID = uuid.NewString()
	}
	if meeting.CreatedAt.IsZero() {
		meeting.CreatedAt = time.Now().UTC()
	}
	s.meetings = append(s.meetings, meeting)
	return nil
}

// Meetings returns a copy of all booked meetings, oldest first.
func (s *InMemoryStore) Meetings() []Meeting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Meeting, len(s.meetings))
	copy(out, s.meetings)
	return out
}

func (s *InMemoryStore) Close() error { return nil }
