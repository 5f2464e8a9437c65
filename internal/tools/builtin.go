package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pitchline/pitchline/internal/store"
)

// NewScheduleMeetingTool books a follow-up meeting and persists it.
func NewScheduleMeetingTool(st store.Store) *Tool {
	return &Tool{
		Name:        "schedule_meeting",
		Description: "Book a follow-up meeting once the customer agrees to a time.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"attendee": map[string]any{
					"type":        "string",
					"description": "Name of the person the meeting is with.",
				},
				"scheduled_for": map[string]any{
					"type":        "string",
					"description": "Agreed date and time, as spoken on the call.",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Anything the customer asked to cover.",
				},
			},
			"required": []string{"attendee", "scheduled_for"},
		},
		Handler: func(ctx context.Context, inv Invocation) (any, error) {
			var args struct {
				Attendee     string `json:"attendee"`
				ScheduledFor string `json:"scheduled_for"`
				Notes        string `json:"notes"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			if strings.TrimSpace(args.Attendee) == "" || strings.TrimSpace(args.ScheduledFor) == "" {
				return nil, fmt.Errorf("attendee and scheduled_for are required")
			}

			meeting := store.Meeting{
				CallID:       inv.RecordID,
				Attendee:     args.Attendee,
				ScheduledFor: args.ScheduledFor,
				Notes:        args.Notes,
			}
			if err := st.SaveMeeting(ctx, meeting); err != nil {
				return nil, fmt.Errorf("persist meeting: %w", err)
			}

			return map[string]string{
				"status":        "booked",
				"attendee":      args.Attendee,
				"scheduled_for": args.ScheduledFor,
			}, nil
		},
	}
}

// NewEndCallTool lets the model hang up gracefully once the conversation
// reaches a natural end.
func NewEndCallTool() *Tool {
	return &Tool{
		Name:        "end_call",
		Description: "End the phone call politely after saying goodbye.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason for ending the call.",
				},
			},
		},
		Terminal: true,
		Handler: func(_ context.Context, inv Invocation) (any, error) {
			var args struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			if args.Reason == "" {
				args.Reason = "conversation complete"
			}
			return map[string]string{"status": "ending", "reason": args.Reason}, nil
		},
	}
}
