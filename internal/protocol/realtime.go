package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Realtime event type names on the model leg. Outbound names are what we send,
// inbound names are what the model emits.
const (
	RealtimeSessionUpdate   = "session.update"
	RealtimeItemCreate      = "conversation.item.create"
	RealtimeItemTruncate    = "conversation.item.truncate"
	RealtimeResponseCreate  = "response.create"
	RealtimeAudioAppend     = "input_audio_buffer.append"
	RealtimeSpeechStarted   = "input_audio_buffer.speech_started"
	RealtimeAudioDelta      = "response.audio.delta"
	RealtimeOutputItemDone  = "response.output_item.done"
	RealtimeSessionCreated  = "session.created"
	RealtimeResponseDone    = "response.done"
	RealtimeErrorEvent      = "error"
	ItemTypeMessage         = "message"
	ItemTypeFunctionCall    = "function_call"
	ItemTypeFunctionOutput  = "function_call_output"
)

var ErrUnsupportedRealtimeEvent = errors.New("unsupported realtime event")

type realtimeEnvelope struct {
	Type string `json:"type"`
}

// SessionUpdate configures the model session: codec, voice, instructions and
// tool schema. Extra merges observer-supplied overrides verbatim.
type SessionUpdate struct {
	Type    string         `json:"type"`
	Session map[string]any `json:"session"`
}

func NewSessionUpdate(session map[string]any) SessionUpdate {
	return SessionUpdate{Type: RealtimeSessionUpdate, Session: session}
}

// ContentPart is one segment of a conversation item's content.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ConversationItem is a message, function call or function output in the
// model's conversation history.
type ConversationItem struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

type ItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// NewAssistantContextItem injects text into the history as if the assistant
// already said it.
func NewAssistantContextItem(text string) ItemCreate {
	return ItemCreate{
		Type: RealtimeItemCreate,
		Item: ConversationItem{
			Type:    ItemTypeMessage,
			Role:    "assistant",
			Content: []ContentPart{{Type: "text", Text: text}},
		},
	}
}

// NewFunctionOutputItem returns a tool result to the model.
func NewFunctionOutputItem(callID, output string) ItemCreate {
	return ItemCreate{
		Type: RealtimeItemCreate,
		Item: ConversationItem{
			Type:   ItemTypeFunctionOutput,
			CallID: callID,
			Output: output,
		},
	}
}

// ResponseCreate asks the model to generate. Instructions, when set, scope
// this single response without touching session instructions.
type ResponseCreate struct {
	Type     string `json:"type"`
	Response struct {
		Modalities   []string `json:"modalities,omitempty"`
		Instructions string   `json:"instructions,omitempty"`
	} `json:"response"`
}

func NewResponseCreate(instructions string) ResponseCreate {
	r := ResponseCreate{Type: RealtimeResponseCreate}
	r.Response.Modalities = []string{"text", "audio"}
	r.Response.Instructions = instructions
	return r
}

// AudioAppend forwards one caller audio frame into the model's input buffer.
type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func NewAudioAppend(payload string) AudioAppend {
	return AudioAppend{Type: RealtimeAudioAppend, Audio: payload}
}

// ItemTruncate discards assistant audio after AudioEndMS for an interrupted item.
type ItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

func NewItemTruncate(itemID string, audioEndMS int64) ItemTruncate {
	if audioEndMS < 0 {
		audioEndMS = 0
	}
	return ItemTruncate{Type: RealtimeItemTruncate, ItemID: itemID, AudioEndMS: audioEndMS}
}

// AudioDelta is one chunk of assistant audio for an in-flight utterance.
type AudioDelta struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

// OutputItemDone signals one completed utterance or tool call.
type OutputItemDone struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// SpeechStarted signals caller speech detected by the model's VAD.
type SpeechStarted struct {
	Type string `json:"type"`
}

// RealtimeError is the model's error event; the session continues.
type RealtimeError struct {
	Type  string `json:"type"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseRealtimeMessage decodes one inbound model event. Only the event types
// the bridge acts on get concrete types; everything else comes back as a
// RawRealtimeEvent so the observer leg can still mirror it.
func ParseRealtimeMessage(raw []byte) (any, error) {
	var env realtimeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid realtime envelope: %w", err)
	}

	switch env.Type {
	case RealtimeAudioDelta:
		var msg AudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case RealtimeOutputItemDone:
		var msg OutputItemDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case RealtimeSpeechStarted:
		return SpeechStarted{Type: env.Type}, nil
	case RealtimeErrorEvent:
		var msg RealtimeError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "":
		return nil, ErrUnsupportedRealtimeEvent
	default:
		return RawRealtimeEvent{Type: env.Type, Raw: raw}, nil
	}
}

// RawRealtimeEvent preserves events the bridge forwards but does not interpret.
type RawRealtimeEvent struct {
	Type string
	Raw  []byte
}

// ItemText concatenates the text/transcript parts of a completed item.
func ItemText(item ConversationItem) string {
	out := ""
	for _, part := range item.Content {
		switch {
		case part.Text != "":
			out += part.Text
		case part.Transcript != "":
			out += part.Transcript
		}
	}
	return out
}
