package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TelephonyEvent identifies media-stream payload variants on the telephony leg.
type TelephonyEvent string

const (
	TelephonyStart     TelephonyEvent = "start"
	TelephonyMedia     TelephonyEvent = "media"
	TelephonyMark      TelephonyEvent = "mark"
	TelephonyClear     TelephonyEvent = "clear"
	TelephonyStop      TelephonyEvent = "stop"
	TelephonyClose     TelephonyEvent = "close"
	TelephonyConnected TelephonyEvent = "connected"
)

var ErrUnsupportedTelephonyEvent = errors.New("unsupported telephony event")

type telephonyEnvelope struct {
	Event TelephonyEvent `json:"event"`
}

// StreamStart is the first event on a media stream. CustomParameters carries
// dial-time metadata, including the call correlation id.
type StreamStart struct {
	Event TelephonyEvent `json:"event"`
	Start struct {
		StreamSid        string            `json:"streamSid"`
		AccountSid       string            `json:"accountSid,omitempty"`
		CallSid          string            `json:"callSid,omitempty"`
		CustomParameters map[string]string `json:"customParameters,omitempty"`
	} `json:"start"`
}

// StreamMedia carries one inbound caller audio frame. Timestamp is the
// provider's media clock in milliseconds since stream start.
type StreamMedia struct {
	Event TelephonyEvent `json:"event"`
	Media struct {
		Timestamp int64  `json:"timestamp,string"`
		Payload   string `json:"payload"`
	} `json:"media"`
}

type StreamMark struct {
	Event TelephonyEvent `json:"event"`
	Mark  struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type StreamStop struct {
	Event TelephonyEvent `json:"event"`
}

// OutboundMedia is an assistant audio frame sent back to the provider.
type OutboundMedia struct {
	Event     TelephonyEvent `json:"event"`
	StreamSid string         `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// OutboundMark asks the provider to echo a playback checkpoint.
type OutboundMark struct {
	Event     TelephonyEvent `json:"event"`
	StreamSid string         `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// OutboundClear tells the provider to drop any queued, unplayed audio.
type OutboundClear struct {
	Event     TelephonyEvent `json:"event"`
	StreamSid string         `json:"streamSid"`
}

func NewOutboundMedia(streamSid, payload string) OutboundMedia {
	m := OutboundMedia{Event: TelephonyMedia, StreamSid: streamSid}
	m.Media.Payload = payload
	return m
}

func NewOutboundMark(streamSid, name string) OutboundMark {
	m := OutboundMark{Event: TelephonyMark, StreamSid: streamSid}
	m.Mark.Name = name
	return m
}

func NewOutboundClear(streamSid string) OutboundClear {
	return OutboundClear{Event: TelephonyClear, StreamSid: streamSid}
}

// ParseTelephonyMessage decodes one inbound media-stream frame. Unknown event
// names return ErrUnsupportedTelephonyEvent so callers can drop them quietly.
func ParseTelephonyMessage(raw []byte) (any, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid telephony envelope: %w", err)
	}

	switch env.Event {
	case TelephonyStart:
		var msg StreamStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Start.StreamSid == "" {
			return nil, errors.New("start event missing streamSid")
		}
		return msg, nil
	case TelephonyMedia:
		var msg StreamMedia
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, errors.New("media event missing payload")
		}
		return msg, nil
	case TelephonyMark:
		var msg StreamMark
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TelephonyStop, TelephonyClose, TelephonyConnected:
		return StreamStop{Event: env.Event}, nil
	default:
		return nil, ErrUnsupportedTelephonyEvent
	}
}
