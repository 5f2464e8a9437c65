package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitchline/pitchline/internal/observability"
	"github.com/pitchline/pitchline/internal/policy"
	"github.com/pitchline/pitchline/internal/protocol"
	"github.com/pitchline/pitchline/internal/registry"
	"github.com/pitchline/pitchline/internal/reliability"
	"github.com/pitchline/pitchline/internal/store"
	"github.com/pitchline/pitchline/internal/tools"
)

// State is the lifecycle phase of a bridged call.
type State string

const (
	StateIdle              State = "idle"
	StateConnecting        State = "connecting"
	StateBridging          State = "bridging"
	StateBlocking          State = "blocking"
	StateValidatedBridging State = "validated_bridging"
	StateClosing           State = "closing"
)

// Session bridges one phone call: the telephony media stream, the realtime
// model, and an optional observer. All mutable state sits behind mu; websocket
// writes happen outside the lock through the per-leg write mutexes.
type Session struct {
	StreamSid string
	CallSid   string
	RecordID  string
	Profile   registry.AgentProfile

	mu        sync.Mutex
	state     State
	telephony Leg
	model     Leg
	observer  Leg

	classifier Classifier
	sanitizer  *Sanitizer
	toolbox    *tools.Registry
	metrics    *observability.Metrics
	records    store.Store

	blockingDeadline time.Duration
	blockingTimer    *time.Timer
	blockingStarted  time.Time
	validated        bool
	flushing         bool
	regenerated      bool

	bufferOrder []string
	buffers     map[string][]string

	latestMediaOffsetMS int64
	assistantStartMS    int64
	lastAssistantItem   string
	markSeq             int

	startedAt time.Time
	closed    bool
	onClose   func(reason string)
}

type sessionParams struct {
	streamSid        string
	callSid          string
	recordID         string
	profile          registry.AgentProfile
	telephony        Leg
	model            Leg
	classifier       Classifier
	sanitizer        *Sanitizer
	toolbox          *tools.Registry
	metrics          *observability.Metrics
	records          store.Store
	blockingDeadline time.Duration
}

func newSession(p sessionParams) *Session {
	return &Session{
		StreamSid:        p.streamSid,
		CallSid:          p.callSid,
		RecordID:         p.recordID,
		Profile:          p.profile,
		state:            StateConnecting,
		telephony:        p.telephony,
		model:            p.model,
		classifier:       p.classifier,
		sanitizer:        p.sanitizer,
		toolbox:          p.toolbox,
		metrics:          p.metrics,
		records:          p.records,
		blockingDeadline: p.blockingDeadline,
		buffers:          make(map[string][]string),
		startedAt:        time.Now(),
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// openModelConversation configures the model session and primes the opening
// line. Four messages, strictly ordered: session configuration, the opening
// line injected as assistant history, a generation request that speaks it
// verbatim, and a follow-up generation guard against generic
// self-identification.
func (s *Session) openModelConversation(voice string, savedConfig map[string]any) error {
	sessionCfg := map[string]any{
		"modalities":          []string{"text", "audio"},
		"voice":               voice,
		"input_audio_format":  "g711_ulaw",
		"output_audio_format": "g711_ulaw",
		"turn_detection":      map[string]any{"type": "server_vad"},
		"instructions":        buildInstructions(s.Profile),
	}
	if schemas := s.toolbox.Schemas(); len(schemas) > 0 {
		sessionCfg["tools"] = schemas
		sessionCfg["tool_choice"] = "auto"
	}
	// Observer overrides win over computed defaults.
	for k, v := range savedConfig {
		sessionCfg[k] = v
	}

	msgs := []any{
		protocol.NewSessionUpdate(sessionCfg),
		protocol.NewAssistantContextItem(s.Profile.OpeningLine),
		protocol.NewResponseCreate("Say the assistant greeting in the conversation exactly as written, word for word, then stop."),
		protocol.NewResponseCreate(fmt.Sprintf(
			"You are %s. Never introduce yourself with a generic title such as 'Voice Rep' or 'Sales Representative'; always use the name %s.",
			s.Profile.Name, s.Profile.Name,
		)),
	}
	for _, msg := range msgs {
		if err := s.model.WriteJSON(msg); err != nil {
			return fmt.Errorf("open model conversation: %w", err)
		}
		s.metrics.LegMessages.WithLabelValues("model", "out").Inc()
	}

	s.mu.Lock()
	s.state = StateBlocking
	s.validated = false
	s.blockingStarted = time.Now()
	s.blockingTimer = time.AfterFunc(s.blockingDeadline, func() {
		s.metrics.CallEvents.WithLabelValues("blocking_deadline").Inc()
		s.flushBlocking("deadline")
	})
	s.mu.Unlock()

	s.metrics.ObserveCallStage("start_to_model_open", time.Since(s.startedAt))
	return nil
}

func buildInstructions(p registry.AgentProfile) string {
	return fmt.Sprintf(
		"You are %s, a sales agent on a live phone call. Your goal: %s. Tone: %s. "+
			"Speak only the agent's side of the conversation. Keep answers short and natural for voice. "+
			"Never read out the customer's lines or imagine their replies.",
		p.Name, p.Goal, p.Tone,
	)
}

// HandleTelephonyMessage processes one inbound frame from the media stream.
// Malformed and unknown frames are dropped and counted, never fatal.
func (s *Session) HandleTelephonyMessage(raw []byte) error {
	msg, err := protocol.ParseTelephonyMessage(raw)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("telephony", "malformed").Inc()
		return nil
	}
	s.metrics.LegMessages.WithLabelValues("telephony", "in").Inc()

	switch m := msg.(type) {
	case protocol.StreamMedia:
		s.mu.Lock()
		if m.Media.Timestamp > s.latestMediaOffsetMS {
			s.latestMediaOffsetMS = m.Media.Timestamp
		}
		model := s.model
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}
		if err := model.WriteJSON(protocol.NewAudioAppend(m.Media.Payload)); err != nil {
			return fmt.Errorf("forward caller audio: %w", err)
		}
		s.metrics.LegMessages.WithLabelValues("model", "out").Inc()
		return nil
	case protocol.StreamMark:
		// Playback checkpoint echo; nothing to do.
		return nil
	case protocol.StreamStop:
		return s.Close("caller_hangup")
	case protocol.StreamStart:
		// Duplicate start on an established stream is a provider bug; drop it.
		s.metrics.ProviderErrors.WithLabelValues("telephony", "duplicate_start").Inc()
		return nil
	default:
		return nil
	}
}

// HandleModelMessage processes one inbound event from the model leg and
// mirrors the raw bytes to the observer when one is attached.
func (s *Session) HandleModelMessage(ctx context.Context, raw []byte) error {
	ev, err := protocol.ParseRealtimeMessage(raw)
	if err != nil {
		if !errors.Is(err, protocol.ErrUnsupportedRealtimeEvent) {
			s.metrics.ProviderErrors.WithLabelValues("model", "malformed").Inc()
		}
		return nil
	}
	s.metrics.LegMessages.WithLabelValues("model", "in").Inc()
	s.mirrorToObserver(raw)

	switch ev := ev.(type) {
	case protocol.AudioDelta:
		return s.onAudioDelta(ev)
	case protocol.OutputItemDone:
		return s.onOutputItemDone(ctx, ev.Item)
	case protocol.SpeechStarted:
		return s.onSpeechStarted()
	case protocol.RealtimeError:
		s.metrics.ProviderErrors.WithLabelValues("model", ev.Error.Code).Inc()
		if reliability.IsRetryableModelErrorCode(ev.Error.Code) {
			s.metrics.ObserveCallIndicator("model_retryable_error")
		}
		return nil
	default:
		return nil
	}
}

func (s *Session) mirrorToObserver(raw []byte) {
	s.mu.Lock()
	obs := s.observer
	s.mu.Unlock()
	if obs == nil {
		return
	}
	if err := obs.WriteJSON(json.RawMessage(raw)); err != nil {
		s.DetachObserver()
	} else {
		s.metrics.LegMessages.WithLabelValues("observer", "out").Inc()
	}
}

// AttachObserver connects a monitoring socket; at most one per call, newest
// wins.
func (s *Session) AttachObserver(leg Leg) {
	s.mu.Lock()
	old := s.observer
	s.observer = leg
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (s *Session) DetachObserver() {
	s.mu.Lock()
	old := s.observer
	s.observer = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (s *Session) onAudioDelta(ev protocol.AudioDelta) error {
	s.mu.Lock()
	if ev.ItemID != "" && ev.ItemID != s.lastAssistantItem {
		s.lastAssistantItem = ev.ItemID
		s.assistantStartMS = s.latestMediaOffsetMS
	}

	// While flushing, late deltas join the buffer behind the chunks being
	// written; forwarding them live would interleave with the flush.
	if (s.state == StateBlocking && !s.validated) || s.flushing {
		if _, ok := s.buffers[ev.ItemID]; !ok {
			s.bufferOrder = append(s.bufferOrder, ev.ItemID)
		}
		s.buffers[ev.ItemID] = append(s.buffers[ev.ItemID], ev.Delta)
		s.mu.Unlock()
		return nil
	}

	if s.state != StateValidatedBridging && s.state != StateBridging {
		s.mu.Unlock()
		return nil
	}
	tel := s.telephony
	sid := s.StreamSid
	s.mu.Unlock()

	if err := tel.WriteJSON(protocol.NewOutboundMedia(sid, ev.Delta)); err != nil {
		return fmt.Errorf("forward assistant audio: %w", err)
	}
	s.metrics.LegMessages.WithLabelValues("telephony", "out").Inc()
	return nil
}

func (s *Session) onOutputItemDone(ctx context.Context, item protocol.ConversationItem) error {
	switch item.Type {
	case protocol.ItemTypeFunctionCall:
		return s.dispatchTool(ctx, item)
	case protocol.ItemTypeMessage:
		if item.Role != "assistant" {
			return nil
		}
		return s.onAssistantItemDone(item)
	default:
		return nil
	}
}

func (s *Session) onAssistantItemDone(item protocol.ConversationItem) error {
	transcript := protocol.ItemText(item)
	if transcript == "" {
		return nil
	}
	sanitized, changed := s.sanitizer.Sanitize(transcript)
	s.persistTranscript("assistant", sanitized)

	s.mu.Lock()
	holding := s.state == StateBlocking && !s.validated
	_, buffered := s.buffers[item.ID]
	s.mu.Unlock()

	if !holding || !buffered {
		if changed && !holding {
			// Past the hold there is no buffered audio to discard; steer the
			// next turn back to the correct name instead.
			s.metrics.CallEvents.WithLabelValues("sanitizer_correction").Inc()
			return s.model.WriteJSON(protocol.NewResponseCreate(fmt.Sprintf(
				"Your name is %s and you must only ever refer to yourself as %s. Briefly restate your last point as: %q.",
				s.Profile.Name, s.Profile.Name, sanitized,
			)))
		}
		return nil
	}

	speaker := s.classifier.Classify(transcript, s.Profile)
	if speaker == SpeakerCustomer {
		s.metrics.CallEvents.WithLabelValues("opening_rejected").Inc()
		s.discardBlocking("customer_voice")
		return s.model.WriteJSON(protocol.NewResponseCreate(fmt.Sprintf(
			"That was the customer's side of the conversation. Speak only as %s. Greet the customer again in one short sentence, opening with: %q.",
			s.Profile.Name, s.Profile.OpeningLine,
		)))
	}

	// A rewritten transcript regenerates even when classification stayed
	// ambiguous: a wrong-name greeting matches neither the agent name nor the
	// opening prefix, and the deadline must never flush it as-is.
	if changed && s.markRegenerated() {
		s.discardBlocking("sanitizer_rewrite")
		return s.regenerateOpening(sanitized)
	}

	if speaker == SpeakerAgent {
		s.metrics.CallEvents.WithLabelValues("opening_validated").Inc()
		s.flushBlocking("validated")
	}
	// Ambiguous: keep holding until another item or the deadline decides.
	return nil
}

// markRegenerated reports whether this call may still regenerate its opening.
// A single retry keeps a pathological sanitizer loop from stalling the call
// past its deadline.
func (s *Session) markRegenerated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.regenerated {
		return false
	}
	s.regenerated = true
	return true
}

func (s *Session) regenerateOpening(sanitized string) error {
	s.metrics.CallEvents.WithLabelValues("opening_regenerated").Inc()
	if err := s.model.WriteJSON(protocol.NewAssistantContextItem(sanitized)); err != nil {
		return fmt.Errorf("regenerate opening: %w", err)
	}
	return s.model.WriteJSON(protocol.NewResponseCreate(
		"Say the assistant greeting in the conversation exactly as written, word for word, then stop.",
	))
}

// flushBlocking releases the held opening audio exactly once. Both the
// validation path and the deadline timer route through here; whichever loses
// the race observes validated and returns without a second flush. The flush
// drains the buffer incrementally: deltas arriving on the model goroutine
// while chunks are being written re-enter the buffer (see onAudioDelta) and
// are drained behind them, so the caller always hears arrival order.
func (s *Session) flushBlocking(reason string) {
	s.mu.Lock()
	if s.validated || s.state != StateBlocking {
		s.mu.Unlock()
		return
	}
	s.validated = true
	s.flushing = true
	s.state = StateValidatedBridging
	if s.blockingTimer != nil {
		s.blockingTimer.Stop()
	}
	tel := s.telephony
	sid := s.StreamSid
	hold := time.Since(s.blockingStarted)
	s.markSeq++
	seq := s.markSeq
	s.mu.Unlock()

	s.metrics.ObserveBlockingHold(hold)
	chunks := 0
	for {
		s.mu.Lock()
		if len(s.bufferOrder) == 0 {
			s.flushing = false
			s.mu.Unlock()
			break
		}
		itemID := s.bufferOrder[0]
		s.bufferOrder = s.bufferOrder[1:]
		payloads := s.buffers[itemID]
		delete(s.buffers, itemID)
		s.mu.Unlock()

		for _, payload := range payloads {
			if err := tel.WriteJSON(protocol.NewOutboundMedia(sid, payload)); err != nil {
				s.metrics.ProviderErrors.WithLabelValues("telephony", "write_failed").Inc()
				s.mu.Lock()
				s.flushing = false
				s.mu.Unlock()
				return
			}
			chunks++
		}
	}
	s.metrics.BufferedChunks.Observe(float64(chunks))
	_ = tel.WriteJSON(protocol.NewOutboundMark(sid, fmt.Sprintf("opening-%d", seq)))
	s.metrics.CallEvents.WithLabelValues("flush_" + reason).Inc()
}

// discardBlocking drops all held audio without playing it.
func (s *Session) discardBlocking(reason string) {
	s.mu.Lock()
	s.bufferOrder = nil
	s.buffers = make(map[string][]string)
	s.mu.Unlock()
	s.metrics.CallEvents.WithLabelValues("discard_" + reason).Inc()
}

// onSpeechStarted handles a caller interruption: truncate the assistant's
// in-flight utterance at the amount actually played and clear the provider's
// playback queue.
func (s *Session) onSpeechStarted() error {
	started := time.Now()

	s.mu.Lock()
	if s.state != StateValidatedBridging && s.state != StateBridging {
		s.mu.Unlock()
		return nil
	}
	itemID := s.lastAssistantItem
	if itemID == "" {
		s.mu.Unlock()
		return nil
	}
	elapsed := s.latestMediaOffsetMS - s.assistantStartMS
	s.lastAssistantItem = ""
	s.assistantStartMS = 0
	model := s.model
	tel := s.telephony
	sid := s.StreamSid
	s.mu.Unlock()

	if err := model.WriteJSON(protocol.NewItemTruncate(itemID, elapsed)); err != nil {
		return fmt.Errorf("truncate assistant item: %w", err)
	}
	if err := tel.WriteJSON(protocol.NewOutboundClear(sid)); err != nil {
		return fmt.Errorf("clear playback queue: %w", err)
	}
	s.metrics.CallEvents.WithLabelValues("interruption").Inc()
	s.metrics.ObserveCallStage("interrupt_to_truncate", time.Since(started))
	return nil
}

func (s *Session) dispatchTool(ctx context.Context, item protocol.ConversationItem) error {
	started := time.Now()
	res := s.toolbox.Dispatch(ctx, item.Name, tools.Invocation{
		CallSid:   s.CallSid,
		RecordID:  s.RecordID,
		AgentName: s.Profile.Name,
		Args:      json.RawMessage(item.Arguments),
	})
	s.metrics.ObserveCallStage("tool_roundtrip", time.Since(started))
	if res.Errored {
		s.metrics.CallEvents.WithLabelValues("tool_error").Inc()
	} else {
		s.metrics.CallEvents.WithLabelValues("tool_ok").Inc()
	}

	if err := s.model.WriteJSON(protocol.NewFunctionOutputItem(item.CallID, res.Output)); err != nil {
		return fmt.Errorf("send tool output: %w", err)
	}
	if err := s.model.WriteJSON(protocol.NewResponseCreate("")); err != nil {
		return fmt.Errorf("continue after tool: %w", err)
	}

	if res.HangUp {
		return s.Close("tool_end_call")
	}
	return nil
}

func (s *Session) persistTranscript(role, text string) {
	if s.records == nil || text == "" {
		return
	}
	redacted, changed := policy.RedactPII(text)
	_ = s.records.SaveTranscriptLine(context.Background(), store.TranscriptLine{
		CallID:      s.RecordID,
		Role:        role,
		Content:     redacted,
		PIIRedacted: changed,
	})
}

// Close tears the session down. Safe to call from any leg, any number of
// times; only the first call does work.
func (s *Session) Close(reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosing
	if s.blockingTimer != nil {
		s.blockingTimer.Stop()
	}
	s.flushing = false
	s.bufferOrder = nil
	s.buffers = make(map[string][]string)
	tel := s.telephony
	model := s.model
	obs := s.observer
	s.observer = nil
	onClose := s.onClose
	s.mu.Unlock()

	if model != nil {
		_ = model.Close()
	}
	if tel != nil {
		_ = tel.Close()
	}
	if obs != nil {
		_ = obs.Close()
	}
	if s.records != nil {
		_ = s.records.FinishCall(context.Background(), s.RecordID, reason, time.Now().UTC())
	}
	s.metrics.CallEvents.WithLabelValues("closed").Inc()
	if onClose != nil {
		onClose(reason)
	}
	return nil
}
