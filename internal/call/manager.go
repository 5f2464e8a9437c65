package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitchline/pitchline/internal/observability"
	"github.com/pitchline/pitchline/internal/protocol"
	"github.com/pitchline/pitchline/internal/registry"
	"github.com/pitchline/pitchline/internal/store"
	"github.com/pitchline/pitchline/internal/tools"
)

var ErrSessionNotFound = errors.New("call session not found")

// ManagerConfig carries the per-deployment knobs for new sessions.
type ManagerConfig struct {
	BlockingDeadline time.Duration
	Voice            string
	DefaultProfile   registry.AgentProfile
	CustomerPhrases  []string
	NameDenyList     []string
}

// Manager owns every live session, keyed by stream sid. Concurrent calls are
// independent; one call's teardown never touches another's state.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	pending     map[string]struct{}
	savedConfig map[string]any

	cfg      ManagerConfig
	profiles *registry.Registry
	records  store.Store
	metrics  *observability.Metrics
	toolbox  *tools.Registry
	dialer   ModelDialer
}

func NewManager(cfg ManagerConfig, profiles *registry.Registry, records store.Store, toolbox *tools.Registry, dialer ModelDialer, metrics *observability.Metrics) *Manager {
	if cfg.BlockingDeadline <= 0 {
		cfg.BlockingDeadline = 3 * time.Second
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		pending:     make(map[string]struct{}),
		savedConfig: make(map[string]any),
		cfg:         cfg,
		profiles:    profiles,
		records:     records,
		metrics:     metrics,
		toolbox:     toolbox,
		dialer:      dialer,
	}
}

// StartCall brings up a session for a freshly started media stream: resolve
// the agent profile, dial the model, run the opening sequence, and hold the
// opening audio pending validation.
func (m *Manager) StartCall(ctx context.Context, telephony Leg, start protocol.StreamStart) (*Session, error) {
	streamSid := start.Start.StreamSid
	if streamSid == "" {
		return nil, fmt.Errorf("start event missing streamSid")
	}

	// Reserve the key before the model dial so a concurrent start for the
	// same stream cannot pass the duplicate check while this one is dialing.
	m.mu.Lock()
	_, exists := m.sessions[streamSid]
	_, dialing := m.pending[streamSid]
	if exists || dialing {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream %s already bridged", streamSid)
	}
	m.pending[streamSid] = struct{}{}
	m.mu.Unlock()

	profile := m.cfg.DefaultProfile
	correlationID := start.Start.CustomParameters["correlationId"]
	if correlationID != "" {
		if p, err := m.profiles.Take(correlationID); err == nil {
			profile = p
		} else {
			m.metrics.CallEvents.WithLabelValues("profile_fallback").Inc()
		}
	}

	model, events, err := m.dialer.Dial(ctx)
	if err != nil {
		m.release(streamSid)
		return nil, fmt.Errorf("start call %s: %w", streamSid, err)
	}

	recordID := uuid.NewString()
	sess := newSession(sessionParams{
		streamSid:        streamSid,
		callSid:          start.Start.CallSid,
		recordID:         recordID,
		profile:          profile,
		telephony:        telephony,
		model:            model,
		classifier:       NewHeuristicClassifier(m.cfg.CustomerPhrases),
		sanitizer:        NewSanitizer(profile.Name, m.cfg.NameDenyList),
		toolbox:          m.toolbox,
		metrics:          m.metrics,
		records:          m.records,
		blockingDeadline: m.cfg.BlockingDeadline,
	})
	sess.onClose = func(string) { m.remove(streamSid) }

	if m.records != nil {
		_ = m.records.SaveCall(ctx, store.CallRecord{
			ID:            recordID,
			StreamSid:     streamSid,
			CallSid:       start.Start.CallSid,
			CorrelationID: correlationID,
			AgentName:     profile.Name,
			Goal:          profile.Goal,
		})
	}

	if err := sess.openModelConversation(m.cfg.Voice, m.modelConfig()); err != nil {
		_ = model.Close()
		m.release(streamSid)
		return nil, err
	}

	m.mu.Lock()
	delete(m.pending, streamSid)
	m.sessions[streamSid] = sess
	active := len(m.sessions)
	m.mu.Unlock()
	m.metrics.ActiveCalls.Set(float64(active))
	m.metrics.CallEvents.WithLabelValues("started").Inc()

	go func() {
		for data := range events {
			_ = sess.HandleModelMessage(ctx, data)
		}
		_ = sess.Close("model_leg_closed")
	}()

	return sess, nil
}

func (m *Manager) Get(streamSid string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[streamSid]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SetModelConfig stores observer-supplied session overrides merged into the
// next call's opening session.update.
func (m *Manager) SetModelConfig(overrides map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range overrides {
		m.savedConfig[k] = v
	}
}

func (m *Manager) modelConfig() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.savedConfig))
	for k, v := range m.savedConfig {
		out[k] = v
	}
	return out
}

// CloseAll tears down every live session, for shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close(reason)
	}
}

func (m *Manager) release(streamSid string) {
	m.mu.Lock()
	delete(m.pending, streamSid)
	m.mu.Unlock()
}

func (m *Manager) remove(streamSid string) {
	m.mu.Lock()
	delete(m.sessions, streamSid)
	active := len(m.sessions)
	m.mu.Unlock()
	m.metrics.ActiveCalls.Set(float64(active))
}
