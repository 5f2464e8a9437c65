package call

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pitchline/pitchline/internal/observability"
	"github.com/pitchline/pitchline/internal/protocol"
	"github.com/pitchline/pitchline/internal/registry"
	"github.com/pitchline/pitchline/internal/store"
	"github.com/pitchline/pitchline/internal/tools"
)

func newTestManager(t *testing.T) (*Manager, *fakeDialer) {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("test_mgr_%d", time.Now().UnixNano()))
	records := store.NewInMemoryStore()
	toolbox := tools.NewRegistry()
	if err := toolbox.Register(tools.NewEndCallTool()); err != nil {
		t.Fatalf("register end_call: %v", err)
	}
	dialer := &fakeDialer{leg: &fakeLeg{}, events: make(chan []byte, 16)}
	m := NewManager(ManagerConfig{
		BlockingDeadline: 3 * time.Second,
		Voice:            "alloy",
		DefaultProfile:   registry.AgentProfile{Name: "Alex", OpeningLine: "Hi, this is Alex."},
	}, registry.New(time.Minute), records, toolbox, dialer, metrics)
	return m, dialer
}

func startEvent(streamSid string) protocol.StreamStart {
	var start protocol.StreamStart
	start.Event = protocol.TelephonyStart
	start.Start.StreamSid = streamSid
	start.Start.CallSid = "CA" + streamSid
	return start
}

func TestStartCallRejectsDuplicateStream(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.StartCall(context.Background(), &fakeLeg{}, startEvent("MZdup")); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, err := m.StartCall(context.Background(), &fakeLeg{}, startEvent("MZdup")); err == nil {
		t.Fatalf("expected duplicate stream error")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", m.ActiveCount())
	}
}

type failingDialer struct{}

func (failingDialer) Dial(_ context.Context) (Leg, <-chan []byte, error) {
	return nil, nil, fmt.Errorf("model endpoint unreachable")
}

// hookDialer runs a callback mid-dial, while the stream key is reserved but
// not yet in the session map.
type hookDialer struct {
	leg    *fakeLeg
	events chan []byte
	onDial func()
}

func (d *hookDialer) Dial(_ context.Context) (Leg, <-chan []byte, error) {
	if d.onDial != nil {
		d.onDial()
	}
	return d.leg, d.events, nil
}

func TestStartCallRejectsStreamWhileDialing(t *testing.T) {
	m, _ := newTestManager(t)

	var racedErr error
	dialer := &hookDialer{leg: &fakeLeg{}, events: make(chan []byte, 16)}
	dialer.onDial = func() {
		_, racedErr = m.StartCall(context.Background(), &fakeLeg{}, startEvent("MZrace"))
	}
	m.dialer = dialer

	if _, err := m.StartCall(context.Background(), &fakeLeg{}, startEvent("MZrace")); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if racedErr == nil {
		t.Fatalf("second start for the same stream must be rejected while the first is dialing")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", m.ActiveCount())
	}
}

func TestStartCallReleasesStreamAfterDialFailure(t *testing.T) {
	m, dialer := newTestManager(t)

	m.dialer = failingDialer{}
	if _, err := m.StartCall(context.Background(), &fakeLeg{}, startEvent("MZretry")); err == nil {
		t.Fatalf("expected dial failure")
	}

	// A failed start must not keep the stream sid reserved.
	m.dialer = dialer
	if _, err := m.StartCall(context.Background(), &fakeLeg{}, startEvent("MZretry")); err != nil {
		t.Fatalf("retry after dial failure: %v", err)
	}
}

func TestStartCallFallsBackToDefaultProfile(t *testing.T) {
	m, _ := newTestManager(t)

	start := startEvent("MZfallback")
	start.Start.CustomParameters = map[string]string{"correlationId": "never-dispatched"}

	sess, err := m.StartCall(context.Background(), &fakeLeg{}, start)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if sess.Profile.Name != "Alex" {
		t.Fatalf("expected default profile, got %q", sess.Profile.Name)
	}
}

func TestSavedModelConfigMergesIntoOpen(t *testing.T) {
	m, dialer := newTestManager(t)
	m.SetModelConfig(map[string]any{"temperature": 0.6, "voice": "verse"})

	if _, err := m.StartCall(context.Background(), &fakeLeg{}, startEvent("MZcfg")); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	var update protocol.SessionUpdate
	if err := json.Unmarshal(dialer.leg.payloads()[0], &update); err != nil {
		t.Fatalf("decode session.update: %v", err)
	}
	if update.Session["voice"] != "verse" {
		t.Fatalf("override must win: got voice %v", update.Session["voice"])
	}
	if update.Session["temperature"] != 0.6 {
		t.Fatalf("override missing: %v", update.Session["temperature"])
	}
	if update.Session["output_audio_format"] != "g711_ulaw" {
		t.Fatalf("defaults must survive the merge")
	}
}

func TestCloseAll(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.StartCall(context.Background(), &fakeLeg{}, startEvent("MZa")); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	m2dialer := &fakeDialer{leg: &fakeLeg{}, events: make(chan []byte, 16)}
	m.dialer = m2dialer
	if _, err := m.StartCall(context.Background(), &fakeLeg{}, startEvent("MZb")); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	m.CloseAll("shutdown")
	if m.ActiveCount() != 0 {
		t.Fatalf("expected all sessions closed, got %d", m.ActiveCount())
	}
}

func TestGetUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Get("MZnope"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
