package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pitchline/pitchline/internal/call"
	"github.com/pitchline/pitchline/internal/config"
	"github.com/pitchline/pitchline/internal/observability"
	"github.com/pitchline/pitchline/internal/protocol"
	"github.com/pitchline/pitchline/internal/registry"
)

type Server struct {
	cfg      config.Config
	calls    *call.Manager
	profiles *registry.Registry
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, calls *call.Manager, profiles *registry.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		calls:    calls,
		profiles: profiles,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Telephony providers and observer tooling are not browsers and
				// usually omit Origin; browsers are held to same-origin unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/calls/dispatch", s.handleDispatch)
	r.Post("/v1/calls/answer", s.handleAnswer)
	r.Get("/v1/calls/answer", s.handleAnswer)
	r.Get("/v1/calls/media-stream", s.handleMediaStream)
	r.Get("/v1/calls/observer", s.handleObserver)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.calls.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"pending_profiles": s.profiles.PendingCount(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

type dispatchRequest struct {
	CorrelationID string                `json:"correlation_id"`
	Agent         registry.AgentProfile `json:"agent"`
}

type dispatchResponse struct {
	CorrelationID string `json:"correlation_id"`
	AnswerURL     string `json:"answer_url"`
	StreamURL     string `json:"stream_url"`
}

// handleDispatch stages an agent profile for an outbound call the dialer is
// about to place. The returned correlation id ties the media stream back to
// this profile.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Agent.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_agent", "agent.name is required")
		return
	}
	if strings.TrimSpace(req.Agent.OpeningLine) == "" {
		respondError(w, http.StatusBadRequest, "invalid_agent", "agent.opening_line is required")
		return
	}

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	s.profiles.Put(correlationID, req.Agent)
	s.metrics.CallEvents.WithLabelValues("dispatched").Inc()

	host := s.publicHost(r)
	respondJSON(w, http.StatusCreated, dispatchResponse{
		CorrelationID: correlationID,
		AnswerURL:     fmt.Sprintf("https://%s/v1/calls/answer?correlationId=%s", host, url.QueryEscape(correlationID)),
		StreamURL:     fmt.Sprintf("wss://%s/v1/calls/media-stream", host),
	})
}

// handleAnswer returns the provider call-control document that connects the
// answered call to the media-stream endpoint.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.URL.Query().Get("correlationId"))
	host := s.publicHost(r)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString("<Response>\n  <Connect>\n")
	fmt.Fprintf(&b, `    <Stream url="wss://%s/v1/calls/media-stream">`+"\n", host)
	if correlationID != "" {
		fmt.Fprintf(&b, `      <Parameter name="correlationId" value=%q />`+"\n", correlationID)
	}
	b.WriteString("    </Stream>\n  </Connect>\n</Response>\n")

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func (s *Server) publicHost(r *http.Request) string {
	if s.cfg.PublicHost != "" {
		return s.cfg.PublicHost
	}
	return r.Host
}

// handleMediaStream is the telephony leg: the provider connects here when the
// call is answered and streams caller audio both ways.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(2 << 20)

	start, err := awaitStreamStart(conn)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("telephony", "no_start").Inc()
		return
	}

	sess, err := s.calls.StartCall(r.Context(), call.NewWebsocketLeg(conn), start)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("telephony", "start_failed").Inc()
		return
	}
	defer sess.Close("telephony_disconnect")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := sess.HandleTelephonyMessage(data); err != nil {
			return
		}
	}
}

// awaitStreamStart reads frames until the start event arrives. Providers send
// a bare connected event first; anything else before start is a protocol
// violation.
func awaitStreamStart(conn *websocket.Conn) (protocol.StreamStart, error) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			return protocol.StreamStart{}, errors.New("timed out waiting for start event")
		}
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.StreamStart{}, err
		}
		msg, err := protocol.ParseTelephonyMessage(data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.StreamStart:
			_ = conn.SetReadDeadline(time.Time{})
			return m, nil
		case protocol.StreamStop:
			if m.Event == protocol.TelephonyConnected {
				continue
			}
			return protocol.StreamStart{}, errors.New("stream stopped before start")
		default:
			return protocol.StreamStart{}, errors.New("unexpected frame before start")
		}
	}
}

// handleObserver attaches a monitoring socket to a live call. Inbound
// session.update messages become saved overrides for future calls; everything
// the model emits is mirrored out.
func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	streamSid := strings.TrimSpace(r.URL.Query().Get("streamSid"))
	if streamSid == "" {
		respondError(w, http.StatusBadRequest, "missing_stream_sid", "query parameter streamSid is required")
		return
	}
	sess, err := s.calls.Get(streamSid)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess.AttachObserver(call.NewWebsocketLeg(conn))
	defer sess.DetachObserver()
	s.metrics.CallEvents.WithLabelValues("observer_attached").Inc()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type    string         `json:"type"`
			Session map[string]any `json:"session"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == protocol.RealtimeSessionUpdate && len(msg.Session) > 0 {
			s.calls.SetModelConfig(msg.Session)
			s.metrics.CallEvents.WithLabelValues("observer_config").Inc()
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
