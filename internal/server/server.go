// Package server exposes the HTTP surface of the relay: the incoming-call
// webhook, the media-stream websocket, the active-call listing, vendor
// administration, health probes, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/switchboard-voice/switchboard/internal/callstore"
	"github.com/switchboard-voice/switchboard/internal/config"
	"github.com/switchboard-voice/switchboard/internal/health"
	"github.com/switchboard-voice/switchboard/internal/observe"
	"github.com/switchboard-voice/switchboard/internal/retrieval"
	"github.com/switchboard-voice/switchboard/internal/summary"
	"github.com/switchboard-voice/switchboard/pkg/openairt"
	twiliorest "github.com/switchboard-voice/switchboard/pkg/twilio/rest"
)

// connectingLine is spoken while the call is bridged onto the websocket.
const connectingLine = "Please hold while we connect your call."

// ModelConnector establishes model sessions. *openairt.Client satisfies it.
type ModelConnector interface {
	Connect(ctx context.Context, cfg openairt.SessionConfig) (*openairt.Session, error)
}

// Server handles the HTTP and websocket surface for the relay.
type Server struct {
	// cfg is swapped wholesale on config reload; calls in flight keep the
	// snapshot they started with.
	cfg atomic.Pointer[config.Config]

	// retr is swapped alongside the config when the retrieval endpoint
	// changes. Nil disables retrieval.
	retr atomic.Pointer[retrieval.Client]

	model    ModelConnector
	store    callstore.Store     // optional
	summ     *summary.Summarizer // optional
	tele     *twiliorest.Client  // optional
	registry *Registry
	log      *slog.Logger
	metrics  *observe.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithStore attaches call and vendor persistence.
func WithStore(s callstore.Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithRetrieval attaches the knowledge retrieval client; enables the
// lookup_knowledge tool during calls.
func WithRetrieval(c *retrieval.Client) Option {
	return func(srv *Server) { srv.retr.Store(c) }
}

// WithTelephony attaches the carrier REST client; enables ending calls
// through the API.
func WithTelephony(c *twiliorest.Client) Option {
	return func(srv *Server) { srv.tele = c }
}

// WithSummarizer attaches the post-call summariser.
func WithSummarizer(s *summary.Summarizer) Option {
	return func(srv *Server) { srv.summ = s }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) { srv.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// New creates a Server. The model connector is required; everything else is
// optional and degrades to configured defaults.
func New(cfg *config.Config, model ModelConnector, opts ...Option) *Server {
	s := &Server{
		model:    model,
		registry: NewRegistry(),
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	s.cfg.Store(cfg)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry returns the active-call registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// UpdateConfig replaces the server's configuration. New calls pick up the
// new prompt defaults; calls in flight are unaffected.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

// UpdateRetrieval replaces the retrieval client. Calls in flight keep the
// client they started with; nil disables retrieval for new calls.
func (s *Server) UpdateRetrieval(c *retrieval.Client) {
	s.retr.Store(c)
}

func (s *Server) conf() *config.Config {
	return s.cfg.Load()
}

func (s *Server) retrieval() *retrieval.Client {
	return s.retr.Load()
}

// Handler builds the full route table, wrapped in the request metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /incoming-call", s.handleIncomingCall)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleEndSession)
	mux.HandleFunc("POST /vendor-mappings", s.handleUpsertVendor)
	mux.Handle("GET /metrics", promhttp.Handler())

	health.New(s.healthCheckers()...).Register(mux)

	// The media stream bypasses the request middleware: the wrapped writer
	// cannot be hijacked for the websocket upgrade, and a call is not a
	// request-duration sample.
	outer := http.NewServeMux()
	outer.HandleFunc("GET /media-stream/{id}", s.handleMediaStream)
	outer.Handle("/", observe.Middleware(s.metrics)(mux))

	return outer
}

func (s *Server) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if s.store != nil {
		checkers = append(checkers, health.Checker{Name: "store", Check: s.store.Ping})
	}
	if s.retrieval() != nil {
		checkers = append(checkers, health.Checker{Name: "retrieval", Check: func(ctx context.Context) error {
			retr := s.retrieval()
			if retr == nil {
				return nil
			}
			return retr.Healthy(ctx)
		}})
	}
	if s.tele != nil {
		checkers = append(checkers, health.Checker{Name: "telephony", Check: s.tele.Healthy})
	}
	return checkers
}

// ── Incoming-call webhook ─────────────────────────────────────────────────────

// handleIncomingCall answers the provider's call webhook with TwiML that
// bridges the call onto the media-stream websocket. The dialed number selects
// the vendor whose prompt configuration and knowledge base the call uses.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.answerReject(w, "Sorry, we're experiencing technical difficulties. Please try again later.")
		return
	}

	callSID := r.PostFormValue("CallSid")
	from := r.PostFormValue("From")
	to := r.PostFormValue("To")

	vendor, err := s.resolveVendor(r.Context(), to)
	if err != nil {
		if errors.Is(err, callstore.ErrNotFound) {
			s.log.Warn("call to unmapped number", "to", to, "call_sid", callSID)
			s.answerReject(w, "Sorry, this number is not configured for voice assistance.")
			return
		}
		s.log.Error("vendor lookup failed", "to", to, "error", err)
		s.answerReject(w, "Sorry, we're experiencing technical difficulties. Please try again later.")
		return
	}

	id := uuid.NewString()
	s.seedKnowledgeBase(r.Context(), id, vendor)

	s.registry.Add(CallInfo{
		ID:         id,
		CallSID:    callSID,
		FromNumber: from,
		ToNumber:   to,
		VendorName: vendor.Name,
		StartedAt:  time.Now().UTC(),
		Vendor:     vendor,
	})

	wsURL := fmt.Sprintf("wss://%s/media-stream/%s", s.conf().Server.PublicHost, id)
	body, err := connectTwiML(connectingLine, wsURL)
	if err != nil {
		s.log.Error("twiml generation failed", "error", err)
		s.registry.Remove(id)
		s.answerReject(w, "Sorry, we're experiencing technical difficulties. Please try again later.")
		return
	}

	s.log.Info("incoming call answered",
		"call_id", id, "call_sid", callSID, "from", from, "to", to, "vendor", vendor.Name)
	writeXML(w, http.StatusOK, body)
}

// resolveVendor maps a dialed number to its vendor. Without a store every
// number is served with the configured defaults.
func (s *Server) resolveVendor(ctx context.Context, to string) (callstore.Vendor, error) {
	if s.store == nil {
		defaults := s.conf().Model
		return callstore.Vendor{
			Name:         "default",
			PhoneNumber:  to,
			Instructions: defaults.Instructions,
			Greeting:     defaults.Greeting,
		}, nil
	}
	return s.store.VendorByPhone(ctx, to)
}

// seedKnowledgeBase registers the vendor's documents with the retrieval
// function. Best effort; a failed document is logged and skipped.
func (s *Server) seedKnowledgeBase(ctx context.Context, callID string, vendor callstore.Vendor) {
	retr := s.retrieval()
	if retr == nil {
		return
	}
	for _, doc := range vendor.Documents {
		src := retrieval.Source{
			Source:     fmt.Sprintf("Document: %s\nType: %s", doc.Name, doc.Type),
			SourceType: "text",
			Metadata: map[string]any{
				"title":        doc.Name,
				"document_url": doc.URL,
				"call_id":      callID,
			},
		}
		if err := retr.AddDocument(ctx, src); err != nil {
			s.log.Warn("knowledge base seed failed", "document", doc.Name, "error", err)
		}
	}
}

func (s *Server) answerReject(w http.ResponseWriter, message string) {
	body, err := rejectTwiML(message)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeXML(w, http.StatusOK, body)
}

// ── Sessions and vendor administration ───────────────────────────────────────

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": s.registry.Len(),
		"sessions":        s.registry.List(),
	})
}

// handleEndSession hangs up an active call through the carrier API. The
// relay itself winds down when the carrier closes the media stream.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if s.tele == nil {
		http.Error(w, "telephony API is not configured", http.StatusServiceUnavailable)
		return
	}
	if info.CallSID == "" {
		http.Error(w, "session has no call SID", http.StatusConflict)
		return
	}
	if err := s.tele.EndCall(r.Context(), info.CallSID); err != nil {
		s.log.Error("end call failed", "call_id", info.ID, "call_sid", info.CallSID, "error", err)
		http.Error(w, "carrier API error", http.StatusBadGateway)
		return
	}
	s.log.Info("call ended via API", "call_id", info.ID, "call_sid", info.CallSID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpsertVendor(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "vendor storage is not configured", http.StatusServiceUnavailable)
		return
	}

	var v callstore.Vendor
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if v.PhoneNumber == "" {
		http.Error(w, "phone_number is required", http.StatusBadRequest)
		return
	}

	stored, err := s.store.UpsertVendor(r.Context(), v)
	if err != nil {
		s.log.Error("vendor upsert failed", "phone", v.PhoneNumber, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// ── Response helpers ─────────────────────────────────────────────────────────

func writeXML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
