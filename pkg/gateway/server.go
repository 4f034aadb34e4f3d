// Package gateway hosts the local JSON/HTTP + WebSocket API that exposes
// the bridge to callers: compose text, submit, wait for a reply, read the
// transcript, and stream phase events.
package gateway

import (
	"context"
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/WintryWind7/Antigravity-Link/pkg/capability"
	"github.com/WintryWind7/Antigravity-Link/pkg/devtools"
	apperrors "github.com/WintryWind7/Antigravity-Link/pkg/errors"
	"github.com/WintryWind7/Antigravity-Link/pkg/logging"
	"github.com/WintryWind7/Antigravity-Link/pkg/orchestrator"
)

const maxRequestBytes = 1 << 20

// Sender is the orchestrator surface the gateway drives.
type Sender interface {
	Send(ctx context.Context, text string, interMessageDelay time.Duration) (orchestrator.SendResult, error)
	SetText(ctx context.Context, text string) (orchestrator.ComposeResult, error)
	PressEnter(ctx context.Context) error
	WaitForIdle(ctx context.Context, timeout time.Duration) error
	WaitForCompletion(ctx context.Context, timeout, poll time.Duration) (orchestrator.Outcome, error)
}

// Surface is the read-only page surface used by the query endpoints.
type Surface interface {
	GetMessages(ctx context.Context) ([]capability.Message, error)
	GetLastBotText(ctx context.Context) (capability.LastBotText, error)
	IsSendVisible(ctx context.Context) (bool, error)
	Diagnose(ctx context.Context) (capability.Diagnostics, error)
	Session() capability.Session
}

// ConnInfo reports transport connection state for /api/status.
type ConnInfo interface {
	State() devtools.State
}

// Config controls the gateway server behavior.
type Config struct {
	BindAddress    string
	AuthToken      string
	RequireToken   bool
	AllowedOrigins []string
	PublicMetrics  bool
	Version        string
}

// Server hosts the HTTP and WebSocket API.
type Server struct {
	cfg     Config
	sender  Sender
	surface Surface
	conn    ConnInfo
	hub     *Hub
	logger  *logging.Logger

	httpServer *http.Server
	startedAt  time.Time

	// sendMu serializes every mutating operation. The page has one input
	// box; interleaved writers would corrupt each other's messages.
	sendMu sync.Mutex
}

// NewServer constructs a gateway around the orchestrator and page surface.
func NewServer(cfg Config, sender Sender, surface Surface, conn ConnInfo, logger *logging.Logger) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:4777"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		cfg:     cfg,
		sender:  sender,
		surface: surface,
		conn:    conn,
		hub:     NewHub(),
		logger:  logger,
	}
}

// Hub returns the event hub so other components can publish to /ws clients.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() chi.Router {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.requestIDMiddleware)

	router.Get("/healthz", s.handleHealthz)
	if s.cfg.PublicMetrics {
		router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	api := chi.NewRouter()
	api.Post("/text", s.handleText)
	api.Post("/enter", s.handleEnter)
	api.Post("/send", s.handleSend)
	api.Post("/wait-idle", s.handleWaitIdle)
	api.Post("/wait-reply", s.handleWaitReply)
	api.Get("/messages", s.handleMessages)
	api.Get("/last-reply", s.handleLastReply)
	api.Get("/diagnose", s.handleDiagnose)
	api.Get("/status", s.handleStatus)
	router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Mount("/", api)
	})

	router.With(s.authMiddleware).Get("/ws", s.handleEvents)
	if !s.cfg.PublicMetrics {
		router.With(s.authMiddleware).Method(http.MethodGet, "/metrics", promhttp.Handler())
	}
	return router
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.logger.Info(logging.CategoryGateway, "listening", "gateway started",
		map[string]any{"bind": s.cfg.BindAddress})

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if stdliberrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// --- middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed || strings.HasPrefix(origin, allowed+":") {
			return true
		}
	}
	return false
}

type ctxKey string

const requestIDKey ctxKey = "aglink-request-id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.RequireToken {
			next.ServeHTTP(w, r)
			return
		}
		token, _ := extractBearerToken(r)
		if token == "" || token != s.cfg.AuthToken {
			respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken reads a bearer token from the Authorization header or,
// for WebSocket clients that cannot set headers, the token query param.
func extractBearerToken(r *http.Request) (token string, fromQuery bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):]), false
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}

// --- request/response plumbing ---

var errEmptyBody = stdliberrors.New("request body is empty")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if stdliberrors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "decoding request body")
	}
	return nil
}

// decodeJSONOptional is decodeJSON for endpoints whose body is optional;
// an empty body leaves dst at its zero value.
func decodeJSONOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil && !stdliberrors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends the structured JSON error envelope.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Message   string `json:"message"`
		Details   string `json:"details,omitempty"`
		Retryable bool   `json:"retryable,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var linkErr *apperrors.Error
	if stdliberrors.As(err, &linkErr) {
		response.Code = string(linkErr.Code)
		if linkErr.UserMessage != "" {
			response.Message = linkErr.UserMessage
		} else if linkErr.Message != "" {
			response.Message = linkErr.Message
		}
		response.Retryable = linkErr.Retryable
		response.Details = linkErr.Error()
	} else if err != nil {
		response.Message = err.Error()
	}
	response.Error = response.Message

	_ = json.NewEncoder(w).Encode(response)
}

// httpStatusFor maps bridge error codes onto HTTP statuses.
func httpStatusFor(err error) int {
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodeInvalidInput):
		return http.StatusBadRequest
	case apperrors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case apperrors.IsConnectionError(err):
		return http.StatusServiceUnavailable
	case apperrors.IsNotFound(err):
		return http.StatusBadGateway
	case apperrors.IsCode(err, apperrors.ErrCodeEvalException),
		apperrors.IsCode(err, apperrors.ErrCodeCapabilityFailed),
		apperrors.IsCode(err, apperrors.ErrCodeInjectionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// tryAcquireSend takes the send mutex without blocking. The page supports
// one writer at a time, so a second mutating request is refused up front
// instead of queueing for minutes behind a long exchange.
func (s *Server) tryAcquireSend(w http.ResponseWriter) bool {
	if s.sendMu.TryLock() {
		return true
	}
	respondError(w, http.StatusConflict, apperrors.New(apperrors.ErrCodeInvalidInput, "a send is already in progress").
		WithUserMessage("Another message exchange is in progress; retry when it completes."))
	return false
}

// --- handlers ---

type textRequest struct {
	Text string `json:"text"`
}

type waitRequest struct {
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	PollSeconds    float64 `json:"poll_seconds,omitempty"`
}

func secondsDuration(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput, "text is required"))
		return
	}
	if !s.tryAcquireSend(w) {
		return
	}
	defer s.sendMu.Unlock()

	metricRequests.WithLabelValues("text").Inc()
	compose, err := s.sender.SetText(r.Context(), req.Text)
	if err != nil {
		respondError(w, httpStatusFor(err), err)
		return
	}
	respondJSON(w, map[string]any{"success": true, "compose": compose})
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	if !s.tryAcquireSend(w) {
		return
	}
	defer s.sendMu.Unlock()

	metricRequests.WithLabelValues("enter").Inc()
	if err := s.sender.PressEnter(r.Context()); err != nil {
		respondError(w, httpStatusFor(err), err)
		return
	}
	respondJSON(w, map[string]any{"success": true})
}

type sendRequest struct {
	Text           string  `json:"text"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	// InterMessageDelayMS overrides the configured pause between composing
	// and submitting; zero keeps the default.
	InterMessageDelayMS float64 `json:"inter_message_delay_ms,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput, "text is required"))
		return
	}
	if !s.tryAcquireSend(w) {
		return
	}
	defer s.sendMu.Unlock()

	metricRequests.WithLabelValues("send").Inc()
	ctx := r.Context()
	if d := secondsDuration(req.TimeoutSeconds); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	s.logger.Info(logging.CategoryGateway, "send", "message exchange started",
		map[string]any{"request_id": requestID(r.Context()), "text_len": len(req.Text)})
	result, err := s.sender.Send(ctx, req.Text, time.Duration(req.InterMessageDelayMS*float64(time.Millisecond)))
	if err != nil {
		s.hub.Publish("send.error", map[string]any{"error": err.Error()})
		respondError(w, httpStatusFor(err), err)
		return
	}

	s.hub.Publish("send.outcome", result.Outcome)
	respondJSON(w, map[string]any{
		"success":         result.Outcome.Status == orchestrator.StatusCompleted,
		"status":          result.Outcome.Status,
		"reply":           result.Outcome.Reply,
		"has_reply":       result.Outcome.HasReply,
		"error_text":      result.Outcome.ErrorText,
		"elapsed_seconds": result.Outcome.Elapsed.Seconds(),
		"compose":         result.Compose,
	})
}

func (s *Server) handleWaitIdle(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if err := decodeJSONOptional(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	metricRequests.WithLabelValues("wait_idle").Inc()
	if err := s.sender.WaitForIdle(r.Context(), secondsDuration(req.TimeoutSeconds)); err != nil {
		respondError(w, httpStatusFor(err), err)
		return
	}
	respondJSON(w, map[string]any{"success": true, "idle": true})
}

func (s *Server) handleWaitReply(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if err := decodeJSONOptional(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	metricRequests.WithLabelValues("wait_reply").Inc()
	outcome, err := s.sender.WaitForCompletion(r.Context(),
		secondsDuration(req.TimeoutSeconds), secondsDuration(req.PollSeconds))
	if err != nil {
		respondError(w, httpStatusFor(err), err)
		return
	}
	respondJSON(w, map[string]any{
		"success":         outcome.Status == orchestrator.StatusCompleted,
		"status":          outcome.Status,
		"reply":           outcome.Reply,
		"has_reply":       outcome.HasReply,
		"error_text":      outcome.ErrorText,
		"elapsed_seconds": outcome.Elapsed.Seconds(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	metricRequests.WithLabelValues("messages").Inc()
	msgs, err := s.surface.GetMessages(r.Context())
	if err != nil {
		respondError(w, httpStatusFor(err), err)
		return
	}
	respondJSON(w, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleLastReply(w http.ResponseWriter, r *http.Request) {
	metricRequests.WithLabelValues("last_reply").Inc()
	last, err := s.surface.GetLastBotText(r.Context())
	if err != nil {
		respondError(w, httpStatusFor(err), err)
		return
	}
	// No reply yet is null, not the empty string.
	var reply *string
	if last.Text != "" {
		reply = &last.Text
	}
	respondJSON(w, map[string]any{"reply": reply, "count": last.Count})
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	metricRequests.WithLabelValues("diagnose").Inc()
	diag, err := s.surface.Diagnose(r.Context())
	if err != nil {
		respondError(w, httpStatusFor(err), err)
		return
	}
	respondJSON(w, map[string]any{"diagnostics": diag})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	metricRequests.WithLabelValues("status").Inc()
	session := s.surface.Session()
	status := map[string]any{
		"version":        s.cfg.Version,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"connection":     s.conn.State().String(),
		"provider": map[string]any{
			"present": session.Present,
			"version": session.Version,
		},
	}
	// Best effort: idle is informational and must not fail the status call.
	probeCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if idle, err := s.surface.IsSendVisible(probeCtx); err == nil {
		status["idle"] = idle
	}
	respondJSON(w, status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn(logging.CategoryGateway, "ws_accept", "event stream accept failed",
			map[string]any{"error": err.Error()})
		return
	}
	conn.SetReadLimit(4096)
	metricWSClients.Inc()
	defer metricWSClients.Dec()

	client := s.hub.register(conn)
	ctx, cancel := context.WithCancel(r.Context())
	startWSPing(ctx, conn)

	// Clients only listen; the read loop exists to notice disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	go func() {
		if err := client.writeLoop(ctx); err != nil {
			cancel()
		}
	}()

	client.enqueue(Event{
		Type:      "hello",
		Payload:   map[string]any{"version": s.cfg.Version},
		Timestamp: time.Now().UTC(),
	})

	<-ctx.Done()
	s.hub.removeClient(client)
	client.close(websocket.StatusNormalClosure, "shutdown")
}

// String renders the bind address, useful in log lines.
func (s *Server) String() string {
	return fmt.Sprintf("gateway[%s]", s.cfg.BindAddress)
}
