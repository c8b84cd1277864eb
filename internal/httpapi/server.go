package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/humtech/tsoam-notify/internal/notify"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

type Server struct {
	engine             *notify.Engine
	validator          *notify.NotificationValidator
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *notify.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *notify.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	validator, err := notify.NewNotificationValidator()
	if err != nil {
		// The schema is a compile-time constant; failing to build it is
		// a programming error, not a runtime condition.
		log.Panicf("httpapi: compile notification schema: %v", err)
	}
	return &Server{
		engine:             engine,
		validator:          validator,
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/internal/notifications" && r.Method == http.MethodPost {
		s.handleInternalIngest(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/backends" && r.Method == http.MethodGet {
		s.handleAdminBackends(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "users" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	userID := parts[2]

	var requiredScope string
	var route string
	var notificationID string
	switch {
	case len(parts) == 4 && parts[3] == "feed" && r.Method == http.MethodGet:
		requiredScope = "feed:read"
		route = "feed"
	case len(parts) == 5 && parts[3] == "feed" && parts[4] == "unread" && r.Method == http.MethodGet:
		requiredScope = "feed:read"
		route = "unread"
	case len(parts) == 5 && parts[3] == "feed" && parts[4] == "watch" && r.Method == http.MethodGet:
		requiredScope = "feed:read"
		route = "watch"
	case len(parts) == 6 && parts[3] == "feed" && parts[5] == "read" && r.Method == http.MethodPost:
		requiredScope = "feed:write"
		route = "mark_read"
		notificationID = parts[4]
	case len(parts) == 6 && parts[3] == "feed" && parts[5] == "reply" && r.Method == http.MethodPost:
		requiredScope = "feed:write"
		route = "reply"
		notificationID = parts[4]
	case len(parts) == 5 && parts[3] == "feed" && r.Method == http.MethodDelete:
		requiredScope = "feed:write"
		route = "delete"
		notificationID = parts[4]
	case len(parts) == 4 && parts[3] == "receipts" && r.Method == http.MethodGet:
		requiredScope = "feed:read"
		route = "receipts"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, userID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route != "watch" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && route != "watch" {
		if !s.rateLimiter.allow(userID, time.Now().UTC()) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	viewer := notify.Identity{ID: userID, Email: claims.Email, Name: claims.Name}

	switch route {
	case "feed":
		s.handleFeed(w, viewer, correlationID)
	case "unread":
		s.handleUnread(w, viewer, correlationID)
	case "watch":
		s.handleWatch(w, r)
	case "mark_read":
		s.handleMarkRead(w, viewer, notificationID, correlationID)
	case "reply":
		s.handleReply(w, r, viewer, notificationID, correlationID)
	case "delete":
		s.handleDelete(w, viewer, notificationID, correlationID)
	case "receipts":
		s.handleReceipts(w, viewer, correlationID)
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, viewer notify.Identity, correlationID string) {
	feed, err := s.engine.VisibleFeed(viewer)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	if feed == nil {
		feed = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": feed})
}

func (s *Server) handleUnread(w http.ResponseWriter, viewer notify.Identity, correlationID string) {
	counts, err := s.engine.UnreadCounts(viewer)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, viewer notify.Identity, notificationID, correlationID string) {
	updated, err := s.engine.MarkRead(viewer, notificationID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, viewer notify.Identity, notificationID, correlationID string) {
	if err := s.engine.Delete(viewer, notificationID); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": notificationID})
}

func (s *Server) handleReceipts(w http.ResponseWriter, viewer notify.Identity, correlationID string) {
	receipts, err := s.engine.Receipts(viewer)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": receipts})
}

type replyRequestBody struct {
	Body string `json:"body"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, viewer notify.Identity, notificationID, correlationID string) {
	var req replyRequestBody
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	target, err := s.engine.Find(viewer, notificationID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	result, err := s.engine.SendReply(r.Context(), viewer, target, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, notify.ErrReplyRejected):
			writeError(w, http.StatusBadRequest, "reply_rejected", err.Error(), correlationID)
		case errors.Is(err, notify.ErrReplyFailed):
			writeError(w, http.StatusBadGateway, "reply_failed", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInternalIngest(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	timestamp := r.Header.Get("X-Internal-Timestamp")
	signature := r.Header.Get("X-Internal-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, time.Now().UTC(), s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, time.Now().UTC()) {
		writeError(w, http.StatusConflict, "replayed", "internal request already processed", correlationID)
		return
	}
	if err := s.validator.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_notification", err.Error(), correlationID)
		return
	}
	var n notify.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	accepted, err := s.engine.Ingest(n)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "accepted",
		"id":            accepted.ID,
		"correlationId": correlationID,
	})
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	timestamp := r.Header.Get("X-Internal-Timestamp")
	signature := r.Header.Get("X-Internal-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, nil, time.Now().UTC(), s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, notify.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, notify.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, notify.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if _, seen := s.internalReplaySeen[key]; seen {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}
