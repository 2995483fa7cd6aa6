package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/amorelay/internal/amocrm"
)

// OAuthFlow is the part of amocrm.OAuthManager the server drives.
type OAuthFlow interface {
	AuthorizationURL() string
	ExchangeCode(ctx context.Context, code string) (amocrm.TokenPair, error)
	Refresh(ctx context.Context) (amocrm.TokenPair, error)
}

type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload amocrm.WebhookPayload) amocrm.Report
}

// DefaultDispatchTimeout bounds one webhook delivery's lookups and note posts.
const DefaultDispatchTimeout = 2 * time.Minute

type ServerConfig struct {
	AdminJWTSecret  string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	DispatchTimeout time.Duration
	Logger          amocrm.Logger
	Now             func() time.Time
}

type Server struct {
	oauth       OAuthFlow
	webhooks    WebhookHandler
	notes       *NoteHub
	cfg         ServerConfig
	logger      amocrm.Logger
	rateLimiter *rateLimiter
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

func NewServer(oauth OAuthFlow, webhooks WebhookHandler, notes *NoteHub, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		oauth:       oauth,
		webhooks:    webhooks,
		notes:       notes,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/amo/auth" && r.Method == http.MethodGet:
		http.Redirect(w, r, s.oauth.AuthorizationURL(), http.StatusFound)
	case r.URL.Path == "/amo/callback" && r.Method == http.MethodGet:
		s.handleCallback(w, r, correlationID)
	case r.URL.Path == "/amo/refresh-token" && r.Method == http.MethodPost:
		if !s.authorize(w, r, ScopeTokensRefresh, correlationID) {
			return
		}
		s.handleRefresh(w, r, correlationID)
	case r.URL.Path == "/amo/webhook" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, correlationID)
	case r.URL.Path == "/amo/notes/stream" && r.Method == http.MethodGet:
		if !s.authorize(w, r, ScopeNotesRead, correlationID) {
			return
		}
		s.handleNoteStream(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// authorize enforces the admin bearer. Without a configured secret the admin
// routes are open.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, scope, correlationID string) bool {
	if s.cfg.AdminJWTSecret == "" {
		return true
	}
	if _, authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminJWTSecret, scope, s.cfg.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return false
	}
	return true
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request, correlationID string) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing_code", "authorization code is required", correlationID)
		return
	}
	if _, err := s.oauth.ExchangeCode(r.Context(), code); err != nil {
		s.logger.Printf("oauth code exchange failed: %v", err)
		writeOAuthFailure(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	pair, err := s.oauth.Refresh(r.Context())
	if err != nil {
		s.logger.Printf("oauth refresh failed: %v", err)
		writeOAuthFailure(w, err, correlationID)
		return
	}
	resp := map[string]any{"status": "refreshed"}
	if expiresAt := pair.ExpiresAt(); !expiresAt.IsZero() {
		resp["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeOAuthFailure(w http.ResponseWriter, err error, correlationID string) {
	var oauthErr *amocrm.OAuthError
	var transportErr *amocrm.TransportError
	switch {
	case errors.Is(err, amocrm.ErrTokenNotFound):
		writeError(w, http.StatusConflict, "not_authorized", "no stored token; complete the authorization flow first", correlationID)
	case errors.As(err, &oauthErr):
		writeError(w, http.StatusBadGateway, "oauth_failed", oauthErr.Error(), correlationID)
	case errors.As(err, &transportErr):
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "amoCRM is unreachable", correlationID)
	case errors.Is(err, amocrm.ErrTokenCorrupt):
		writeError(w, http.StatusBadGateway, "oauth_failed", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "token operation failed", correlationID)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientIP(r), s.cfg.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	payload, err := parseWebhookBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		s.logger.Printf("webhook %s rejected: %v", correlationID, err)
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), correlationID)
		return
	}
	// amoCRM drops slow webhook connections; the batch must still finish
	// because update events are already marked seen by then.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.DispatchTimeout)
	defer cancel()
	report := s.webhooks.HandleWebhook(ctx, payload)
	s.logger.Printf("webhook %s handled: added=%d updated=%d notes=%d failed=%d duplicates=%d",
		correlationID, report.LeadsAdded, report.LeadsUpdated, report.NotesSent, report.NotesFailed, report.Duplicates)
	writeJSON(w, http.StatusOK, report)
}

// parseWebhookBody accepts amoCRM's form-encoded deliveries and plain JSON.
func parseWebhookBody(contentType string, body []byte) (amocrm.WebhookPayload, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" {
		return amocrm.ParseWebhookJSON(body)
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return amocrm.WebhookPayload{}, errors.Join(amocrm.ErrInvalidInput, err)
	}
	return amocrm.ParseWebhookForm(values)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, k)
		}
	}
	entry, ok := r.entries[key]
	if !ok {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
