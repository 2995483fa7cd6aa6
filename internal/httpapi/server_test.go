package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/amorelay/internal/amocrm"
)

const testSecret = "test-admin-secret"

type fakeOAuth struct {
	mu          sync.Mutex
	codes       []string
	refreshes   int
	exchangeErr error
	refreshErr  error
}

func (f *fakeOAuth) AuthorizationURL() string {
	return "https://www.amocrm.ru/oauth?client_id=client&mode=post_message"
}

func (f *fakeOAuth) ExchangeCode(_ context.Context, code string) (amocrm.TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	if f.exchangeErr != nil {
		return amocrm.TokenPair{}, f.exchangeErr
	}
	return amocrm.TokenPair{AccessToken: "acc", RefreshToken: "ref"}, nil
}

func (f *fakeOAuth) Refresh(context.Context) (amocrm.TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return amocrm.TokenPair{}, f.refreshErr
	}
	return amocrm.TokenPair{AccessToken: "acc2", RefreshToken: "ref2", ExpiresIn: 86400, ReceivedAt: 1700000000}, nil
}

type fakeWebhooks struct {
	mu       sync.Mutex
	payloads []amocrm.WebhookPayload
	during   func()
	ctxErr   error
	deadline bool
}

func (f *fakeWebhooks) HandleWebhook(ctx context.Context, payload amocrm.WebhookPayload) amocrm.Report {
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	f.ctxErr = ctx.Err()
	_, f.deadline = ctx.Deadline()
	report := amocrm.Report{}
	if payload.Leads != nil {
		report.LeadsAdded = len(payload.Leads.Add)
		report.LeadsUpdated = len(payload.Leads.Update)
	}
	return report
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

func newTestServer(oauth *fakeOAuth, webhooks *fakeWebhooks, cfg ServerConfig) *Server {
	cfg.Logger = discardLogger{}
	return NewServer(oauth, webhooks, NewNoteHub(4), cfg)
}

func adminToken(t *testing.T, scopes ...string) string {
	t.Helper()
	token, _, err := IssueAdminToken(testSecret, "ops", scopes, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	server := newTestServer(&fakeOAuth{}, &fakeWebhooks{}, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("expected ok health, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestAuthRedirect(t *testing.T) {
	server := newTestServer(&fakeOAuth{}, &fakeWebhooks{}, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/amo/auth", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "https://www.amocrm.ru/oauth?") {
		t.Fatalf("expected authorize url, got %q", loc)
	}
}

func TestCallback(t *testing.T) {
	oauth := &fakeOAuth{}
	server := newTestServer(oauth, &fakeWebhooks{}, ServerConfig{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/amo/callback", nil)
	req.Header.Set("X-Correlation-Id", "corr-1")
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing code, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body["code"] != "missing_code" || body["correlationId"] != "corr-1" {
		t.Fatalf("unexpected error body %+v", body)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/amo/callback?code=abc", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "authorized") {
		t.Fatalf("expected authorized, got %d %s", rec.Code, rec.Body.String())
	}
	if len(oauth.codes) != 1 || oauth.codes[0] != "abc" {
		t.Fatalf("expected code exchange, got %v", oauth.codes)
	}
	if strings.Contains(rec.Body.String(), "acc") {
		t.Fatalf("expected tokens to stay out of the response, got %s", rec.Body.String())
	}
}

func TestCallbackOAuthFailureIsBadGateway(t *testing.T) {
	oauth := &fakeOAuth{exchangeErr: &amocrm.OAuthError{StatusCode: 400, Body: `{"hint":"code expired"}`}}
	server := newTestServer(oauth, &fakeWebhooks{}, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/amo/callback?code=old", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body["code"] != "oauth_failed" {
		t.Fatalf("expected oauth_failed, got %+v", body)
	}
}

func TestRefreshRequiresAdminScope(t *testing.T) {
	oauth := &fakeOAuth{}
	server := newTestServer(oauth, &fakeWebhooks{}, ServerConfig{AdminJWTSecret: testSecret})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"wrong scope", "Bearer " + adminToken(t, ScopeNotesRead), http.StatusForbidden},
		{"granted", "Bearer " + adminToken(t, ScopeTokensRefresh), http.StatusOK},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/amo/refresh-token", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		server.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d %s", tc.name, tc.status, rec.Code, rec.Body.String())
		}
	}
	if oauth.refreshes != 1 {
		t.Fatalf("expected exactly one refresh, got %d", oauth.refreshes)
	}
}

func TestRefreshErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&amocrm.TokenFileError{Op: "load", Path: "x", Err: amocrm.ErrTokenNotFound}, http.StatusConflict, "not_authorized"},
		{&amocrm.OAuthError{StatusCode: 401}, http.StatusBadGateway, "oauth_failed"},
		{&amocrm.TransportError{Method: "POST", URL: "x", Err: errors.New("refused")}, http.StatusBadGateway, "upstream_unavailable"},
		{errors.New("disk full"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		server := newTestServer(&fakeOAuth{refreshErr: tc.err}, &fakeWebhooks{}, ServerConfig{})
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/amo/refresh-token", nil))
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		if body := decodeError(t, rec); body["code"] != tc.code {
			t.Fatalf("%v: expected %s, got %+v", tc.err, tc.code, body)
		}
	}
}

func TestRefreshReportsExpiry(t *testing.T) {
	server := newTestServer(&fakeOAuth{}, &fakeWebhooks{}, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/amo/refresh-token", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "refreshed" || body["expiresAt"] != "2023-11-15T22:13:20Z" {
		t.Fatalf("unexpected refresh body %+v", body)
	}
}

func TestWebhookFormAndJSON(t *testing.T) {
	webhooks := &fakeWebhooks{}
	server := newTestServer(&fakeOAuth{}, webhooks, ServerConfig{})

	form := "leads%5Badd%5D%5B0%5D%5Bid%5D=10&leads%5Badd%5D%5B0%5D%5Bname%5D=Deal&leads%5Bupdate%5D%5B0%5D%5Bid%5D=11"
	req := httptest.NewRequest(http.MethodPost, "/amo/webhook", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var report amocrm.Report
	_ = json.NewDecoder(rec.Body).Decode(&report)
	if report.LeadsAdded != 1 || report.LeadsUpdated != 1 {
		t.Fatalf("expected one add and one update, got %+v", report)
	}
	if got := webhooks.payloads[0].Leads.Add[0].Name; got != "Deal" {
		t.Fatalf("expected form name Deal, got %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/amo/webhook", strings.NewReader(`{"leads":{"update":[{"id":12}]}}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || len(webhooks.payloads) != 2 {
		t.Fatalf("expected json webhook to dispatch, got %d", rec.Code)
	}
}

func TestWebhookDispatchOutlivesClientDisconnect(t *testing.T) {
	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	webhooks := &fakeWebhooks{during: cancel}
	server := newTestServer(&fakeOAuth{}, webhooks, ServerConfig{DispatchTimeout: time.Minute})

	req := httptest.NewRequest(http.MethodPost, "/amo/webhook", strings.NewReader(`{"leads":{"update":[{"id":12}]}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req.WithContext(reqCtx))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if reqCtx.Err() == nil {
		t.Fatalf("expected request context to be cancelled during dispatch")
	}
	if webhooks.ctxErr != nil {
		t.Fatalf("expected dispatch context to survive disconnect, got %v", webhooks.ctxErr)
	}
	if !webhooks.deadline {
		t.Fatalf("expected dispatch context to carry a deadline")
	}
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	webhooks := &fakeWebhooks{}
	server := newTestServer(&fakeOAuth{}, webhooks, ServerConfig{})
	req := httptest.NewRequest(http.MethodPost, "/amo/webhook", strings.NewReader(`{"leads":`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || len(webhooks.payloads) != 0 {
		t.Fatalf("expected 400 without dispatch, got %d", rec.Code)
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	server := newTestServer(&fakeOAuth{}, &fakeWebhooks{}, ServerConfig{MaxBodyBytes: 16})
	req := httptest.NewRequest(http.MethodPost, "/amo/webhook", strings.NewReader(strings.Repeat("a", 64)))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	now := time.Unix(1700000000, 0)
	server := newTestServer(&fakeOAuth{}, &fakeWebhooks{}, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: 10 * time.Second,
		Now:             func() time.Time { return now },
	})
	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/amo/webhook", strings.NewReader(""))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		return rec
	}
	for i := 0; i < 2; i++ {
		if rec := send("10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := send("10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "10" {
		t.Fatalf("expected 429 with retry-after, got %d %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := send("10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Fatalf("expected other client to pass, got %d", rec.Code)
	}
	now = now.Add(11 * time.Second)
	if rec := send("10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Fatalf("expected window reset, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := newTestServer(&fakeOAuth{}, &fakeWebhooks{}, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/amo/webhook", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminTokenValidation(t *testing.T) {
	now := time.Unix(1700000000, 0)
	token, _, err := IssueAdminToken(testSecret, "ops", []string{ScopeNotesRead}, time.Minute, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, authErr := authorizeAdmin("Bearer "+token, testSecret, ScopeNotesRead, now); authErr != nil {
		t.Fatalf("expected valid token, got %v", authErr)
	}
	if _, authErr := authorizeAdmin("Bearer "+token, "other-secret", ScopeNotesRead, now); authErr == nil || authErr.status != 401 {
		t.Fatalf("expected signature failure, got %v", authErr)
	}
	if _, authErr := authorizeAdmin("Bearer "+token, testSecret, ScopeNotesRead, now.Add(2*time.Minute)); authErr == nil || authErr.message != "token expired" {
		t.Fatalf("expected expiry failure, got %v", authErr)
	}
	if _, _, err := IssueAdminToken(testSecret, "ops", nil, time.Minute, now); err == nil {
		t.Fatalf("expected scopes to be required")
	}
}

func TestNoteHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewNoteHub(1)
	notes, cancel := hub.Subscribe()
	hub.PublishNote(amocrm.Note{EntityID: 1})
	hub.PublishNote(amocrm.Note{EntityID: 2})
	if hub.Dropped() != 1 {
		t.Fatalf("expected one dropped note, got %d", hub.Dropped())
	}
	if note := <-notes; note.EntityID != 1 {
		t.Fatalf("expected first note to be kept, got %+v", note)
	}
	cancel()
	cancel()
	if hub.Subscribers() != 0 {
		t.Fatalf("expected subscriber to be removed")
	}
	hub.PublishNote(amocrm.Note{EntityID: 3})
}

func TestNoteStreamDeliversNotes(t *testing.T) {
	hub := NewNoteHub(4)
	server := NewServer(&fakeOAuth{}, &fakeWebhooks{}, hub, ServerConfig{AdminJWTSecret: testSecret, Logger: discardLogger{}})
	ts := httptest.NewServer(server)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/amo/notes/stream"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthenticated dial to fail with 401, got %v", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + adminToken(t, ScopeNotesRead)}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	hub.PublishNote(amocrm.Note{EntityType: amocrm.EntityLeads, EntityID: 10, Text: "Deal created: 'X'"})

	var got amocrm.Note
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read note: %v", err)
	}
	if got.EntityID != 10 || got.Text != "Deal created: 'X'" {
		t.Fatalf("unexpected streamed note %+v", got)
	}
}
