package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/amorelay/internal/amocrm"
	"github.com/agentworkforce/amorelay/internal/settings"
)

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func (l *recordingLogger) contains(fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

func testSettings(t *testing.T, baseURL string) settings.Settings {
	t.Helper()
	cfg := settings.Defaults()
	cfg.AMO = amocrm.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "https://relay.example/amo/callback",
		Domain:       "acme.amocrm.ru",
		TokenPath:    filepath.Join(t.TempDir(), "token.json"),
		BaseURL:      baseURL,
	}
	return cfg
}

func runCLI(t *testing.T, cfg settings.Settings, args ...string) (string, error) {
	t.Helper()
	app := newApp(func() (settings.Settings, error) { return cfg, nil })
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"amorelay-auth"}, args...))
	return out.String(), err
}

func tokenServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var grants []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		grants = append(grants, r.PostForm.Get("grant_type"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"token_type":"Bearer","expires_in":86400,"access_token":"acc","refresh_token":"ref"}`))
	}))
	t.Cleanup(server.Close)
	return server, &grants
}

func TestURLCommand(t *testing.T) {
	out, err := runCLI(t, testSettings(t, ""), "url")
	if err != nil {
		t.Fatalf("url failed: %v", err)
	}
	if !strings.Contains(out, "https://www.amocrm.ru/oauth?") || !strings.Contains(out, "client_id=client") {
		t.Fatalf("expected authorization url, got %q", out)
	}
}

func TestExchangeStatusRefresh(t *testing.T) {
	upstream, grants := tokenServer(t)
	cfg := testSettings(t, upstream.URL)

	if _, err := runCLI(t, cfg, "exchange"); err == nil {
		t.Fatalf("expected missing --code to fail")
	}

	out, err := runCLI(t, cfg, "status")
	if err != nil || !strings.Contains(out, "No token stored") {
		t.Fatalf("expected missing token warning, got %q err=%v", out, err)
	}

	out, err = runCLI(t, cfg, "exchange", "--code", "abc")
	if err != nil || !strings.Contains(out, "Token stored at") {
		t.Fatalf("expected exchange to store token, got %q err=%v", out, err)
	}

	out, err = runCLI(t, cfg, "status")
	if err != nil || !strings.Contains(out, "Bearer") || !strings.Contains(out, "(in ") {
		t.Fatalf("expected token status, got %q err=%v", out, err)
	}

	out, err = runCLI(t, cfg, "refresh")
	if err != nil || !strings.Contains(out, "Token refreshed") {
		t.Fatalf("expected refresh, got %q err=%v", out, err)
	}
	if len(*grants) != 2 || (*grants)[0] != "authorization_code" || (*grants)[1] != "refresh_token" {
		t.Fatalf("unexpected grants %v", *grants)
	}
}

func TestRefreshCommandWithoutTokenFails(t *testing.T) {
	upstream, grants := tokenServer(t)
	if _, err := runCLI(t, testSettings(t, upstream.URL), "refresh"); err == nil {
		t.Fatalf("expected refresh without a token to fail")
	}
	if len(*grants) != 0 {
		t.Fatalf("expected no upstream calls, got %v", *grants)
	}
}

func TestAdminTokenCommand(t *testing.T) {
	cfg := testSettings(t, "")
	if _, err := runCLI(t, cfg, "admin-token"); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
	cfg.AdminJWTSecret = "s3cret"
	out, err := runCLI(t, cfg, "admin-token", "--scope", "notes:read", "--ttl", "1h")
	if err != nil || !strings.Contains(out, "Valid until") || strings.Count(out, ".") < 2 {
		t.Fatalf("expected signed token, got %q err=%v", out, err)
	}
}

func TestRefreshDue(t *testing.T) {
	now := time.Unix(1700000000, 0)
	pair := amocrm.TokenPair{ExpiresIn: 3600, ReceivedAt: now.Unix()}
	if refreshDue(pair, 30*time.Minute, now) {
		t.Fatalf("expected fresh token not to be due")
	}
	if !refreshDue(pair, 2*time.Hour, now) {
		t.Fatalf("expected token inside margin to be due")
	}
	if !refreshDue(amocrm.TokenPair{}, time.Minute, now) {
		t.Fatalf("expected token without expiry to be due")
	}
}

type fakeRefresher struct {
	mu     sync.Mutex
	calls  int
	onCall func(n int)
	err    error
}

func (f *fakeRefresher) Refresh(context.Context) (amocrm.TokenPair, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(n)
	}
	return amocrm.TokenPair{}, f.err
}

func seededStore(t *testing.T, pair amocrm.TokenPair) *amocrm.FileTokenStore {
	t.Helper()
	store, _ := amocrm.NewFileTokenStore(filepath.Join(t.TempDir(), "token.json"))
	if pair.AccessToken != "" {
		if err := store.Save(pair); err != nil {
			t.Fatalf("seed token: %v", err)
		}
	}
	return store
}

func TestRunWatchOnce(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fresh := amocrm.TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresIn: 86400, ReceivedAt: now.Unix()}

	refresher := &fakeRefresher{}
	opts := watchOptions{Margin: time.Hour, Once: true, Now: func() time.Time { return now }}
	if err := runWatch(context.Background(), refresher, seededStore(t, fresh), opts, discardLogger{}); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if refresher.calls != 0 {
		t.Fatalf("expected fresh token to be left alone, got %d refreshes", refresher.calls)
	}

	opts.Margin = 48 * time.Hour
	if err := runWatch(context.Background(), refresher, seededStore(t, fresh), opts, discardLogger{}); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected one refresh inside margin, got %d", refresher.calls)
	}

	logger := &recordingLogger{}
	if err := runWatch(context.Background(), refresher, seededStore(t, amocrm.TokenPair{}), opts, logger); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if refresher.calls != 1 || !logger.contains("no token stored yet") {
		t.Fatalf("expected missing token to be logged without refresh, got %d %v", refresher.calls, logger.lines)
	}
}

func TestRunWatchLoopsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	refresher := &fakeRefresher{onCall: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	store := seededStore(t, amocrm.TokenPair{AccessToken: "a", RefreshToken: "r"})
	done := make(chan error, 1)
	go func() {
		done <- runWatch(ctx, refresher, store, watchOptions{Interval: time.Millisecond, Jitter: 0.5}, discardLogger{})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not stop after cancellation")
	}
	if refresher.calls < 3 {
		t.Fatalf("expected at least three cycles, got %d", refresher.calls)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
