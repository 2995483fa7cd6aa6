package amocrm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuthManager obtains token pairs from the amoCRM token endpoint and hands
// them to the TokenStore. It is the only producer of TokenPairs.
type OAuthManager struct {
	cfg   Config
	store TokenStore
	http  HTTPDoer
	now   func() time.Time
}

func NewOAuthManager(cfg Config, store TokenStore, doer HTTPDoer) (*OAuthManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || doer == nil {
		return nil, fmt.Errorf("%w: oauth manager needs a token store and an http client", ErrInvalidInput)
	}
	return &OAuthManager{
		cfg:   cfg,
		store: store,
		http:  doer,
		now:   time.Now,
	}, nil
}

func (m *OAuthManager) AuthorizationURL() string {
	query := url.Values{}
	query.Set("client_id", m.cfg.ClientID)
	query.Set("redirect_uri", m.cfg.RedirectURI)
	base := m.cfg.authorizeURL()
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + query.Encode()
}

func (m *OAuthManager) ExchangeCode(ctx context.Context, code string) (TokenPair, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return TokenPair{}, fmt.Errorf("%w: authorization code is required", ErrInvalidInput)
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	return m.requestToken(ctx, form)
}

// Refresh trades the stored refresh token for a new pair. It does not retry.
func (m *OAuthManager) Refresh(ctx context.Context) (TokenPair, error) {
	current, err := m.store.Load()
	if err != nil {
		return TokenPair{}, err
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)
	return m.requestToken(ctx, form)
}

func (m *OAuthManager) requestToken(ctx context.Context, form url.Values) (TokenPair, error) {
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)
	form.Set("redirect_uri", m.cfg.RedirectURI)

	resp, err := m.http.Do(ctx, HTTPRequest{
		Method: http.MethodPost,
		URL:    m.cfg.tokenURL(),
		Body:   []byte(form.Encode()),
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
	})
	if err != nil {
		return TokenPair{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return TokenPair{}, &OAuthError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if err := validateTokenDocument(resp.Body); err != nil {
		return TokenPair{}, fmt.Errorf("token endpoint response: %w", err)
	}
	var pair TokenPair
	if err := json.Unmarshal(resp.Body, &pair); err != nil {
		return TokenPair{}, fmt.Errorf("token endpoint response: %w: %v", ErrTokenCorrupt, err)
	}
	pair.ReceivedAt = m.now().Unix()
	if err := m.store.Save(pair); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}
