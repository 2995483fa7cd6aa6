package amocrm

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type HTTPRequest struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

type HTTPResponse struct {
	StatusCode int
	Body       []byte
}

type HTTPDoer interface {
	Do(ctx context.Context, req HTTPRequest) (HTTPResponse, error)
}

type HTTPClientOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// RequestsPerSecond paces outbound calls; zero or negative disables pacing.
	RequestsPerSecond float64
	UserAgent         string
}

type HTTPClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "amorelay/1.0"
	}
	return &HTTPClient{
		httpClient: httpClient,
		limiter:    limiter,
		userAgent:  userAgent,
	}
}

// Do sends one request. Any HTTP status is a successful exchange; only
// transport failures are returned as errors.
func (c *HTTPClient) Do(ctx context.Context, r HTTPRequest) (HTTPResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodGet
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return HTTPResponse{}, &TransportError{Method: method, URL: r.URL, Err: err}
		}
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return HTTPResponse{}, &TransportError{Method: method, URL: r.URL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for key, values := range r.Header {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HTTPResponse{}, &TransportError{Method: method, URL: r.URL, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return HTTPResponse{}, &TransportError{Method: method, URL: r.URL, Err: readErr}
	}
	return HTTPResponse{StatusCode: resp.StatusCode, Body: payload}, nil
}
