package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/agentworkforce/amorelay/internal/amocrm"
	"github.com/agentworkforce/amorelay/internal/httpapi"
	"github.com/agentworkforce/amorelay/internal/settings"
)

type commands struct {
	load func() (settings.Settings, error)
}

type tokenClients struct {
	settings settings.Settings
	oauth    *amocrm.OAuthManager
	store    *amocrm.FileTokenStore
}

func (c *commands) clients() (tokenClients, error) {
	cfg, err := c.load()
	if err != nil {
		return tokenClients{}, err
	}
	store, err := amocrm.NewFileTokenStore(cfg.AMO.TokenPath)
	if err != nil {
		return tokenClients{}, err
	}
	doer := amocrm.NewHTTPClient(amocrm.HTTPClientOptions{
		Timeout:           cfg.HTTPTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
	oauth, err := amocrm.NewOAuthManager(cfg.AMO, store, doer)
	if err != nil {
		return tokenClients{}, err
	}
	return tokenClients{settings: cfg, oauth: oauth, store: store}, nil
}

func (c *commands) printAuthorizationURL(ctx *cli.Context) error {
	tc, err := c.clients()
	if err != nil {
		return err
	}
	out := console{w: ctx.App.Writer}
	out.Info("Open this URL to authorize amorelay:")
	out.Field("", tc.oauth.AuthorizationURL())
	return nil
}

func (c *commands) exchange(ctx *cli.Context) error {
	tc, err := c.clients()
	if err != nil {
		return err
	}
	out := console{w: ctx.App.Writer}
	pair, err := tc.oauth.ExchangeCode(ctx.Context, ctx.String("code"))
	if err != nil {
		return out.Error("Code exchange failed: %s", err)
	}
	out.Success("Token stored at %s", tc.store.Path())
	printExpiry(out, pair, time.Now())
	return nil
}

func (c *commands) refresh(ctx *cli.Context) error {
	tc, err := c.clients()
	if err != nil {
		return err
	}
	out := console{w: ctx.App.Writer}
	pair, err := tc.oauth.Refresh(ctx.Context)
	if err != nil {
		return out.Error("Refresh failed: %s", err)
	}
	out.Success("Token refreshed")
	printExpiry(out, pair, time.Now())
	return nil
}

func (c *commands) status(ctx *cli.Context) error {
	tc, err := c.clients()
	if err != nil {
		return err
	}
	out := console{w: ctx.App.Writer}
	out.Field("Token file: ", tc.store.Path())
	pair, err := tc.store.Load()
	switch {
	case errors.Is(err, amocrm.ErrTokenNotFound):
		out.Warning("No token stored; run `amorelay-auth url` and `amorelay-auth exchange`")
		return nil
	case err != nil:
		return out.Error("Token file unreadable: %s", err)
	}
	out.Field("Token type: ", nonEmpty(pair.TokenType, "unknown"))
	printExpiry(out, pair, time.Now())
	return nil
}

func printExpiry(out console, pair amocrm.TokenPair, now time.Time) {
	expiresAt := pair.ExpiresAt()
	switch {
	case expiresAt.IsZero():
		out.Field("Expires:    ", "unknown")
	case !now.Before(expiresAt):
		out.Warning("Expired at %s", expiresAt.Format(time.RFC3339))
	default:
		out.Field("Expires:    ", expiresAt.Format(time.RFC3339)+" (in "+expiresAt.Sub(now).Truncate(time.Minute).String()+")")
	}
}

func (c *commands) adminToken(ctx *cli.Context) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	out := console{w: ctx.App.Writer}
	if cfg.AdminJWTSecret == "" {
		return out.Error("AMORELAY_ADMIN_JWT_SECRET is not set; admin routes are open")
	}
	token, expiresAt, err := httpapi.IssueAdminToken(cfg.AdminJWTSecret, ctx.String("subject"), ctx.StringSlice("scope"), ctx.Duration("ttl"), time.Now())
	if err != nil {
		return out.Error("Failed to issue token: %s", err)
	}
	out.Field("", token)
	out.Info("Valid until %s", expiresAt.Format(time.RFC3339))
	return nil
}

type tokenRefresher interface {
	Refresh(ctx context.Context) (amocrm.TokenPair, error)
}

type watchOptions struct {
	Interval time.Duration
	Margin   time.Duration
	Jitter   float64
	Timeout  time.Duration
	Once     bool
	Now      func() time.Time
	Sample   func() float64
}

func (c *commands) watch(ctx *cli.Context) error {
	tc, err := c.clients()
	if err != nil {
		return err
	}
	rootCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return runWatch(rootCtx, tc.oauth, tc.store, watchOptions{
		Interval: ctx.Duration("interval"),
		Margin:   ctx.Duration("margin"),
		Jitter:   ctx.Float64("jitter"),
		Timeout:  ctx.Duration("timeout"),
		Once:     ctx.Bool("once"),
		Sample:   rng.Float64,
	}, log.Default())
}

// runWatch checks the stored token immediately and then on a jittered
// interval, refreshing whenever it expires within the margin.
func runWatch(ctx context.Context, oauth tokenRefresher, store amocrm.TokenStore, opts watchOptions, logger amocrm.Logger) error {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sample == nil {
		opts.Sample = func() float64 { return 0.5 }
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)

	run := func() {
		checkCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		refreshed, err := refreshIfDue(checkCtx, oauth, store, opts.Margin, opts.Now())
		switch {
		case errors.Is(err, amocrm.ErrTokenNotFound):
			logger.Printf("token watch: no token stored yet")
		case err != nil:
			logger.Printf("token watch cycle failed: %v", err)
		case refreshed:
			logger.Printf("token watch: token refreshed")
		}
	}

	run()
	if opts.Once {
		return nil
	}

	timer := time.NewTimer(jitteredIntervalWithSample(opts.Interval, opts.Jitter, opts.Sample()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Printf("token watch stopping: %v", ctx.Err())
			return nil
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(opts.Interval, opts.Jitter, opts.Sample()))
		}
	}
}

func refreshIfDue(ctx context.Context, oauth tokenRefresher, store amocrm.TokenStore, margin time.Duration, now time.Time) (bool, error) {
	pair, err := store.Load()
	if err != nil {
		return false, err
	}
	if !refreshDue(pair, margin, now) {
		return false, nil
	}
	if _, err := oauth.Refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// refreshDue reports whether pair expires within margin of now. A pair with no
// expiry data is always due.
func refreshDue(pair amocrm.TokenPair, margin time.Duration, now time.Time) bool {
	expiresAt := pair.ExpiresAt()
	if expiresAt.IsZero() {
		return true
	}
	return !now.Add(margin).Before(expiresAt)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func nonEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
