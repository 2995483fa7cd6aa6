package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentworkforce/amorelay/internal/amocrm"
	"github.com/agentworkforce/amorelay/internal/httpapi"
	"github.com/agentworkforce/amorelay/internal/settings"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := settings.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	app, err := buildApp(cfg, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	err = serve(cfg.Addr, app)
	if closeErr := app.Close(); closeErr != nil {
		log.Printf("shutdown cleanup failed: %v", closeErr)
	}
	if err != nil {
		log.Printf("server failed: %v", err)
		os.Exit(1)
	}
}

// serve runs the HTTP server until it fails or a shutdown signal arrives.
func serve(addr string, app *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("amorelay listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Printf("amorelay stopping: %v", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
		return nil
	}
}

type app struct {
	handler http.Handler
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildApp(cfg settings.Settings, logger amocrm.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		_ = a.Close()
		return nil, err
	}

	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	doer := amocrm.NewHTTPClient(amocrm.HTTPClientOptions{
		Timeout:           cfg.HTTPTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})

	fileStore, err := amocrm.NewFileTokenStore(cfg.AMO.TokenPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(fileStore.Path()), 0o700); err != nil {
		return nil, err
	}
	tokens, err := amocrm.NewWatchedTokenStore(fileStore, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, tokens)

	oauth, err := amocrm.NewOAuthManager(cfg.AMO, tokens, doer)
	if err != nil {
		return fail(err)
	}
	api := amocrm.NewAPIClient(cfg.AMO, tokens, doer)

	dedup, err := amocrm.BuildDeduplicatorFromDSN(cfg.DedupDSN, cfg.DedupTTL, logger)
	if err != nil {
		return fail(err)
	}
	if closer, ok := dedup.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}

	notes := httpapi.NewNoteHub(0)
	dispatcher := amocrm.NewDispatcher(api, dedup, amocrm.NewDiffEngine(amocrm.NewLinkedNames(api, logger)), amocrm.DispatcherOptions{
		Logger:   logger,
		Location: location,
		Sink:     notes,
	})
	a.handler = httpapi.NewServer(oauth, dispatcher, notes, httpapi.ServerConfig{
		AdminJWTSecret:  cfg.AdminJWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		DispatchTimeout: cfg.WebhookTimeout,
		Logger:          logger,
	})
	return a, nil
}
