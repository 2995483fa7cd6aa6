package amocrm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDedupTableName   = "amorelay_seen_events"
	postgresOperationTimeout = 5 * time.Second
	postgresPurgeInterval    = time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresDeduplicator shares the seen-event set between server replicas.
type PostgresDeduplicator struct {
	dsn       string
	tableName string
	ttl       time.Duration
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	stop func()
	done chan struct{}
}

func NewPostgresDeduplicator(dsn string, ttl time.Duration) (*PostgresDeduplicator, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &PostgresDeduplicator{
		dsn:       dsn,
		tableName: postgresDedupTableName,
		ttl:       ttl,
		openDB:    sql.Open,
	}, nil
}

func (d *PostgresDeduplicator) SeenBefore(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrInvalidInput
	}
	if err := d.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// A row comes back only when the key was new or its previous entry had
	// expired; otherwise the conflict update is filtered out.
	query := fmt.Sprintf(`
		INSERT INTO %s (event_key, expires_at)
		VALUES ($1, NOW() + ($2::double precision * INTERVAL '1 millisecond'))
		ON CONFLICT (event_key)
		DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE %s.expires_at <= NOW()
		RETURNING event_key`, postgresQuoteIdentifier(d.tableName), postgresQuoteIdentifier(d.tableName))
	var stored string
	err := d.db.QueryRowContext(ctx, query, key, d.ttl.Milliseconds()).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// Purge deletes expired rows.
func (d *PostgresDeduplicator) Purge(ctx context.Context) (int64, error) {
	if err := d.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= NOW()", postgresQuoteIdentifier(d.tableName))
	res, err := d.db.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartPurging runs Purge every interval until Close. Calling it again while
// a loop is running is a no-op.
func (d *PostgresDeduplicator) StartPurging(interval time.Duration, logger Logger) {
	if d == nil || d.stop != nil {
		return
	}
	if interval <= 0 {
		interval = postgresPurgeInterval
	}
	logger = loggerOrDefault(logger)
	ctx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.Purge(ctx); err != nil && ctx.Err() == nil {
					logger.Printf("dedup purge failed: %v", err)
				}
			}
		}
	}()
}

func (d *PostgresDeduplicator) Close() error {
	if d == nil {
		return nil
	}
	if d.stop != nil {
		d.stop()
		<-d.done
	}
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *PostgresDeduplicator) ensureReady() error {
	if d == nil {
		return ErrInvalidInput
	}
	d.initOnce.Do(func() {
		db, err := d.openDB("postgres", d.dsn)
		if err != nil {
			d.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				event_key TEXT PRIMARY KEY,
				expires_at TIMESTAMPTZ NOT NULL
			)`, postgresQuoteIdentifier(d.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			d.initErr = err
			return
		}
		d.db = db
	})
	return d.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
