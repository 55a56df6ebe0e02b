// Package postgres implements the remote identity directory and record store
// on the central Postgres database.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"edgeattend/internal/remote"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the connection. ConnectTimeout bounds dialing;
// QueryTimeout bounds each statement once connected.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	MaxOpenConns   int
}

// Client talks to the central database through database/sql with the pgx driver.
type Client struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// Open parses cfg.URL and returns a client. It does not dial; the first
// query or Ping does.
func Open(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgres: database url required")
	}
	connCfg, err := pgx.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		connCfg.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)
	return &Client{db: db, queryTimeout: cfg.QueryTimeout}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB, queryTimeout time.Duration) *Client {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &Client{db: db, queryTimeout: queryTimeout}
}

// Close closes the underlying pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Ping verifies the database is reachable. It doubles as a connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return classify("ping", c.db.PingContext(ctx))
}

// Migrate creates the remote tables if missing. Used for development setups.
func (c *Client) Migrate(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, schemaSQL)
	return classify("migrate", err)
}

// Lookup resolves a roster number to the identity's id.
func (c *Client) Lookup(ctx context.Context, identityNumber string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var id string
	err := c.db.QueryRowContext(ctx, `
		SELECT id FROM identities WHERE identity_number = $1 AND active
	`, identityNumber).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", remote.Application("identity_lookup", "not_found",
			fmt.Errorf("identity %s: %w", identityNumber, remote.ErrNotFound))
	}
	if err != nil {
		return "", classify("identity_lookup", err)
	}
	return id, nil
}

// Insert writes the record keyed by its idempotency key. A replay of an
// already-inserted key returns the existing id.
func (c *Client) Insert(ctx context.Context, rec remote.Record) (string, error) {
	if rec.IdempotencyKey == "" {
		return "", remote.Application("record_insert", "invalid", errors.New("idempotency key required"))
	}
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var artifact any
	if rec.ArtifactURL != "" {
		artifact = rec.ArtifactURL
	}
	var id string
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (idempotency_key, identity_id, session, date, time, occurred_at,
			scan_type, status, artifact_url, device_id)
		VALUES ($1, $2, $3, $4::text::date, $5::text::time, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
		RETURNING id
	`, rec.IdempotencyKey, rec.IdentityID, rec.Session, rec.Date, rec.Time, rec.OccurredAt.UTC(),
		rec.ScanType, rec.Status, artifact, rec.DeviceID).Scan(&id)
	if err != nil {
		return "", classify("record_insert", err)
	}
	return id, nil
}

// classify maps driver errors onto the remote taxonomy. Server-side
// rejections are application errors unless their SQLSTATE says the server
// is unavailable; everything that never reached a server is transport.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientState(pgErr.Code) {
			return remote.Transport(op, err)
		}
		return remote.Application(op, pgErr.Code, err)
	}
	return remote.Transport(op, err)
}

func transientState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case strings.HasPrefix(code, "53"): // insufficient resources
		return true
	case code == "57P01", code == "57P02", code == "57P03": // shutdown, cannot connect now
		return true
	case code == "40001", code == "40P01": // serialization failure, deadlock
		return true
	}
	return false
}
