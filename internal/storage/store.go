// Package storage is the single shared mutable resource of the gateway.
// Every component mutates durable state through the transactional
// operations defined here; nothing else touches the database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"

	"github.com/meshline/ds-gateway/config"
)

// SQLite primary result codes the error mapping cares about.
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

// busyRetries bounds the local retry budget for contended transactions.
// Beyond it the failure surfaces as internal_error and the client may
// retry with the same msg_id.
const busyRetries = 2

type Store struct {
	db        *sqlx.DB
	log       *slog.Logger
	gatewayID string
}

// Open connects the backing engine and applies the schema. An empty
// db_path selects a process-private in-memory database with identical
// semantics and no durability.
func Open(cfg *config.Config, log *slog.Logger) (*Store, error) {
	dsn, memory := buildDSN(cfg.DBPath)

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if memory {
		// A shared-cache memory database disappears once the last
		// connection closes; a single connection also serializes
		// writers without busy churn.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Info("storage ready",
		slog.String("mode", modeName(memory)),
		slog.String("gateway_id", cfg.GatewayID))

	return &Store{db: db, log: log, gatewayID: cfg.GatewayID}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// GatewayID is the origin stamped onto locally accepted events.
func (s *Store) GatewayID() string { return s.gatewayID }

func modeName(memory bool) string {
	if memory {
		return "memory"
	}
	return "durable"
}

// buildDSN applies the durability knobs: WAL journaling, synchronous
// NORMAL, foreign keys on, busy timeout 5s, immediate transactions.
func buildDSN(path string) (dsn string, memory bool) {
	q := url.Values{}
	q.Add("_txlock", "immediate")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "busy_timeout(5000)")

	if path == "" {
		q.Set("mode", "memory")
		q.Set("cache", "shared")
		// Unique name per Open keeps concurrently opened stores (tests,
		// future multi-tenant embedding) from sharing one database.
		return "file:mem-" + uuid.NewString() + "?" + q.Encode(), true
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode(), false
}

// retryable reports whether the error is worth one more shot. SQLITE_BUSY
// escapes the busy_timeout only under sustained contention.
func retryable(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	return false
}

// isConstraint reports a SQLITE_CONSTRAINT failure of any flavor
// (UNIQUE, PRIMARY KEY, FOREIGN KEY).
func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqliteConstraint
}

// withTx runs fn inside one immediate transaction, retrying a bounded
// number of times when the engine reports contention.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !retryable(err) || attempt >= busyRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nowMs() int64 { return time.Now().UnixMilli() }
