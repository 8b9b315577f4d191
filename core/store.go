package core

// store.go – embedded SQLite store with a single logical writer.
//
// The writer handle is capped at one connection and opens transactions with
// BEGIN IMMEDIATE so lock acquisition fails fast instead of upgrading mid
// transaction. Readers open separate connections in read-only mode.

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Error classification
//---------------------------------------------------------------------

var (
	// ErrContended is returned when a write transaction cannot acquire the
	// database lock within the cumulative retry budget.
	ErrContended = errors.New("store: contended")
)

// IsBusy reports whether err is a transient SQLite lock error.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// IsConstraint reports whether err is a constraint violation (including the
// UNIQUE hit on duplicate event ids, which callers treat as success).
func IsConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

// IsSchema reports whether err is a schema mismatch (prepared statement
// raced a DDL change).
func IsSchema(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrSchema
	}
	return false
}

// IsIO reports whether err is a disk-level failure; fatal to the current
// transaction only.
func IsIO(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrIoErr || se.Code == sqlite3.ErrFull
	}
	return false
}

//---------------------------------------------------------------------
// Store
//---------------------------------------------------------------------

const (
	busyTimeout    = 30 * time.Second
	retryInitial   = 5 * time.Millisecond
	retryCap       = 200 * time.Millisecond
	retryBudget    = 30 * time.Second
	pageCacheBytes = 20 * 1024 * 1024
)

// Store owns the writer connection to the embedded database and hands out
// read-only connections on demand.
type Store struct {
	path   string
	db     *sql.DB // single writer
	logger *logrus.Logger

	mu sync.Mutex // serializes write transactions
}

// OpenStore opens (creating if necessary) the database at path and applies
// the pragma set the pipeline depends on: WAL journaling, NORMAL sync,
// foreign keys, a 30 s busy timeout and a ~20 MB page cache.
func OpenStore(path string, lg *logrus.Logger) (*Store, error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=1&_busy_timeout=%d&_txlock=immediate",
		path, busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	if _, err := db.Exec(fmt.Sprintf("PRAGMA cache_size = %d", -pageCacheBytes/1024)); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache pragma: %w", err)
	}
	s := &Store{path: path, db: db, logger: lg}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	lg.Infof("store: opened %s", path)
	return s, nil
}

// Close releases the writer handle.
func (s *Store) Close() error { return s.db.Close() }

// Reader opens an additional read-only connection. Callers own the handle.
func (s *Store) Reader() (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&mode=ro",
		s.path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	return db, nil
}

// WithTx runs fn inside one immediate write transaction, retrying the whole
// unit on busy errors with bounded exponential backoff. Any other error rolls
// back and is returned as-is.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.MaxInterval = retryCap
	bo.MaxElapsedTime = retryBudget

	op := func() error {
		tx, err := s.db.Begin() // BEGIN IMMEDIATE via _txlock
		if err != nil {
			if IsBusy(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if IsBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if IsBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	// backoff unwraps Permanent errors before returning them
	err := backoff.Retry(op, bo)
	if err != nil {
		if IsBusy(err) {
			s.logger.Warnf("store: write contention exhausted retry budget: %v", err)
			return ErrContended
		}
		return err
	}
	return nil
}

// Exec runs a single statement in its own write transaction.
func (s *Store) Exec(query string, args ...any) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	})
}

// QueryRow proxies a read through the writer handle. Hot paths should use a
// Reader connection instead.
func (s *Store) QueryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(query, args...)
}

// Query proxies a multi-row read through the writer handle.
func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(query, args...)
}
