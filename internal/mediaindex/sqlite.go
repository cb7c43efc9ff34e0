package mediaindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Index using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// Open opens (creating if needed) the index database at dbPath.
func Open(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	// WAL lets a concurrent run read while another writes; busy_timeout
	// covers short write contention between processes.
	dsn := "file:" + (&url.URL{Path: dbPath}).EscapedPath() +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS media (
		fingerprint TEXT NOT NULL PRIMARY KEY,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		first_seen DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(query)
	return err
}

// Lookup retrieves an entry by fingerprint.
func (s *SQLiteStore) Lookup(ctx context.Context, fingerprint string) (*Entry, error) {
	if s.closed {
		return nil, fmt.Errorf("media index is closed")
	}

	var result *Entry
	err := s.retryOnBusy(ctx, func() error {
		var err error
		result, err = s.lookup(ctx, s.db, fingerprint)
		return err
	})
	return result, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) lookup(ctx context.Context, q queryer, fingerprint string) (*Entry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT fingerprint, path, size, first_seen FROM media WHERE fingerprint = ?`, fingerprint)

	var e Entry
	err := row.Scan(&e.Fingerprint, &e.Path, &e.Size, &e.FirstSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutIfAbsent inserts entry unless its fingerprint already exists.
func (s *SQLiteStore) PutIfAbsent(ctx context.Context, entry Entry) (Entry, bool, error) {
	if s.closed {
		return Entry{}, false, fmt.Errorf("media index is closed")
	}
	if entry.FirstSeen.IsZero() {
		entry.FirstSeen = time.Now().UTC()
	}

	// Serialize writes to avoid SQLITE_BUSY from our own connections
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		winner   Entry
		inserted bool
	)
	err := s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() // This will be ignored if Commit() succeeds

		res, err := tx.ExecContext(ctx, `
		INSERT INTO media (fingerprint, path, size, first_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
		`, entry.Fingerprint, entry.Path, entry.Size, entry.FirstSeen)
		if err != nil {
			return fmt.Errorf("failed to execute insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		current, err := s.lookup(ctx, tx, entry.Fingerprint)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("entry %s vanished after insert", entry.Fingerprint)
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		winner, inserted = *current, n == 1
		return nil
	})
	return winner, inserted, err
}

// Repoint changes the canonical path of fingerprint.
func (s *SQLiteStore) Repoint(ctx context.Context, fingerprint, path string) error {
	if s.closed {
		return fmt.Errorf("media index is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE media SET path = ? WHERE fingerprint = ?`, path, fingerprint)
		return err
	})
}

// Count returns the number of indexed fingerprints.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media`).Scan(&n)
	})
	return n, err
}

// retryOnBusy retries the operation while SQLite reports lock contention.
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		err := operation()
		if err != nil && !isSQLiteBusyError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
