package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

// SQLite stores records in a single table with an expiry column. Expired
// rows are ignored on read and pruned every pruneEvery writes.
type SQLite struct {
	db  *sql.DB
	ns  string
	log logx.Logger
	now func() time.Time

	writes     atomic.Uint64
	pruneEvery uint64
}

func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration, namespace string, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY out of the picture.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &SQLite{db: db, ns: namespace, log: log, now: time.Now, pruneEvery: 500}, nil
}

func (s *SQLite) HasSent(ctx context.Context, k Key) (bool, error) {
	_, ok, err := s.Lookup(ctx, k)
	return ok, err
}

func (s *SQLite) MarkSent(ctx context.Context, k Key, value string, ttl time.Duration) error {
	if err := k.validate(); err != nil {
		return err
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent(key, value, sent_at, expires_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, sent_at=excluded.sent_at, expires_at=excluded.expires_at`,
		namespaced(s.ns, k), value, now.UnixMilli(), expiry(now, ttl),
	)
	if err != nil {
		return unavailable("mark_sent", err)
	}
	if s.writes.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("ledger prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *SQLite) Lookup(ctx context.Context, k Key) (string, bool, error) {
	if err := k.validate(); err != nil {
		return "", false, err
	}
	var (
		value string
		until int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM sent WHERE key = ?`, namespaced(s.ns, k)).Scan(&value, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("lookup", err)
	}
	if !live(until, s.now()) {
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLite) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sent WHERE expires_at > 0 AND expires_at <= ?`, s.now().UnixMilli())
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
