// Package sqlite implements the storage interfaces using SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Options tunes the connection pragmas.
type Options struct {
	BusyTimeoutMs int    // 0 = default 5000
	Fast          bool   // lowers synchronous from FULL to NORMAL
	OnRetry       func() // invoked once per write retried on contention
}

// Store implements storage.Store using SQLite.
type Store struct {
	write   *sql.DB // single-writer connection
	read    *sql.DB // multi-reader pool
	path    string  // "" for :memory:
	onRetry func()
}

// New opens a SQLite database, runs migrations, and returns a Store.
// A file-copy backup is taken before destructive migration steps when the
// database predates them.
func New(dsn string, opts Options) (*Store, error) {
	busy := opts.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}
	sync := "FULL"
	if opts.Fast {
		sync = "NORMAL"
	}
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(" + strconv.Itoa(busy) +
		")&_pragma=synchronous(" + sync + ")&_pragma=foreign_keys(1)"

	// For :memory: databases, use shared cache so read/write pools share the same data
	var fullDSN, path string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		path = dsn
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write, path); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read, path: path, onRetry: opts.OnRetry}, nil
}

// runMigrations applies the registered Go migrations using goose. When the
// database is behind the first destructive step and already holds data (a
// legacy file), the file is copied aside first.
func runMigrations(db *sql.DB, path string) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, nil,
		goose.WithGoMigrations(migrations()...))
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	ctx := context.Background()
	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("db version: %w", err)
	}
	if path != "" && version < legacyRewriteVersion {
		if err := backupLegacyFile(ctx, db, path); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
	}

	_, err = provider.Up(ctx)
	return err
}

// backupLegacyFile copies the database file aside when it already contains
// account data. The WAL is folded in first so the copy is self-contained.
func backupLegacyFile(ctx context.Context, db *sql.DB, path string) error {
	ok, err := hasTable(ctx, db, "accounts")
	if err != nil || !ok {
		return err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return err
	}
	dst := path + ".backup-" + strconv.FormatInt(time.Now().Unix(), 10)
	return copyFile(path, dst)
}

func hasTable(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name,
	).Scan(&n)
	return n > 0, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Ping verifies database connectivity by pinging the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Optimize checkpoints the WAL and refreshes the query planner statistics.
func (s *Store) Optimize(ctx context.Context) error {
	if _, err := s.write.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
		return err
	}
	_, err := s.write.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

// Compact truncates the WAL and rebuilds the database file.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.write.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return err
	}
	_, err := s.write.ExecContext(ctx, `VACUUM`)
	return err
}

// Close runs a truncating checkpoint and closes both pools.
func (s *Store) Close() error {
	_, ckErr := s.write.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return errors.Join(ckErr, s.write.Close(), s.read.Close())
}
