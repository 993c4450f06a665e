package storage

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/spdigital/kiosk-zoom/log"
)

// MemoryPath opens a SQLite database that lives in memory only.
const MemoryPath = ":memory:"

//go:embed migrations/*.sql
var migrations embed.FS

// OpenSQLite opens (creating it if needed) the SQLite database at path,
// brings its schema up to date and returns a store backed by it.
func OpenSQLite(ctx context.Context, path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}

	dsn := path
	if path != MemoryPath {
		cp := filepath.Clean(path)
		if dir := filepath.Dir(cp); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "creating store directory %q", dir)
			}
		}
		dsn = cp + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening store %q", path)
	}
	// A single connection: the store loop is the only writer and an in-memory
	// database only lives as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "pinging store %q", path)
	}
	if err := migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Infof("storage:OpenSQLite", "store initialized at %s", path)
	return newStore(&sqliteDriver{db: db}, logger), nil
}

func migrate(ctx context.Context, db *sql.DB, logger *log.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "loading store migrations")
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return errors.Wrap(err, "preparing store migrations")
	}
	results, err := p.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "migrating store")
	}
	for _, r := range results {
		logger.Debugf("storage:migrate", "applied %s in %s", r.Source.Path, r.Duration)
	}
	return nil
}

type sqliteDriver struct {
	db *sql.DB
}

func (d *sqliteDriver) get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "querying kv")
	}
	return []byte(value), true, nil
}

func (d *sqliteDriver) put(ctx context.Context, key string, value []byte) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UnixMilli())
	return errors.Wrap(err, "upserting kv")
}

func (d *sqliteDriver) del(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrap(err, "deleting kv")
}

func (d *sqliteDriver) close() error {
	return errors.Wrap(d.db.Close(), "closing store")
}
