package thumb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/bsedit/bsmap"
	_ "modernc.org/sqlite"
)

// Cache persists rendered thumbnails in an sqlite database so they survive
// restarts. Keys include the environment digest, so stale entries are never
// returned after templates change; Prune drops them.
type Cache struct {
	db *sql.DB
}

func OpenCache(path string) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("empty cache path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS thumbnails (
			key TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS thumbnails_digest ON thumbnails(digest);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("thumb cache schema: %w", err)
		}
	}
	return nil
}

// Get returns the cached thumbnail for key, or nil when there is none.
func (c *Cache) Get(ctx context.Context, key string) (*bsmap.Thumbnail, error) {
	var th bsmap.Thumbnail
	row := c.db.QueryRowContext(ctx, `SELECT width, height, data FROM thumbnails WHERE key = ?`, key)
	if err := row.Scan(&th.Width, &th.Height, &th.Data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &th, nil
}

func (c *Cache) Put(ctx context.Context, key, digest string, th *bsmap.Thumbnail) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO thumbnails(key, digest, width, height, data, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		key, digest, th.Width, th.Height, th.Data, time.Now().Unix())
	return err
}

// Prune deletes every entry rendered for a digest other than keep and
// returns how many rows went away.
func (c *Cache) Prune(ctx context.Context, keep string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM thumbnails WHERE digest <> ?`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *Cache) Close() error { return c.db.Close() }
