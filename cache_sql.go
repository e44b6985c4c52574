package paygate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const decisionSchema = `CREATE TABLE IF NOT EXISTS paygate_decisions (
	cache_key  TEXT PRIMARY KEY,
	decision   TEXT NOT NULL,
	expires_at BIGINT NOT NULL
)`

// SQLCache keeps decisions in a SQL table. It runs on SQLite (driver
// "sqlite") or PostgreSQL (driver "postgres"). Expiry is stored as unix
// nanoseconds so the same schema works on both.
type SQLCache struct {
	db *sqlx.DB

	// Timeout bounds each Get and Put (default 500ms). A slow database
	// reads as a miss rather than holding the flow.
	Timeout time.Duration

	Logger *slog.Logger

	now func() time.Time
}

type decisionRow struct {
	Decision  string `db:"decision"`
	ExpiresAt int64  `db:"expires_at"`
}

// OpenSQLCache opens driver/dsn and creates the decisions table.
func OpenSQLCache(ctx context.Context, driver, dsn string) (*SQLCache, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open decision store: %w", err)
	}
	if driver == "sqlite" && strings.Contains(dsn, ":memory:") {
		// each connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	c := NewSQLCache(db)
	if err := c.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// NewSQLCache wraps an open database. Call Migrate before use.
func NewSQLCache(db *sqlx.DB) *SQLCache {
	return &SQLCache{db: db, Timeout: 500 * time.Millisecond, Logger: slog.Default(), now: time.Now}
}

func (c *SQLCache) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.Timeout)
}

// Migrate creates the decisions table if needed.
func (c *SQLCache) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, decisionSchema); err != nil {
		return fmt.Errorf("create decision table: %w", err)
	}
	return nil
}

// Get implements DecisionCache.
func (c *SQLCache) Get(ctx context.Context, host, path string) (Decision, bool) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	key := cacheKey(host, path)

	var row decisionRow
	err := c.db.GetContext(ctx, &row,
		c.db.Rebind(`SELECT decision, expires_at FROM paygate_decisions WHERE cache_key = ?`), key)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.Logger.Warn("decision cache read failed", "backend", c.db.DriverName(), "error", err)
		}
		return "", false
	}

	now := c.now().UnixNano()
	if row.ExpiresAt <= now {
		if _, err := c.db.ExecContext(ctx,
			c.db.Rebind(`DELETE FROM paygate_decisions WHERE cache_key = ? AND expires_at <= ?`), key, now); err != nil {
			c.Logger.Debug("expired decision delete failed", "error", err)
		}
		return "", false
	}

	d := Decision(row.Decision)
	if !d.Valid() {
		return "", false
	}
	return d, true
}

// Put implements DecisionCache.
func (c *SQLCache) Put(ctx context.Context, host, path string, d Decision, ttl time.Duration) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	key := cacheKey(host, path)

	var err error
	if ttl <= 0 || !d.Valid() {
		_, err = c.db.ExecContext(ctx, c.db.Rebind(`DELETE FROM paygate_decisions WHERE cache_key = ?`), key)
	} else {
		_, err = c.db.ExecContext(ctx, c.db.Rebind(`INSERT INTO paygate_decisions (cache_key, decision, expires_at)
VALUES (?, ?, ?)
ON CONFLICT (cache_key) DO UPDATE SET decision = excluded.decision, expires_at = excluded.expires_at`),
			key, string(d), c.now().Add(ttl).UnixNano())
	}
	if err != nil {
		c.Logger.Warn("decision cache write failed", "backend", c.db.DriverName(), "error", err)
	}
}

// Sweep deletes expired rows.
func (c *SQLCache) Sweep(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		c.db.Rebind(`DELETE FROM paygate_decisions WHERE expires_at <= ?`), c.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep decisions: %w", err)
	}
	return res.RowsAffected()
}

// StartJanitor sweeps every interval until stopped.
func (c *SQLCache) StartJanitor(interval time.Duration) (stop func()) {
	return startJanitor(interval, func() {
		if _, err := c.Sweep(context.Background()); err != nil {
			c.Logger.Warn("decision sweep failed", "error", err)
		}
	})
}

// Ping checks connectivity. Used as a readiness check.
func (c *SQLCache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database.
func (c *SQLCache) Close() error {
	return c.db.Close()
}
