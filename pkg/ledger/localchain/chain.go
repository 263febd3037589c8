// Package localchain is a self-hosted, append-only registry ledger on
// database/sql.
//
// Submitted transactions wait in registry_txs until a sealer groups them into
// a block. Blocks are hash-chained over RFC 8785 canonical JSON, so any edit
// to a sealed row is detected by VerifyChain. The registry contract is
// first-writer-wins: a record for an already included fingerprint reverts.
// A transaction is final once its block is Confirmations deep.
package localchain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/echocrypt/pkg/ledger"
	"github.com/Mindburn-Labs/echocrypt/pkg/wallet"
)

// Tx states as stored in registry_txs.
const (
	txPending  = "PENDING"
	txIncluded = "INCLUDED"
	txReverted = "REVERTED"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Dialect selects placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Config configures a Chain.
type Config struct {
	// Confirmations is the block depth at which a transaction is final. Minimum 1.
	Confirmations uint64
	PollInterval  time.Duration
	Wallets       wallet.Provider
	Clock         func() time.Time
	Logger        *slog.Logger
}

// Chain implements ledger.Client on a SQL database.
type Chain struct {
	db      *sql.DB
	dialect Dialect
	cfg     Config
	logger  *slog.Logger
}

var _ ledger.Client = (*Chain)(nil)

// New wraps an open database. Call Init before use.
func New(db *sql.DB, dialect Dialect, cfg Config) *Chain {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = ledger.DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		db:      db,
		dialect: dialect,
		cfg:     cfg,
		logger:  logger.With("component", "localchain"),
	}
}

// Open connects to databaseURL. "postgres://" and "postgresql://" URLs use
// lib/pq; anything else is treated as a SQLite path or DSN.
func Open(ctx context.Context, databaseURL string, cfg Config) (*Chain, error) {
	driver, dsn, dialect := "sqlite", databaseURL, DialectSQLite
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver, dialect = "postgres", DialectPostgres
	} else {
		dsn = strings.TrimPrefix(databaseURL, "sqlite://")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("localchain: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// One writer; avoids SQLITE_BUSY between the sealer and submitters.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ledger.ErrNetworkUnavailable, err)
	}

	c := New(db, dialect, cfg)
	if err := c.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS registry_txs (
	tx_id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	owner TEXT NOT NULL,
	storage_ref TEXT NOT NULL,
	nonce TEXT NOT NULL,
	signature TEXT NOT NULL,
	submitted_at BIGINT NOT NULL,
	state TEXT NOT NULL,
	block_number BIGINT NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS registry_txs_state ON registry_txs (state);
CREATE INDEX IF NOT EXISTS registry_txs_block ON registry_txs (block_number);
CREATE TABLE IF NOT EXISTS registry_blocks (
	number BIGINT PRIMARY KEY,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	sealed_at BIGINT NOT NULL,
	tx_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS registry_entries (
	fingerprint TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	storage_ref TEXT NOT NULL,
	tx_id TEXT NOT NULL,
	block_number BIGINT NOT NULL
);
`

// Init creates the ledger tables.
func (c *Chain) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("localchain: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (c *Chain) Close() error {
	return c.db.Close()
}

func (c *Chain) Health(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrNetworkUnavailable, err)
	}
	return nil
}

// head returns the latest block number, 0 when no block has been sealed.
func (c *Chain) head(ctx context.Context, q queryer) (uint64, string, error) {
	var (
		number int64
		hash   string
	)
	err := q.QueryRowContext(ctx, c.dialect.rebind(
		`SELECT number, hash FROM registry_blocks ORDER BY number DESC LIMIT 1`)).Scan(&number, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, genesisHash, nil
	}
	if err != nil {
		return 0, "", err
	}
	return uint64(number), hash, nil //nolint:gosec // block numbers are non-negative
}

// final reports whether a transaction included at block is deep enough under head.
func (c *Chain) final(block, head uint64) bool {
	return block > 0 && head >= block && head-block+1 >= c.cfg.Confirmations
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
