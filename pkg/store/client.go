/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/clock"

	reserrors "github.com/gpu-dev/reservoir/pkg/errors"
)

const (
	// txAttempts bounds retries of transactions that hit serialization
	// failures before the error is surfaced.
	txAttempts = 5
	// dequeuePollInterval paces the long-poll loop between empty reads.
	dequeuePollInterval = 500 * time.Millisecond
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, letting
// one query layer serve both the pool-backed client and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements every row operation against a querier. locking selects
// FOR UPDATE inside transactions so re-reads stay stable.
type queries struct {
	q       querier
	queue   string
	locking bool
}

// Client is the postgres-backed Store.
type Client struct {
	queries
	pool *pgxpool.Pool
	clk  clock.Clock
}

// storeTx is the transactional surface bound to one open pgx.Tx.
type storeTx struct {
	queries
}

// NewPool builds a pgx connection pool for the given database URL. Stale
// connections are detected by a no-op probe before each checkout and
// discarded; the pool auto-refills.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url, %w", err)
	}
	cfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return conn.Ping(ctx) == nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool, %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database, %w", err)
	}
	return pool, nil
}

// NewClient wraps a pool as a Store serving the named queue.
func NewClient(pool *pgxpool.Pool, queueName string, clk clock.Clock) *Client {
	return &Client{
		queries: queries{q: pool, queue: QueueTableName(queueName)},
		pool:    pool,
		clk:     clk,
	}
}

// QueueTableName returns the table backing the named queue, sanitized to a
// plain identifier.
func QueueTableName(queueName string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, queueName)
	return "queue_" + sanitized
}

// Migrate applies the schema. Every statement is idempotent so this is safe
// to run on every startup.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(c.queue) {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema, %w", err)
		}
	}
	return nil
}

// WithTx runs fn against a serializable snapshot with automatic rollback on
// error. Serialization failures and deadlocks retry with jittered backoff up
// to txAttempts; everything else surfaces immediately.
func (c *Client) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var err error
	for attempt := range txAttempts {
		err = pgx.BeginTxFunc(ctx, c.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(pgxTx pgx.Tx) error {
			return fn(ctx, &storeTx{queries{q: pgxTx, queue: c.queue, locking: true}})
		})
		if err == nil || !reserrors.IsSerializationFailure(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clk.After(txBackoff(attempt)):
		}
	}
	return fmt.Errorf("retrying serialization failure %d times, %w", txAttempts, err)
}

func txBackoff(attempt int) time.Duration {
	base := 20 * time.Millisecond << attempt
	return base/2 + rand.N(base/2+1)
}
