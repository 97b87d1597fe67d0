package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Port is the provisioner's sole dependency on the relational store. work
// runs inside a transaction against Queries; returning an error rolls it
// back.
type Port interface {
	Run(ctx context.Context, work func(context.Context, *Queries) error) error
	Close()
}

// PoolPort is a Port backed by a pgxpool.Pool, suited to the long-lived
// server process that handles concurrent builds for many apps.
type PoolPort struct {
	pool *pgxpool.Pool
}

// NewPoolPort opens a pooled connection to connString, tracing every query
// with otelpgx the way the rest of the domain stack is instrumented.
func NewPoolPort(ctx context.Context, connString string) (*PoolPort, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PoolPort{pool: pool}, nil
}

// Run executes work inside a transaction borrowed from the pool.
func (p *PoolPort) Run(ctx context.Context, work func(context.Context, *Queries) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := work(ctx, New(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *PoolPort) Close() { p.pool.Close() }

// ConnPort is a Port backed by a single pgx.Conn, suited to the
// short-lived provisionctl CLI that issues one build and exits. A pgx.Conn
// is not safe for concurrent use, so Run calls are serialized; the build
// pipeline and the journaling loop both go through here.
type ConnPort struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// NewConnPort opens a single connection to connString.
func NewConnPort(ctx context.Context, connString string) (*ConnPort, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &ConnPort{conn: conn}, nil
}

// Run executes work inside a transaction on the single connection.
func (c *ConnPort) Run(ctx context.Context, work func(context.Context, *Queries) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := work(ctx, New(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the connection, best effort.
func (c *ConnPort) Close() {
	_ = c.conn.Close(context.Background())
}
