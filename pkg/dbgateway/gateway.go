// SPDX-License-Identifier: Apache-2.0

// Package dbgateway wraps a pooled *sql.DB with the session settings and
// retry behaviour every operation needs: a bounded lock_timeout so a stuck
// DDL statement gives up rather than queuing forever, work_mem/
// maintenance_work_mem for the big sorts the index build and initial copy
// do, and exponential-backoff retry on lock_not_available.
package dbgateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/lib/pq"
)

const (
	lockNotAvailableCode pq.ErrorCode = "55P03"
	deadlockDetectedCode pq.ErrorCode = "40P01"

	maxBackoffDuration = 1 * time.Minute
	backoffInterval    = 1 * time.Second
)

// Settings holds the session GUCs applied to a connection each time it is
// checked out: lock_timeout, then work_mem, then maintenance_work_mem,
// both of the latter taken from WorkMem. MaintenanceWorkMem and
// ApplicationName are not applied.
type Settings struct {
	LockTimeout        time.Duration
	WorkMem            string
	MaintenanceWorkMem string
	ApplicationName    string
}

// Gateway is the single point of contact with Postgres. It owns the
// connection pool and applies Settings to its connections: since
// database/sql has no per-new-conn callback, Gateway runs the SET
// statements every time Acquire checks a connection out for a Scope.
type Gateway struct {
	db       *sql.DB
	settings Settings
	tracer   QueryTracer
}

// QueryTracer is called with every statement the gateway executes, letting
// callers (the CLI's --show-queries flag) print them as they run.
type QueryTracer func(query string, args ...interface{})

// Open creates a connection pool against connStr, sized to jobs connections,
// and records settings to be applied to every session.
func Open(connStr string, jobs int, settings Settings) (*Gateway, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}
	db.SetMaxOpenConns(jobs)
	db.SetMaxIdleConns(jobs)

	return &Gateway{db: db, settings: settings}, nil
}

// SetTracer installs a QueryTracer used for --show-queries output.
func (g *Gateway) SetTracer(t QueryTracer) {
	g.tracer = t
}

// Close closes the underlying pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Ping verifies connectivity and applies session settings once, surfacing
// connection failures (wrong host, auth, missing database) up front rather
// than on the first real statement.
func (g *Gateway) Ping(ctx context.Context) error {
	conn, err := g.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return g.applySettings(ctx, conn)
}

func (g *Gateway) applySettings(ctx context.Context, conn *sql.Conn) error {
	stmts := []string{
		fmt.Sprintf("set lock_timeout = %s", pq.QuoteLiteral(fmt.Sprintf("%dms", g.settings.LockTimeout.Milliseconds()))),
	}
	if g.settings.WorkMem != "" {
		stmts = append(stmts, fmt.Sprintf("set work_mem = %s", pq.QuoteLiteral(g.settings.WorkMem)))
		stmts = append(stmts, fmt.Sprintf("set maintenance_work_mem = %s", pq.QuoteLiteral(g.settings.WorkMem)))
	}
	for _, s := range stmts {
		g.trace(s)
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("apply session settings: %w", err)
		}
	}
	return nil
}

func (g *Gateway) trace(query string, args ...interface{}) {
	if g.tracer != nil {
		g.tracer(query, args...)
	}
}

// Scope is a single logical unit of work against one physical connection.
// Session settings are applied once, by Acquire, before the Scope is
// handed to the caller.
type Scope struct {
	conn *sql.Conn
	tx   *sql.Tx
	g    *Gateway
}

// Acquire checks out a connection, applies session settings, and returns a
// Scope. The caller must Release it.
func (g *Gateway) Acquire(ctx context.Context) (*Scope, error) {
	conn, err := g.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.applySettings(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Scope{conn: conn, g: g}, nil
}

// Release returns the connection to the pool.
func (s *Scope) Release() error {
	return s.conn.Close()
}

// Begin starts a transaction on the scope's connection.
func (s *Scope) Begin(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

// Commit commits the current transaction.
func (s *Scope) Commit() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	return tx.Commit()
}

// Rollback rolls back the current transaction.
func (s *Scope) Rollback() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	return tx.Rollback()
}

// Exec runs a statement, inside the open transaction if one has been
// started, otherwise directly on the connection.
func (s *Scope) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	s.g.trace(query, args...)
	if s.tx != nil {
		return s.tx.ExecContext(ctx, query, args...)
	}
	return s.conn.ExecContext(ctx, query, args...)
}

// Query runs a query, inside the open transaction if one has been started.
func (s *Scope) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	s.g.trace(query, args...)
	if s.tx != nil {
		return s.tx.QueryContext(ctx, query, args...)
	}
	return s.conn.QueryContext(ctx, query, args...)
}

// WithRetryableTransaction runs f in a fresh transaction on the gateway's
// pool, retrying the whole transaction with exponential backoff on
// lock_not_available: roll back and sleep rather than waiting
// indefinitely on a lock.
func (g *Gateway) WithRetryableTransaction(ctx context.Context, f func(context.Context, *Scope) error) error {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		scope, err := g.Acquire(ctx)
		if err != nil {
			return err
		}

		err = func() error {
			defer scope.Release()
			if err := scope.Begin(ctx); err != nil {
				return err
			}
			if err := f(ctx, scope); err != nil {
				_ = scope.Rollback()
				return err
			}
			return scope.Commit()
		}()
		if err == nil {
			return nil
		}

		if ClassifyError(err) == ErrKindLockContention {
			if sleepErr := sleepCtx(ctx, b.Duration()); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		return err
	}
}

// ScanFirstValue scans the first row's single column into dest, returning
// the zero value if the result set is empty.
func ScanFirstValue[T any](rows *sql.Rows, dest *T) error {
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(dest); err != nil {
			return err
		}
	}
	return rows.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// IsLockNotAvailable reports whether err is Postgres error 55P03, raised
// when lock_timeout expires waiting for a lock.
func IsLockNotAvailable(err error) bool {
	pqErr := &pq.Error{}
	return errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableCode
}

// IsDeadlockDetected reports whether err is Postgres error 40P01.
func IsDeadlockDetected(err error) bool {
	pqErr := &pq.Error{}
	return errors.As(err, &pqErr) && pqErr.Code == deadlockDetectedCode
}
