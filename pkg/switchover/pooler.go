// SPDX-License-Identifier: Apache-2.0

// Package switchover drives the CONVERGE → LOCKING → CUTTING_OVER state
// machine and, when configured, the pgbouncer PAUSE/RESUME admin
// subprotocol that lets the coordinator acquire the exclusive lock without
// racing new client connections.
package switchover

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xataio/tatctl/internal/connstr"
	"github.com/xataio/tatctl/pkg/dbgateway"
)

// PoolerConfig configures the optional pgbouncer admin connection. A zero
// value (Host == "") disables pooler coordination entirely.
type PoolerConfig struct {
	Host               string
	Port               int
	PauseTimeout       time.Duration
	TimeBetweenPause   time.Duration
}

// Enabled reports whether pooler coordination was configured.
func (c PoolerConfig) Enabled() bool {
	return c.Host != ""
}

// Pooler holds the single always-open autocommit admin connection to
// pgbouncer's virtual "pgbouncer" database. It uses pgx rather than lib/pq
// because pgx's *pgx.Conn gives a context-scoped cancel path for the
// in-flight PAUSE command, which the pause-timeout guard needs.
type Pooler struct {
	cfg  PoolerConfig
	conn *pgx.Conn
}

// Connect opens the admin connection. Returns nil, nil if pooler
// coordination is not configured.
func Connect(ctx context.Context, cfg PoolerConfig) (*Pooler, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	connStr := fmt.Sprintf("postgres://%s:%d/pgbouncer", cfg.Host, cfg.Port)
	connStr, err := connstr.WithApplicationName(connStr, "tatctl")
	if err != nil {
		return nil, &dbgateway.PoolerError{Op: "connect", Err: err}
	}

	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, &dbgateway.PoolerError{Op: "connect", Err: err}
	}

	return &Pooler{cfg: cfg, conn: conn}, nil
}

// Close closes the admin connection.
func (p *Pooler) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.conn.Close(ctx)
}

// alreadyPausedReply is the literal pgbouncer response treated as success
// when a PAUSE is issued while already paused.
const alreadyPausedReply = "already suspended/paused\n"

// Pause issues PAUSE against the pooler, with a timeout guard that cancels
// the in-flight command after cfg.PauseTimeout if it hasn't returned. A
// cancelled pause is treated as failure; the literal "already
// suspended/paused" reply is treated as success.
func (p *Pooler) Pause(ctx context.Context) (bool, error) {
	if p == nil {
		return true, nil
	}

	pauseCtx, cancel := context.WithTimeout(ctx, p.cfg.PauseTimeout)
	defer cancel()

	_, err := p.conn.Exec(pauseCtx, "pause")
	if err == nil {
		return true, nil
	}

	if err.Error() == alreadyPausedReply {
		return true, nil
	}

	if pauseCtx.Err() != nil {
		// Timed out: reconnect, since the admin connection's state after a
		// cancelled command is unreliable.
		_ = p.conn.Close(ctx)
		reconnected, reErr := Connect(ctx, p.cfg)
		if reErr == nil {
			p.conn = reconnected.conn
		}
		return false, &dbgateway.PoolerError{Op: "pause", Err: pauseCtx.Err()}
	}

	return false, &dbgateway.PoolerError{Op: "pause", Err: err}
}

// Resume issues RESUME against the pooler. On error paths callers discard
// its error, so it never masks the error that triggered the resume; after
// a successful cutover a failure is reported through the progress
// callback.
func (p *Pooler) Resume(ctx context.Context) error {
	if p == nil {
		return nil
	}
	_, err := p.conn.Exec(ctx, "resume")
	if err != nil {
		return &dbgateway.PoolerError{Op: "resume", Err: err}
	}
	return nil
}
