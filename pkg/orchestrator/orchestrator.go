// SPDX-License-Identifier: Apache-2.0

// Package orchestrator wires preflight, shadow-table setup, initial copy,
// index build, and converge/lock/cutover switchover into the single run a
// CLI invocation performs, routing failures after preflight to cleanup.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xataio/tatctl/pkg/cleanup"
	"github.com/xataio/tatctl/pkg/ddl"
	"github.com/xataio/tatctl/pkg/dbgateway"
	"github.com/xataio/tatctl/pkg/hierarchy"
	"github.com/xataio/tatctl/pkg/introspect"
	"github.com/xataio/tatctl/pkg/switchover"
)

// ColumnRequest is one user-supplied `-c column:new_type` flag value.
type ColumnRequest struct {
	Column  string
	NewType string
}

// Config carries every tunable a run needs, independent of how the CLI
// layer parsed it.
type Config struct {
	TableName        string
	Columns          []ColumnRequest
	Jobs             int
	Force            bool
	LockTimeout      time.Duration
	TimeBetweenLocks time.Duration
	WorkMem          string
	MinDeltaRows     int
	BatchSize        int
	SkipFKValidation bool
	ShowQueries      bool

	PoolerConfig switchover.PoolerConfig

	ProgressFn func(phase, detail string)
}

func (c Config) progress(phase, detail string) {
	if c.ProgressFn != nil {
		c.ProgressFn(phase, detail)
	}
}

// Run performs one full migration: preflight, shadow setup/copy, index
// build, converge-lock-cutover, and the post-switch constraint
// validation pass. Any failure after preflight routes to cleanup.Recover
// before being returned.
func Run(ctx context.Context, connStr string, cfg Config) error {
	gw, err := dbgateway.Open(connStr, cfg.Jobs, dbgateway.Settings{
		LockTimeout: cfg.LockTimeout,
		WorkMem:     cfg.WorkMem,
	})
	if err != nil {
		return fmt.Errorf("open connection pool: %w", err)
	}
	defer gw.Close()

	if cfg.ShowQueries {
		gw.SetTracer(func(query string, args ...interface{}) {
			cfg.progress("query", fmt.Sprintf("%s %v", query, args))
		})
	}

	if err := gw.Ping(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	release, err := acquireRunGuard(ctx, gw, cfg.TableName)
	if err != nil {
		return err
	}
	defer release()

	pooler, err := switchover.Connect(ctx, cfg.PoolerConfig)
	if err != nil {
		return fmt.Errorf("connect to pooler: %w", err)
	}
	defer pooler.Close(ctx)

	tree, retypes, err := preflight(ctx, gw, cfg)
	if err != nil {
		return err
	}
	if tree == nil {
		// No columns need altering and --force was not given: a no-op run
		// that exits successfully without creating anything.
		return nil
	}
	_ = retypes

	if err := runPhases(ctx, gw, pooler, tree, cfg); err != nil {
		return cleanup.Recover(ctx, gw, pooler, tree, err)
	}

	return nil
}

// Cleanup tears down a previously created migration's artifacts,
// idempotently, for --cleanup.
func Cleanup(ctx context.Context, connStr string, cfg Config) error {
	gw, err := dbgateway.Open(connStr, cfg.Jobs, dbgateway.Settings{
		LockTimeout: cfg.LockTimeout,
		WorkMem:     cfg.WorkMem,
	})
	if err != nil {
		return fmt.Errorf("open connection pool: %w", err)
	}
	defer gw.Close()

	if err := gw.Ping(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var tree *hierarchy.Tree
	err = gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
		t, err := hierarchy.Build(ctx, gw, scope, cfg.TableName, nil)
		if err != nil {
			return err
		}
		tree = t
		return nil
	})
	if err != nil {
		return fmt.Errorf("discover hierarchy for cleanup: %w", err)
	}

	return cleanup.Cleanup(ctx, gw, tree)
}

// preflight discovers the hierarchy, normalizes and filters the requested
// retypes against the catalog, and returns nil, nil, nil when
// nothing is left to do.
func preflight(ctx context.Context, gw *dbgateway.Gateway, cfg Config) (*hierarchy.Tree, []ddl.Retype, error) {
	var (
		tree    *hierarchy.Tree
		retypes []ddl.Retype
	)

	err := gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
		root, err := introspect.GetTableInfo(ctx, scope, cfg.TableName)
		if err != nil {
			return err
		}

		if len(root.Inherits) > 1 {
			return &dbgateway.MultiInheritError{Table: cfg.TableName, Parents: root.Inherits}
		}
		if len(root.Inherits) == 1 {
			return &dbgateway.AlterParentInsteadError{Table: cfg.TableName, Parent: root.Inherits[0]}
		}

		for _, req := range cfg.Columns {
			if !contains(root.AllColumns, req.Column) {
				return &dbgateway.ColumnDoesNotExistError{Table: cfg.TableName, Column: req.Column}
			}

			normalized, err := introspect.NormalizeType(ctx, scope, req.NewType)
			if err != nil {
				return err
			}

			current := root.ColumnTypes[req.Column]
			if current == normalized && !cfg.Force {
				cfg.progress("preflight", fmt.Sprintf("%s already %s, skipping", req.Column, normalized))
				continue
			}

			retypes = append(retypes, ddl.Retype{Column: req.Column, NewType: normalized})
		}

		if len(retypes) == 0 {
			return nil
		}

		t, err := hierarchy.Build(ctx, gw, scope, cfg.TableName, retypes)
		if err != nil {
			return err
		}
		tree = t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if len(retypes) == 0 {
		return nil, nil, nil
	}

	return tree, retypes, nil
}

func runPhases(ctx context.Context, gw *dbgateway.Gateway, pooler *switchover.Pooler, tree *hierarchy.Tree, cfg Config) error {
	cfg.progress("setup", tree.Root().Info.QualifiedName)
	if err := tree.SetupAll(ctx); err != nil {
		return err
	}

	cfg.progress("copy", tree.Root().Info.QualifiedName)
	if err := tree.CopyAll(ctx, cfg.BatchSize); err != nil {
		return err
	}

	cfg.progress("index", tree.Root().Info.QualifiedName)
	if err := tree.IndexAll(ctx, cfg.Jobs, func(event, name string, d time.Duration) {
		cfg.progress("index_"+event, fmt.Sprintf("%s %s", name, d))
	}); err != nil {
		return err
	}

	coord := switchover.NewCoordinator(gw, pooler, switchover.Config{
		MinDeltaRows:     cfg.MinDeltaRows,
		TimeBetweenLocks: cfg.TimeBetweenLocks,
		SkipFKValidation: cfg.SkipFKValidation,
		ProgressFn:       cfg.progress,
	})

	swRoot := tree.ToSwitchoverNode()
	cfg.progress("switchover", tree.Root().Info.QualifiedName)
	runErr := coord.Run(ctx, swRoot)
	tree.SyncLocked(swRoot)
	if runErr != nil {
		return runErr
	}

	if !cfg.SkipFKValidation {
		if err := validateConstraints(ctx, gw, tree); err != nil {
			return err
		}
	}

	cfg.progress("done", tree.Root().Info.QualifiedName)
	return nil
}

// validateConstraints runs each pending VALIDATE CONSTRAINT one at a
// time, each in its own transaction.
func validateConstraints(ctx context.Context, gw *dbgateway.Gateway, tree *hierarchy.Tree) error {
	for _, n := range tree.Nodes {
		for _, stmt := range n.Info.ValidateConstraints {
			if err := gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
				_, err := scope.Exec(ctx, stmt)
				return err
			}); err != nil {
				return fmt.Errorf("validate constraint on %s: %w", n.Info.QualifiedName, err)
			}
		}
	}
	return nil
}

// acquireRunGuard takes a session-level advisory lock keyed on the target
// table so a second concurrent invocation against the same table refuses
// to start rather than racing the first.
func acquireRunGuard(ctx context.Context, gw *dbgateway.Gateway, qualifiedName string) (func(), error) {
	key := advisoryLockKey(qualifiedName)
	runID := uuid.New()

	scope, err := gw.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var acquired bool
	rows, err := scope.Query(ctx, "select pg_try_advisory_lock($1)", key)
	if err != nil {
		scope.Release()
		return nil, err
	}
	if err := dbgateway.ScanFirstValue(rows, &acquired); err != nil {
		scope.Release()
		return nil, err
	}
	if !acquired {
		scope.Release()
		return nil, fmt.Errorf("migration already in progress on %s (run %s refused)", qualifiedName, runID)
	}

	return func() {
		_, _ = scope.Exec(ctx, "select pg_advisory_unlock($1)", key)
		scope.Release()
	}, nil
}

func advisoryLockKey(qualifiedName string) int64 {
	sum := sha256.Sum256([]byte(qualifiedName))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
