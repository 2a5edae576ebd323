// SPDX-License-Identifier: Apache-2.0

// Package delta builds the shadow table and delta-capture machinery for a
// single regular-kind table and drives the initial copy and iterative
// delta replay.
package delta

import (
	"context"
	"fmt"
	"math"

	"github.com/xataio/tatctl/pkg/ddl"
	"github.com/xataio/tatctl/pkg/ddl/templates"
	"github.com/xataio/tatctl/pkg/dbgateway"
	"github.com/xataio/tatctl/pkg/introspect"
)

// deltaOverflowThreshold bounds tat_delta_id, a serial (int4) column:
// once it gets this close to wrapping, replay order can no longer be
// trusted and the run has to abort rather than risk silently losing rows.
const deltaOverflowThreshold = math.MaxInt32 - 1_000_000

// checkDeltaOverflow reads the last value handed out by tat_delta_id's
// sequence rather than the table's rows, since apply_delta has already
// emptied the delta table by the time this runs.
func checkDeltaOverflow(ctx context.Context, scope *dbgateway.Scope, qualifiedName string) error {
	rows, err := scope.Query(ctx, "select coalesce(pg_sequence_last_value(pg_get_serial_sequence($1, 'tat_delta_id')::regclass), 0);", qualifiedName+"__tat_delta")
	if err != nil {
		return err
	}
	var maxID int
	if err := dbgateway.ScanFirstValue(rows, &maxID); err != nil {
		return err
	}
	if maxID > deltaOverflowThreshold {
		return &dbgateway.DeltaOverflowError{Table: qualifiedName}
	}
	return nil
}

// Setup creates T__tat_new and populates its pre-rendered dependents,
// applying requested retypes, in a single transaction. ti.PartitionExpr,
// if non-empty, is appended to the CREATE TABLE statement.
func Setup(ctx context.Context, gw *dbgateway.Gateway, ti *introspect.TableInfo, retypes []ddl.Retype) error {
	return gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
		stmts := []string{ddl.CreateShadowTable(ti.QualifiedName, ti.PartitionExpr)}
		stmts = append(stmts, ddl.RetypeShadowColumns(ti.QualifiedName, retypes)...)
		stmts = append(stmts, ti.CreateCheckConstraints...)
		stmts = append(stmts, ti.GrantPrivileges...)
		if ti.Comment != "" {
			stmts = append(stmts, ti.Comment)
		}

		for _, stmt := range stmts {
			if stmt == "" {
				continue
			}
			if _, err := scope.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create shadow table for %s: %w", ti.QualifiedName, err)
			}
		}

		if _, err := scope.Exec(ctx, ddl.CancelAutovacuumMatching(ti.QualifiedName)); err != nil {
			return err
		}
		for _, stmt := range ddl.DisableAutovacuum(ti.QualifiedName) {
			if _, err := scope.Exec(ctx, stmt); err != nil {
				return err
			}
		}

		return nil
	})
}

// SetupDeltaCapture creates the delta table, the store-delta and
// apply-delta functions, and installs the capture trigger, in a single
// transaction.
func SetupDeltaCapture(ctx context.Context, gw *dbgateway.Gateway, ti *introspect.TableInfo) error {
	cfg := templates.DeltaConfig{
		QualifiedName: ti.QualifiedName,
		AllColumns:    ti.AllColumns,
		PKColumns:     ti.PKColumns,
	}

	deltaTable := ddl.CreateDeltaTable(ti.QualifiedName)

	storeFn, err := templates.BuildStoreDeltaFunction(cfg)
	if err != nil {
		return fmt.Errorf("render store-delta function: %w", err)
	}
	applyFn, err := templates.BuildApplyDeltaFunction(cfg)
	if err != nil {
		return fmt.Errorf("render apply-delta function: %w", err)
	}
	trigger, err := templates.BuildStoreDeltaTrigger(cfg)
	if err != nil {
		return fmt.Errorf("render store-delta trigger: %w", err)
	}

	return gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
		for _, stmt := range deltaTable {
			if _, err := scope.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create delta table for %s: %w", ti.QualifiedName, err)
			}
		}
		if _, err := scope.Exec(ctx, storeFn); err != nil {
			return err
		}
		if _, err := scope.Exec(ctx, applyFn); err != nil {
			return err
		}

		if _, err := scope.Exec(ctx, ddl.CancelAutovacuumMatching(ti.QualifiedName)); err != nil {
			return err
		}
		if _, err := scope.Exec(ctx, trigger); err != nil {
			return fmt.Errorf("install capture trigger on %s: %w", ti.QualifiedName, err)
		}
		return nil
	})
}

// CopyInitial performs the unbatched initial copy: `INSERT INTO T__tat_new
// SELECT * FROM ONLY T`, inside its own transaction.
func CopyInitial(ctx context.Context, gw *dbgateway.Gateway, ti *introspect.TableInfo) error {
	return gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
		_, err := scope.Exec(ctx, ddl.DirectCopy(ti.QualifiedName))
		return err
	})
}

// ApplyDelta invokes T__apply_delta() once, returning the number of rows
// replayed, run outside of any caller-managed transaction boundary so
// CONVERGE can call it repeatedly without holding locks between calls.
func ApplyDelta(ctx context.Context, gw *dbgateway.Gateway, qualifiedName string) (int, error) {
	var rows int
	err := gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
		result, err := scope.Query(ctx, fmt.Sprintf("select %s__apply_delta() as rows;", qualifiedName))
		if err != nil {
			return err
		}
		if err := dbgateway.ScanFirstValue(result, &rows); err != nil {
			return err
		}
		return checkDeltaOverflow(ctx, scope, qualifiedName)
	})
	if err != nil {
		return 0, fmt.Errorf("apply delta on %s: %w", qualifiedName, err)
	}
	return rows, nil
}

// ApplyDeltaOnScope is the same operation run on a scope already holding
// the exclusive-lock transaction, used for the final in-lock replay in
// CUTTING_OVER.
func ApplyDeltaOnScope(ctx context.Context, scope *dbgateway.Scope, qualifiedName string) (int, error) {
	rows, err := scope.Query(ctx, fmt.Sprintf("select %s__apply_delta() as rows;", qualifiedName))
	if err != nil {
		return 0, err
	}
	var n int
	if err := dbgateway.ScanFirstValue(rows, &n); err != nil {
		return 0, err
	}
	return n, nil
}
