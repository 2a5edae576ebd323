// SPDX-License-Identifier: Apache-2.0

// Package cleanup tears down a migration's artifacts, whether invoked
// explicitly via --cleanup or automatically after a failed run.
package cleanup

import (
	"context"
	"fmt"

	"github.com/xataio/tatctl/pkg/ddl"
	"github.com/xataio/tatctl/pkg/dbgateway"
	"github.com/xataio/tatctl/pkg/hierarchy"
	"github.com/xataio/tatctl/pkg/introspect"
	"github.com/xataio/tatctl/pkg/switchover"
)

// Cleanup drops every artifact (T__tat_new, T__tat_delta, and their
// functions/triggers) for every node in tree, idempotently, in reverse
// creation order (children before parents).
func Cleanup(ctx context.Context, gw *dbgateway.Gateway, tree *hierarchy.Tree) error {
	nodes := append([]*hierarchy.MigrationNode(nil), tree.Nodes...)
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.Info.Kind == introspect.KindForeign {
			continue
		}
		err := gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
			for _, stmt := range ddl.CleanupAll(n.Info.QualifiedName) {
				if _, err := scope.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			if _, err := scope.Exec(ctx, ddl.ResetAutovacuum(n.Info.QualifiedName)); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("cleanup %s: %w", n.Info.QualifiedName, err)
		}
	}
	return nil
}

// Recover runs after any error surfaces from the orchestrator: it cancels
// autovacuum workers touching the tree, resets autovacuum_enabled on
// every node that had it disabled, and resumes the pooler if it was ever
// paused. It never drops anything — a failed run's artifacts are left in
// place for either a retry (idempotent Setup/SetupDeltaCapture no-op over
// an already-created shadow is NOT guaranteed, so the operator is
// expected to --cleanup before retrying) or inspection. cause is returned
// wrapped so the caller's exit path sees the original failure, not a
// recovery-step failure masking it.
func Recover(ctx context.Context, gw *dbgateway.Gateway, pooler *switchover.Pooler, tree *hierarchy.Tree, cause error) error {
	for _, n := range tree.Nodes {
		if n.Info.Kind == introspect.KindForeign {
			continue
		}
		_ = gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
			if _, err := scope.Exec(ctx, ddl.CancelAutovacuumMatching(n.Info.QualifiedName)); err != nil {
				return err
			}
			_, err := scope.Exec(ctx, ddl.ResetAutovacuum(n.Info.QualifiedName))
			return err
		})
	}

	if pooler != nil {
		_ = pooler.Resume(ctx)
	}

	return fmt.Errorf("migration aborted: %w", cause)
}
