// SPDX-License-Identifier: Apache-2.0

package switchover

import (
	"context"
	"fmt"
	"time"

	"github.com/xataio/tatctl/pkg/ddl"
	"github.com/xataio/tatctl/pkg/dbgateway"
	"github.com/xataio/tatctl/pkg/delta"
	"github.com/xataio/tatctl/pkg/introspect"
)

// State is one of the switchover coordinator's named states.
type State int

const (
	StateConverge State = iota
	StateLocking
	StateCuttingOver
	StateDone
)

func (s State) String() string {
	switch s {
	case StateConverge:
		return "CONVERGE"
	case StateLocking:
		return "LOCKING"
	case StateCuttingOver:
		return "CUTTING_OVER"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Node is one table in the migration tree, carrying the fields the
// coordinator needs: its catalog snapshot, the retypes requested on it,
// and its place in the hierarchy.
type Node struct {
	Info     *introspect.TableInfo
	Retypes  []ddl.Retype
	Children []*Node

	// TableLocked distinguishes "failed to acquire lock" from "lost lock
	// during switch": once true, any further error in this attempt is
	// fatal rather than retryable.
	TableLocked bool
}

// Config carries the run's tunables relevant to the coordinator.
type Config struct {
	MinDeltaRows     int
	TimeBetweenLocks time.Duration
	SkipFKValidation bool
	ProgressFn       func(phase, table string)
}

// Coordinator drives the state machine for one root (and its hierarchy)
// to completion.
type Coordinator struct {
	gw     *dbgateway.Gateway
	pooler *Pooler
	cfg    Config
}

// NewCoordinator constructs a Coordinator. pooler may be nil when pooler
// coordination was not configured.
func NewCoordinator(gw *dbgateway.Gateway, pooler *Pooler, cfg Config) *Coordinator {
	return &Coordinator{gw: gw, pooler: pooler, cfg: cfg}
}

func (c *Coordinator) progress(phase, table string) {
	if c.cfg.ProgressFn != nil {
		c.cfg.ProgressFn(phase, table)
	}
}

// Run executes CONVERGE → LOCKING → CUTTING_OVER → DONE for root and its
// full descendant tree, returning once the switchover has committed (or
// failed, in which case the caller must run cleanup).
func (c *Coordinator) Run(ctx context.Context, root *Node) error {
	state := StateConverge

	for {
		switch state {
		case StateConverge:
			if err := c.converge(ctx, root); err != nil {
				return err
			}
			state = StateLocking

		case StateLocking:
			scope, locked, err := c.tryLock(ctx, root)
			if err != nil {
				return &dbgateway.SwitchoverAbortedError{Err: err}
			}
			if !locked {
				state = StateConverge
				continue
			}
			if err := c.cutover(ctx, scope, root); err != nil {
				return err
			}
			state = StateCuttingOver

		case StateCuttingOver:
			state = StateDone

		case StateDone:
			return nil
		}
	}
}

// converge repeatedly replays the delta across the whole tree until the
// last pass processed at most MinDeltaRows rows total, bounding the work
// left for the in-lock replay.
func (c *Coordinator) converge(ctx context.Context, root *Node) error {
	for {
		rows, err := c.applyDeltaTree(ctx, root)
		if err != nil {
			return err
		}
		c.progress("converge", fmt.Sprintf("%d rows", rows))
		if rows <= c.cfg.MinDeltaRows {
			return nil
		}
	}
}

func (c *Coordinator) applyDeltaTree(ctx context.Context, node *Node) (int, error) {
	total := 0
	if node.Info.Kind == introspect.KindRegular || node.Info.Kind == introspect.KindPartitioned {
		n, err := delta.ApplyDelta(ctx, c.gw, node.Info.QualifiedName)
		if err != nil {
			return 0, err
		}
		total += n
	}
	for _, child := range node.Children {
		n, err := c.applyDeltaTree(ctx, child)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// tryLock attempts one LOCKING iteration: pause the pooler, acquire the
// root's exclusive lock in a fresh transaction. On lock-contention it
// rolls back, resumes the pooler, sleeps TimeBetweenLocks, and reports
// "not locked" so the caller loops back to CONVERGE. Any other error is
// fatal. On success the caller owns the returned scope's open transaction
// and must see it through to commit or rollback.
func (c *Coordinator) tryLock(ctx context.Context, root *Node) (*dbgateway.Scope, bool, error) {
	paused, err := c.pooler.Pause(ctx)
	if err != nil || !paused {
		sleepPoolerRetry(c.pooler)
		return nil, false, nil
	}

	scope, err := c.gw.Acquire(ctx)
	if err != nil {
		_ = c.pooler.Resume(ctx)
		return nil, false, err
	}

	if err := scope.Begin(ctx); err != nil {
		scope.Release()
		_ = c.pooler.Resume(ctx)
		return nil, false, err
	}

	if _, err := scope.Exec(ctx, ddl.CancelAutovacuumMatching(root.Info.QualifiedName)); err != nil {
		_ = scope.Rollback()
		scope.Release()
		_ = c.pooler.Resume(ctx)
		return nil, false, err
	}

	if _, err := scope.Exec(ctx, ddl.LockExclusive(root.Info.QualifiedName)); err != nil {
		_ = scope.Rollback()
		scope.Release()
		_ = c.pooler.Resume(ctx)

		if dbgateway.ClassifyError(err) == dbgateway.ErrKindLockContention {
			time.Sleep(c.cfg.TimeBetweenLocks)
			return nil, false, nil
		}
		return nil, false, err
	}

	root.TableLocked = true
	return scope, true, nil
}

func sleepPoolerRetry(p *Pooler) {
	if p == nil {
		time.Sleep(0)
		return
	}
	time.Sleep(p.cfg.TimeBetweenPause)
}

// cutover runs the full CUTTING_OVER sequence on
// scope, whose transaction is already holding the root's exclusive lock.
// Any error rolls the transaction back, resumes the pooler, and is
// wrapped as a SwitchoverAbortedError so the caller routes to recovery
// without retrying.
func (c *Coordinator) cutover(ctx context.Context, scope *dbgateway.Scope, root *Node) error {
	defer scope.Release()

	err := c.runCutoverSteps(ctx, scope, root)
	if err != nil {
		_ = scope.Rollback()
		_ = c.pooler.Resume(ctx)
		return &dbgateway.SwitchoverAbortedError{Err: err}
	}

	if err := scope.Commit(); err != nil {
		_ = c.pooler.Resume(ctx)
		return &dbgateway.SwitchoverAbortedError{Err: err}
	}

	if err := c.pooler.Resume(ctx); err != nil {
		// Resume failures are reported through the progress callback and
		// never mask a successful cutover.
		c.progress("pooler_resume_failed", err.Error())
	}

	return nil
}

func (c *Coordinator) runCutoverSteps(ctx context.Context, scope *dbgateway.Scope, root *Node) error {
	// Step 1: one last delta replay over the entire tree, now that writes
	// are blocked by the exclusive lock.
	if err := applyDeltaTreeOnScope(ctx, scope, root); err != nil {
		return err
	}

	nodes := flatten(root)

	// Step 2: drop dependent views and functions (already rendered in
	// reverse dependency order by the introspector).
	for _, n := range nodes {
		if err := execAll(ctx, scope, n.Info.DropViews); err != nil {
			return err
		}
		if err := execAll(ctx, scope, n.Info.DropFunctions); err != nil {
			return err
		}
	}

	// Step 3: if any FKs point into this tree, cancel all autovacuum
	// workers (not just ones matching this table) and drop those FKs;
	// they are recreated NOT VALID in step 9 and validated later.
	hasExternalFK := false
	for _, n := range nodes {
		if len(n.Info.DropConstraints) > 0 {
			hasExternalFK = true
			break
		}
	}
	if hasExternalFK {
		if _, err := scope.Exec(ctx, ddl.CancelAllAutovacuum); err != nil {
			return err
		}
	}
	for _, n := range nodes {
		if err := execAll(ctx, scope, n.Info.DropConstraints); err != nil {
			return err
		}
	}

	// Step 4: re-own sequences before the original table is dropped.
	for _, n := range nodes {
		if err := execAll(ctx, scope, n.Info.AlterSequences); err != nil {
			return err
		}
	}

	// Step 5: drop delta capture trigger/functions/table, keeping
	// T__tat_new.
	for _, n := range nodes {
		if n.Info.Kind != introspect.KindRegular && n.Info.Kind != introspect.KindPartitioned {
			continue
		}
		if err := execAll(ctx, scope, ddl.DropDeltaArtifacts(n.Info.QualifiedName)); err != nil {
			return err
		}
	}

	// Step 6: detach foreign-kind children before the tables they point
	// at are dropped.
	for _, n := range nodes {
		for _, child := range n.Children {
			if child.Info.Kind != introspect.KindForeign {
				continue
			}
			if n.Info.Kind == introspect.KindPartitioned {
				if _, err := scope.Exec(ctx, ddl.DetachDeclarativePartition(n.Info.QualifiedName, child.Info.QualifiedName)); err != nil {
					return err
				}
			} else {
				if _, err := scope.Exec(ctx, ddl.DetachOldStyleInheritance(child.Info.QualifiedName, n.Info.QualifiedName)); err != nil {
					return err
				}
			}
		}
	}

	// Step 7: drop original tables. Old-style inheritance requires
	// children to be dropped before their parent.
	for _, n := range dropOrder(root) {
		if n.Info.Kind == introspect.KindForeign {
			continue
		}
		if _, err := scope.Exec(ctx, ddl.DropLiveTable(n.Info.QualifiedName)); err != nil {
			return err
		}
	}

	// Steps 8-10, recursively: rename shadow to live, apply index
	// renames/constraints/triggers/replica identity/publications, restore
	// storage parameters.
	if err := c.renameAndRestore(ctx, scope, root); err != nil {
		return err
	}

	// Step 12: re-attach foreign-kind children, retyping their columns
	// directly (no USING cast: foreign tables cannot be rewritten).
	for _, n := range nodes {
		for _, child := range n.Children {
			if child.Info.Kind != introspect.KindForeign {
				continue
			}
			for _, stmt := range ddl.RetypeForeignColumns(child.Info.QualifiedName, child.Retypes) {
				if _, err := scope.Exec(ctx, stmt); err != nil {
					return err
				}
			}
		}
	}

	// Step 13: recreate dependent functions and views, functions first.
	for _, n := range nodes {
		if err := execAll(ctx, scope, n.Info.CreateFunctions); err != nil {
			return err
		}
	}
	for _, n := range nodes {
		if err := execAll(ctx, scope, n.Info.CreateViews); err != nil {
			return err
		}
		if err := execAll(ctx, scope, n.Info.CommentViews); err != nil {
			return err
		}
	}

	return nil
}

func (c *Coordinator) renameAndRestore(ctx context.Context, scope *dbgateway.Scope, node *Node) error {
	if node.Info.Kind == introspect.KindRegular || node.Info.Kind == introspect.KindPartitioned {
		if _, err := scope.Exec(ctx, ddl.RenameShadowToLive(node.Info.QualifiedName, node.Info.LocalName)); err != nil {
			return err
		}
		if err := execAll(ctx, scope, node.Info.RenameIndexes); err != nil {
			return err
		}
		if err := execAll(ctx, scope, node.Info.CreateConstraints); err != nil {
			return err
		}
		if err := execAll(ctx, scope, node.Info.CreateTriggers); err != nil {
			return err
		}
		if err := execAll(ctx, scope, node.Info.ReplicaIdentity); err != nil {
			return err
		}
		if err := execAll(ctx, scope, node.Info.Publications); err != nil {
			return err
		}
		if _, err := scope.Exec(ctx, ddl.ResetAutovacuum(node.Info.QualifiedName)); err != nil {
			return err
		}
		if err := execAll(ctx, scope, node.Info.StorageParameters); err != nil {
			return err
		}
	}

	for _, child := range node.Children {
		if child.Info.Kind == introspect.KindForeign {
			continue
		}
		if err := c.renameAndRestore(ctx, scope, child); err != nil {
			return err
		}
	}
	return nil
}

func applyDeltaTreeOnScope(ctx context.Context, scope *dbgateway.Scope, node *Node) error {
	if node.Info.Kind == introspect.KindRegular || node.Info.Kind == introspect.KindPartitioned {
		if _, err := delta.ApplyDeltaOnScope(ctx, scope, node.Info.QualifiedName); err != nil {
			return err
		}
	}
	for _, child := range node.Children {
		if err := applyDeltaTreeOnScope(ctx, scope, child); err != nil {
			return err
		}
	}
	return nil
}

// execAll runs stmts as a single batched Exec rather than one round trip
// per statement: most callers run inside the exclusive lock taken at the
// start of CUTTING_OVER, where every round trip adds to lock hold time.
func execAll(ctx context.Context, scope *dbgateway.Scope, stmts []string) error {
	batch := ddl.JoinStatements(stmts)
	if batch == "" {
		return nil
	}
	_, err := scope.Exec(ctx, batch)
	return err
}

func flatten(node *Node) []*Node {
	nodes := []*Node{node}
	for _, child := range node.Children {
		nodes = append(nodes, flatten(child)...)
	}
	return nodes
}

// dropOrder returns nodes in the order the original tables must be
// dropped: children before their old-style-inheritance parent, since
// Postgres refuses to drop a parent while inheriting children exist.
func dropOrder(node *Node) []*Node {
	var order []*Node
	for _, child := range node.Children {
		order = append(order, dropOrder(child)...)
	}
	order = append(order, node)
	return order
}
