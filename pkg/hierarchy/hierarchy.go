// SPDX-License-Identifier: Apache-2.0

// Package hierarchy discovers a target table's full partition/inheritance
// descendant set and drives shadow-table setup, index build, and
// switchover across it in the right order: parents before children for
// creation, children before parents for the original-table drop.
package hierarchy

import (
	"context"
	"fmt"

	"github.com/xataio/tatctl/pkg/ddl"
	"github.com/xataio/tatctl/pkg/dbgateway"
	"github.com/xataio/tatctl/pkg/delta"
	"github.com/xataio/tatctl/pkg/indexbuild"
	"github.com/xataio/tatctl/pkg/introspect"
	"github.com/xataio/tatctl/pkg/switchover"
)

// MigrationNode is one table in the hierarchy, stored in Tree.Nodes as a
// flat array rather than an owning-pointer tree: ParentIndex/Children
// index back into the same slice, so the tree can be walked in either
// direction without constructing a cycle of Go pointers.
type MigrationNode struct {
	Info        *introspect.TableInfo
	Retypes     []ddl.Retype
	ParentIndex int // -1 for the root
	Children    []int
	TableLocked bool
}

// Tree is the full discovered hierarchy rooted at the table named in
// Tree.Build's rootTable argument.
type Tree struct {
	Nodes []*MigrationNode
	gw    *dbgateway.Gateway
}

// Build introspects rootTable and every declarative-partition or
// inheritance descendant, in top-down order, applying retypes to every
// node that carries the retyped columns (inherited columns exist on every
// descendant too).
func Build(ctx context.Context, gw *dbgateway.Gateway, scope *dbgateway.Scope, rootTable string, retypes []ddl.Retype) (*Tree, error) {
	t := &Tree{gw: gw}
	if err := t.addNode(ctx, scope, rootTable, retypes, -1); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) addNode(ctx context.Context, scope *dbgateway.Scope, qualifiedName string, retypes []ddl.Retype, parentIdx int) error {
	info, err := introspect.GetTableInfo(ctx, scope, qualifiedName)
	if err != nil {
		return fmt.Errorf("introspect %s: %w", qualifiedName, err)
	}

	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, &MigrationNode{
		Info:        info,
		Retypes:     retypes,
		ParentIndex: parentIdx,
	})
	if parentIdx >= 0 {
		t.Nodes[parentIdx].Children = append(t.Nodes[parentIdx].Children, idx)
	}

	childNames, err := introspect.GetChildTables(ctx, scope, qualifiedName)
	if err != nil {
		return fmt.Errorf("get children of %s: %w", qualifiedName, err)
	}
	for _, child := range childNames {
		if err := t.addNode(ctx, scope, child, retypes, idx); err != nil {
			return err
		}
	}
	return nil
}

// Root returns the root node.
func (t *Tree) Root() *MigrationNode {
	return t.Nodes[0]
}

func (t *Tree) isShadowed(n *MigrationNode) bool {
	return n.Info.Kind == introspect.KindRegular || n.Info.Kind == introspect.KindPartitioned
}

// SetupAll runs delta.Setup and delta.SetupDeltaCapture across every node that
// gets a shadow table, parents before children so an old-style-
// inheritance child's shadow can ALTER ... INHERIT its parent's shadow
// once both exist.
func (t *Tree) SetupAll(ctx context.Context) error {
	for _, n := range t.Nodes {
		if !t.isShadowed(n) {
			continue
		}
		if err := delta.Setup(ctx, t.gw, n.Info, n.Retypes); err != nil {
			return fmt.Errorf("setup shadow for %s: %w", n.Info.QualifiedName, err)
		}
		if n.ParentIndex >= 0 {
			parent := t.Nodes[n.ParentIndex]
			if t.isShadowed(parent) && len(n.Info.Inherits) > 0 && n.Info.Kind != introspect.KindPartitioned {
				if err := t.gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
					_, err := scope.Exec(ctx, ddl.AttachOldStyleInheritance(n.Info.QualifiedName, parent.Info.QualifiedName))
					return err
				}); err != nil {
					return fmt.Errorf("attach shadow inheritance %s to %s: %w", n.Info.QualifiedName, parent.Info.QualifiedName, err)
				}
			}
		}
		if err := delta.SetupDeltaCapture(ctx, t.gw, n.Info); err != nil {
			return fmt.Errorf("setup delta capture for %s: %w", n.Info.QualifiedName, err)
		}
	}
	return nil
}

// CopyAll performs the initial copy for every shadowed node, direct or
// batched depending on batchSize.
func (t *Tree) CopyAll(ctx context.Context, batchSize int) error {
	for _, n := range t.Nodes {
		if !t.isShadowed(n) {
			continue
		}
		if batchSize <= 0 {
			if err := delta.CopyInitial(ctx, t.gw, n.Info); err != nil {
				return fmt.Errorf("copy %s: %w", n.Info.QualifiedName, err)
			}
			continue
		}
		if err := delta.NewCopier(n.Info, batchSize).CopyAll(ctx, t.gw); err != nil {
			return fmt.Errorf("copy %s: %w", n.Info.QualifiedName, err)
		}
	}
	return nil
}

// IndexAll builds every shadow table's indexes, jobs at a time per table,
// then analyzes each.
func (t *Tree) IndexAll(ctx context.Context, jobs int, progress indexbuild.ProgressFn) error {
	for _, n := range t.Nodes {
		if !t.isShadowed(n) {
			continue
		}
		if err := indexbuild.Build(ctx, t.gw, n.Info.CreateIndexes, jobs, progress); err != nil {
			return fmt.Errorf("build indexes for %s: %w", n.Info.QualifiedName, err)
		}
		if err := indexbuild.Analyze(ctx, t.gw, n.Info.QualifiedName); err != nil {
			return fmt.Errorf("analyze %s: %w", n.Info.QualifiedName, err)
		}
	}
	return nil
}

// ToSwitchoverNode builds the tree-shaped view switchover.Coordinator needs for
// its recursive delta-replay and cutover walk, from the flat array Tree
// owns for discovery and bookkeeping.
func (t *Tree) ToSwitchoverNode() *switchover.Node {
	nodes := make([]*switchover.Node, len(t.Nodes))
	for i, n := range t.Nodes {
		nodes[i] = &switchover.Node{Info: n.Info, Retypes: n.Retypes}
	}
	for i, n := range t.Nodes {
		for _, childIdx := range n.Children {
			nodes[i].Children = append(nodes[i].Children, nodes[childIdx])
		}
	}
	return nodes[0]
}

// SyncLocked copies TableLocked back from the switchover tree onto the
// flat array after a Coordinator run, so the recovery path can see which
// nodes reached the point where further errors are fatal rather than
// retryable.
func (t *Tree) SyncLocked(root *switchover.Node) {
	var walk func(flatIdx int, sw *switchover.Node)
	walk = func(flatIdx int, sw *switchover.Node) {
		t.Nodes[flatIdx].TableLocked = sw.TableLocked
		for i, childIdx := range t.Nodes[flatIdx].Children {
			walk(childIdx, sw.Children[i])
		}
	}
	walk(0, root)
}
