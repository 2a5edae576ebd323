// SPDX-License-Identifier: Apache-2.0

package switchover

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xataio/tatctl/pkg/introspect"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONVERGE", StateConverge.String())
	assert.Equal(t, "LOCKING", StateLocking.String())
	assert.Equal(t, "CUTTING_OVER", StateCuttingOver.String())
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}

func node(name string, children ...*Node) *Node {
	return &Node{
		Info:     &introspect.TableInfo{QualifiedName: name, Kind: introspect.KindRegular},
		Children: children,
	}
}

func names(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Info.QualifiedName
	}
	return out
}

func TestFlattenPreOrder(t *testing.T) {
	tree := node("parent",
		node("child_a"),
		node("child_b", node("grandchild")),
	)

	assert.Equal(t, []string{"parent", "child_a", "child_b", "grandchild"}, names(flatten(tree)))
}

func TestDropOrderChildrenBeforeParents(t *testing.T) {
	tree := node("parent",
		node("child_a"),
		node("child_b", node("grandchild")),
	)

	assert.Equal(t, []string{"child_a", "grandchild", "child_b", "parent"}, names(dropOrder(tree)))
}

func TestDropOrderLeaf(t *testing.T) {
	leaf := node("solo")
	assert.Equal(t, []string{"solo"}, names(dropOrder(leaf)))
}
