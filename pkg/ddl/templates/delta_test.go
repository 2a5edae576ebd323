// SPDX-License-Identifier: Apache-2.0

package templates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() DeltaConfig {
	return DeltaConfig{
		QualifiedName: "public.accounts",
		AllColumns:    []string{"id", "balance"},
		PKColumns:     []string{"id"},
	}
}

func TestBuildStoreDeltaFunction(t *testing.T) {
	out, err := BuildStoreDeltaFunction(testConfig())
	require.NoError(t, err)

	assert.Contains(t, out, "create or replace function public.accounts__store_delta()")
	assert.Contains(t, out, "insert into public.accounts__tat_delta")
	assert.Contains(t, out, "values (new.*, default, 'i')")
	assert.Contains(t, out, "values (old.*, default, 'd')")
}

func TestBuildStoreDeltaTrigger(t *testing.T) {
	out, err := BuildStoreDeltaTrigger(testConfig())
	require.NoError(t, err)

	assert.Contains(t, out, "create trigger store__tat_delta")
	assert.Contains(t, out, "after insert or delete or update on public.accounts")
	assert.Contains(t, out, "public.accounts__store_delta()")
}

func TestBuildApplyDeltaFunction(t *testing.T) {
	out, err := BuildApplyDeltaFunction(testConfig())
	require.NoError(t, err)

	assert.Contains(t, out, "create or replace function public.accounts__apply_delta()")
	assert.Contains(t, out, `insert into public.accounts__tat_new ("id", "balance")`)
	assert.Contains(t, out, `values (r."id", r."balance")`)
	assert.Contains(t, out, `set "balance" = r."balance"`)
	assert.Contains(t, out, `where t."id" = r."id"`)
	// id is the PK column, so the update set-clause must not try to
	// reassign it.
	assert.False(t, strings.Contains(out, `set "id" = r."id"`))
}

func TestSetClauseExcludesAllPKColumns(t *testing.T) {
	cfg := DeltaConfig{
		QualifiedName: "public.composite",
		AllColumns:    []string{"tenant_id", "id", "value"},
		PKColumns:     []string{"tenant_id", "id"},
	}
	out, err := BuildApplyDeltaFunction(cfg)
	require.NoError(t, err)

	assert.Contains(t, out, `set "value" = r."value"`)
	assert.Contains(t, out, `where t."tenant_id" = r."tenant_id" and t."id" = r."id"`)
}
