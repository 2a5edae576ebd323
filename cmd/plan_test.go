// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xataio/tatctl/pkg/orchestrator"
)

func writePlanFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPlanAppliesDefaults(t *testing.T) {
	path := writePlanFile(t, `{
		"table": "public.accounts",
		"columns": [{"column": "balance", "new_type": "numeric(18,2)"}]
	}`)

	p, err := loadPlan(path)
	require.NoError(t, err)

	assert.Equal(t, "public.accounts", p.Table)
	assert.Equal(t, []planColumn{{Column: "balance", NewType: "numeric(18,2)"}}, p.Columns)
	assert.Equal(t, 5, p.LockTimeoutSeconds)
	assert.Equal(t, 10, p.TimeBetweenLocksSeconds)
	assert.Equal(t, "1GB", p.WorkMem)
	assert.Equal(t, 10000, p.MinDeltaRows)
}

func TestLoadPlanPreservesExplicitValues(t *testing.T) {
	path := writePlanFile(t, `{
		"table": "public.accounts",
		"columns": [{"column": "balance", "new_type": "numeric(18,2)"}],
		"lock_timeout_seconds": 30,
		"work_mem": "2GB",
		"min_delta_rows": 500
	}`)

	p, err := loadPlan(path)
	require.NoError(t, err)

	assert.Equal(t, 30, p.LockTimeoutSeconds)
	assert.Equal(t, "2GB", p.WorkMem)
	assert.Equal(t, 500, p.MinDeltaRows)
}

func TestLoadPlanRejectsMissingColumns(t *testing.T) {
	path := writePlanFile(t, `{"table": "public.accounts"}`)

	_, err := loadPlan(path)
	assert.Error(t, err)
}

func TestLoadPlanRejectsUnknownProperty(t *testing.T) {
	path := writePlanFile(t, `{
		"table": "public.accounts",
		"columns": [{"column": "balance", "new_type": "numeric(18,2)"}],
		"schema_version": 3
	}`)

	_, err := loadPlan(path)
	assert.Error(t, err)
}

func TestLoadPlanRejectsMissingFile(t *testing.T) {
	_, err := loadPlan(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Error(t, err)
}

func TestParseColumnFlags(t *testing.T) {
	reqs, err := parseColumnFlags([]string{"balance:numeric(18,2)", "id:bigint"})
	require.NoError(t, err)
	assert.Equal(t, []orchestrator.ColumnRequest{
		{Column: "balance", NewType: "numeric(18,2)"},
		{Column: "id", NewType: "bigint"},
	}, reqs)
}

func TestParseColumnFlagsRejectsMalformed(t *testing.T) {
	_, err := parseColumnFlags([]string{"balance"})
	assert.Error(t, err)

	_, err = parseColumnFlags([]string{":numeric"})
	assert.Error(t, err)

	_, err = parseColumnFlags([]string{"balance:"})
	assert.Error(t, err)
}
