// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvisoryLockKeyDeterministic(t *testing.T) {
	a := advisoryLockKey("public.accounts")
	b := advisoryLockKey("public.accounts")
	assert.Equal(t, a, b)
}

func TestAdvisoryLockKeyDiffersByTable(t *testing.T) {
	assert.NotEqual(t, advisoryLockKey("public.accounts"), advisoryLockKey("public.orders"))
}

func TestContains(t *testing.T) {
	assert.True(t, contains([]string{"id", "balance"}, "balance"))
	assert.False(t, contains([]string{"id", "balance"}, "name"))
	assert.False(t, contains(nil, "id"))
}

func TestConfigProgressNilFnIsNoOp(t *testing.T) {
	cfg := Config{}
	assert.NotPanics(t, func() { cfg.progress("phase", "detail") })
}

func TestConfigProgressInvokesFn(t *testing.T) {
	var gotPhase, gotDetail string
	cfg := Config{ProgressFn: func(phase, detail string) {
		gotPhase, gotDetail = phase, detail
	}}
	cfg.progress("setup", "public.accounts")
	assert.Equal(t, "setup", gotPhase)
	assert.Equal(t, "public.accounts", gotDetail)
}
