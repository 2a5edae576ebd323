// SPDX-License-Identifier: Apache-2.0

package ddl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateShadowTable(t *testing.T) {
	assert.Equal(t,
		"create table public.accounts__tat_new (like public.accounts including all excluding indexes excluding constraints excluding statistics);",
		CreateShadowTable("public.accounts", ""))

	assert.Equal(t,
		"create table public.events__tat_new (like public.events including all excluding indexes excluding constraints excluding statistics) for values from ('2024-01-01') to ('2024-02-01');",
		CreateShadowTable("public.events", "for values from ('2024-01-01') to ('2024-02-01')"))
}

func TestRetypeShadowColumns(t *testing.T) {
	stmts := RetypeShadowColumns("public.accounts", []Retype{
		{Column: "balance", NewType: "numeric"},
		{Column: "weird name", NewType: "text"},
	})

	assert.Equal(t, []string{
		`alter table public.accounts__tat_new alter column "balance" type numeric using ("balance"::numeric);`,
		`alter table public.accounts__tat_new alter column "weird name" type text using ("weird name"::text);`,
	}, stmts)
}

func TestRetypeShadowColumnsEmpty(t *testing.T) {
	stmts := RetypeShadowColumns("public.accounts", nil)
	assert.Empty(t, stmts)
}

func TestRetypeForeignColumns(t *testing.T) {
	stmts := RetypeForeignColumns("public.accounts_foreign", []Retype{{Column: "balance", NewType: "numeric"}})
	assert.Equal(t, []string{
		`alter table public.accounts_foreign alter column "balance" type numeric;`,
	}, stmts)
}

func TestCreateDeltaTable(t *testing.T) {
	stmts := CreateDeltaTable("public.accounts")
	assert.Equal(t, []string{
		"create unlogged table public.accounts__tat_delta (like public.accounts excluding all);",
		"alter table public.accounts__tat_delta add column tat_delta_id serial;",
		`alter table public.accounts__tat_delta add column tat_delta_op "char";`,
	}, stmts)
}

func TestCancelAutovacuumMatching(t *testing.T) {
	stmt := CancelAutovacuumMatching("public.accounts")
	assert.Contains(t, stmt, "backend_type = 'autovacuum worker'")
	assert.Contains(t, stmt, "'public.accounts'")
}

func TestDirectCopyUsesOnly(t *testing.T) {
	assert.Equal(t, "insert into public.events__tat_new select * from only public.events;", DirectCopy("public.events"))
}

func TestRenameShadowToLiveQuotesLocalName(t *testing.T) {
	assert.Equal(t, `alter table public.accounts__tat_new rename to "accounts";`, RenameShadowToLive("public.accounts", "accounts"))
}

func TestDropDeltaArtifactsOrder(t *testing.T) {
	stmts := DropDeltaArtifacts("public.accounts")
	assert.Equal(t, []string{
		"drop trigger if exists store__tat_delta on public.accounts;",
		"drop function if exists public.accounts__store_delta();",
		"drop function if exists public.accounts__apply_delta();",
		"drop table if exists public.accounts__tat_delta;",
	}, stmts)
}

func TestCleanupAllIncludesShadowDrop(t *testing.T) {
	stmts := CleanupAll("public.accounts")
	assert.Len(t, stmts, 5)
	assert.Equal(t, "drop table if exists public.accounts__tat_new;", stmts[len(stmts)-1])
}

func TestDetachAndAttachInheritance(t *testing.T) {
	assert.Equal(t, "alter table public.events_2024 no inherit public.events;",
		DetachOldStyleInheritance("public.events_2024", "public.events"))
	assert.Equal(t, "alter table public.events detach partition public.events_2024;",
		DetachDeclarativePartition("public.events", "public.events_2024"))
	assert.Equal(t, "alter table public.events_2024__tat_new inherit public.events__tat_new;",
		AttachOldStyleInheritance("public.events_2024", "public.events"))
}

func TestJoinStatements(t *testing.T) {
	assert.Equal(t, "a;\nb;", JoinStatements([]string{"a;", "b;"}))
}

func TestJoinStatementsSkipsEmpty(t *testing.T) {
	assert.Equal(t, "a;\nb;", JoinStatements([]string{"a;", "", "b;"}))
}
