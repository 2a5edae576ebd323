// SPDX-License-Identifier: Apache-2.0

package orchestrator_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xataio/tatctl/internal/testutils"
	"github.com/xataio/tatctl/pkg/dbgateway"
	"github.com/xataio/tatctl/pkg/orchestrator"
)

func TestMain(m *testing.M) { testutils.SharedTestMain(m) }

func TestRunMigratesColumnType(t *testing.T) {
	ctx := context.Background()
	testutils.WithConnectionToContainer(t, func(db *sql.DB, connStr string) {
		_, err := db.ExecContext(ctx, `create table accounts (id bigint primary key, balance integer not null, name text)`)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `insert into accounts values (1, 100, 'alice'), (2, 200, 'bob')`)
		require.NoError(t, err)

		var events []string
		cfg := orchestrator.Config{
			TableName: "accounts",
			Columns:   []orchestrator.ColumnRequest{{Column: "balance", NewType: "numeric(12,2)"}},
			Jobs:      2,
			BatchSize: 0,
			ProgressFn: func(phase, detail string) {
				events = append(events, phase)
			},
		}

		require.NoError(t, orchestrator.Run(ctx, connStr, cfg))

		var dataType string
		require.NoError(t, db.QueryRowContext(ctx,
			`select data_type from information_schema.columns where table_name = 'accounts' and column_name = 'balance'`,
		).Scan(&dataType))
		assert.Equal(t, "numeric", dataType)

		var count int
		require.NoError(t, db.QueryRowContext(ctx, `select count(*) from accounts`).Scan(&count))
		assert.Equal(t, 2, count)

		assert.Contains(t, events, "setup")
		assert.Contains(t, events, "copy")
		assert.Contains(t, events, "index")
		assert.Contains(t, events, "switchover")
		assert.Contains(t, events, "done")

		// Shadow and delta artifacts are gone after a successful switchover.
		var artifacts int
		require.NoError(t, db.QueryRowContext(ctx,
			`select count(*) from information_schema.tables where table_name in ('accounts__tat_new', 'accounts__tat_delta')`,
		).Scan(&artifacts))
		assert.Equal(t, 0, artifacts)
	})
}

func TestRunNoOpWhenTypeAlreadyMatches(t *testing.T) {
	ctx := context.Background()
	testutils.WithConnectionToContainer(t, func(db *sql.DB, connStr string) {
		_, err := db.ExecContext(ctx, `create table accounts (id bigint primary key, balance numeric not null)`)
		require.NoError(t, err)

		cfg := orchestrator.Config{
			TableName: "accounts",
			Columns:   []orchestrator.ColumnRequest{{Column: "balance", NewType: "numeric"}},
			Jobs:      1,
		}

		require.NoError(t, orchestrator.Run(ctx, connStr, cfg))

		var artifacts int
		require.NoError(t, db.QueryRowContext(ctx,
			`select count(*) from information_schema.tables where table_name = 'accounts__tat_new'`,
		).Scan(&artifacts))
		assert.Equal(t, 0, artifacts)
	})
}

func TestRunRejectsUnknownColumn(t *testing.T) {
	ctx := context.Background()
	testutils.WithConnectionToContainer(t, func(db *sql.DB, connStr string) {
		_, err := db.ExecContext(ctx, `create table accounts (id bigint primary key, balance integer not null)`)
		require.NoError(t, err)

		cfg := orchestrator.Config{
			TableName: "accounts",
			Columns:   []orchestrator.ColumnRequest{{Column: "does_not_exist", NewType: "numeric"}},
			Jobs:      1,
		}

		err = orchestrator.Run(ctx, connStr, cfg)
		assert.Error(t, err)
	})
}

func TestRunRejectsOldStyleInheritanceChildTarget(t *testing.T) {
	ctx := context.Background()
	testutils.WithConnectionToContainer(t, func(db *sql.DB, connStr string) {
		_, err := db.ExecContext(ctx, `create table events (id bigint primary key, payload text not null)`)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `create table events_2024 (id bigint primary key, payload text not null) inherits (events)`)
		require.NoError(t, err)

		cfg := orchestrator.Config{
			TableName: "events_2024",
			Columns:   []orchestrator.ColumnRequest{{Column: "payload", NewType: "varchar"}},
			Jobs:      1,
		}

		err = orchestrator.Run(ctx, connStr, cfg)
		require.Error(t, err)
		var parentErr *dbgateway.AlterParentInsteadError
		assert.ErrorAs(t, err, &parentErr)
	})
}

func TestRunRejectsMultiInheritTarget(t *testing.T) {
	ctx := context.Background()
	testutils.WithConnectionToContainer(t, func(db *sql.DB, connStr string) {
		_, err := db.ExecContext(ctx, `create table events_a (id bigint primary key, payload text not null)`)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `create table events_b (payload2 text not null)`)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `create table events_c (id bigint primary key, payload text not null, payload2 text not null) inherits (events_a, events_b)`)
		require.NoError(t, err)

		cfg := orchestrator.Config{
			TableName: "events_c",
			Columns:   []orchestrator.ColumnRequest{{Column: "payload", NewType: "varchar"}},
			Jobs:      1,
		}

		err = orchestrator.Run(ctx, connStr, cfg)
		require.Error(t, err)
		var multiErr *dbgateway.MultiInheritError
		assert.ErrorAs(t, err, &multiErr)
	})
}

func TestCleanupRemovesLeftoverArtifacts(t *testing.T) {
	ctx := context.Background()
	testutils.WithConnectionToContainer(t, func(db *sql.DB, connStr string) {
		_, err := db.ExecContext(ctx, `create table accounts (id bigint primary key, balance integer not null)`)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `create table accounts__tat_new (id bigint primary key, balance numeric not null)`)
		require.NoError(t, err)

		cfg := orchestrator.Config{TableName: "accounts", Jobs: 1}
		require.NoError(t, orchestrator.Cleanup(ctx, connStr, cfg))

		var count int
		require.NoError(t, db.QueryRowContext(ctx,
			`select count(*) from information_schema.tables where table_name = 'accounts__tat_new'`,
		).Scan(&count))
		assert.Equal(t, 0, count)
	})
}
