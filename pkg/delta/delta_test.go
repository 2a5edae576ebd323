// SPDX-License-Identifier: Apache-2.0

package delta_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xataio/tatctl/internal/testutils"
	"github.com/xataio/tatctl/pkg/ddl"
	"github.com/xataio/tatctl/pkg/delta"
	"github.com/xataio/tatctl/pkg/dbgateway"
	"github.com/xataio/tatctl/pkg/introspect"
)

func TestMain(m *testing.M) { testutils.SharedTestMain(m) }

func setupAccountsTable(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	_, err := db.ExecContext(ctx, `create table accounts (id bigint primary key, balance integer not null, name text)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `insert into accounts values (1, 100, 'alice'), (2, 200, 'bob')`)
	require.NoError(t, err)
}

func TestSetupCreatesShadowTable(t *testing.T) {
	ctx := context.Background()
	testutils.WithGatewayAndConnectionToContainer(t, func(gw *dbgateway.Gateway, db *sql.DB) {
		setupAccountsTable(t, ctx, db)

		scope, err := gw.Acquire(ctx)
		require.NoError(t, err)
		ti, err := introspect.GetTableInfo(ctx, scope, "accounts")
		require.NoError(t, err)
		scope.Release()

		require.NoError(t, delta.Setup(ctx, gw, ti, []ddl.Retype{{Column: "balance", NewType: "numeric"}}))

		var dataType string
		require.NoError(t, db.QueryRowContext(ctx,
			`select data_type from information_schema.columns where table_name = 'accounts__tat_new' and column_name = 'balance'`,
		).Scan(&dataType))
		assert.Equal(t, "numeric", dataType)
	})
}

func TestCopyInitialAndApplyDelta(t *testing.T) {
	ctx := context.Background()
	testutils.WithGatewayAndConnectionToContainer(t, func(gw *dbgateway.Gateway, db *sql.DB) {
		setupAccountsTable(t, ctx, db)

		scope, err := gw.Acquire(ctx)
		require.NoError(t, err)
		ti, err := introspect.GetTableInfo(ctx, scope, "accounts")
		require.NoError(t, err)
		scope.Release()

		require.NoError(t, delta.Setup(ctx, gw, ti, nil))
		require.NoError(t, delta.SetupDeltaCapture(ctx, gw, ti))
		require.NoError(t, delta.CopyInitial(ctx, gw, ti))

		var shadowCount int
		require.NoError(t, db.QueryRowContext(ctx, `select count(*) from accounts__tat_new`).Scan(&shadowCount))
		assert.Equal(t, 2, shadowCount)

		_, err = db.ExecContext(ctx, `insert into accounts values (3, 300, 'carol')`)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `update accounts set balance = 150 where id = 1`)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `delete from accounts where id = 2`)
		require.NoError(t, err)

		var deltaRows int
		require.NoError(t, db.QueryRowContext(ctx, `select count(*) from accounts__tat_delta`).Scan(&deltaRows))
		assert.Equal(t, 3, deltaRows)

		n, err := delta.ApplyDelta(ctx, gw, "accounts")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		rows, err := db.QueryContext(ctx, `select id, balance from accounts__tat_new order by id`)
		require.NoError(t, err)
		defer rows.Close()

		type row struct {
			ID      int
			Balance int
		}
		var got []row
		for rows.Next() {
			var r row
			require.NoError(t, rows.Scan(&r.ID, &r.Balance))
			got = append(got, r)
		}
		assert.Equal(t, []row{{ID: 1, Balance: 150}, {ID: 3, Balance: 300}}, got)

		var remaining int
		require.NoError(t, db.QueryRowContext(ctx, `select count(*) from accounts__tat_delta`).Scan(&remaining))
		assert.Equal(t, 0, remaining)
	})
}

func TestApplyDeltaRejectsNearOverflowSequence(t *testing.T) {
	ctx := context.Background()
	testutils.WithGatewayAndConnectionToContainer(t, func(gw *dbgateway.Gateway, db *sql.DB) {
		setupAccountsTable(t, ctx, db)

		scope, err := gw.Acquire(ctx)
		require.NoError(t, err)
		ti, err := introspect.GetTableInfo(ctx, scope, "accounts")
		require.NoError(t, err)
		scope.Release()

		require.NoError(t, delta.Setup(ctx, gw, ti, nil))
		require.NoError(t, delta.SetupDeltaCapture(ctx, gw, ti))
		require.NoError(t, delta.CopyInitial(ctx, gw, ti))

		_, err = db.ExecContext(ctx, `select setval(pg_get_serial_sequence('accounts__tat_delta', 'tat_delta_id'), 2147483647 - 1)`)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `update accounts set balance = 150 where id = 1`)
		require.NoError(t, err)

		_, err = delta.ApplyDelta(ctx, gw, "accounts")
		require.Error(t, err)
		var overflowErr *dbgateway.DeltaOverflowError
		assert.ErrorAs(t, err, &overflowErr)
	})
}

func TestCopierBatchedSinglePK(t *testing.T) {
	ctx := context.Background()
	testutils.WithGatewayAndConnectionToContainer(t, func(gw *dbgateway.Gateway, db *sql.DB) {
		_, err := db.ExecContext(ctx, `create table accounts (id bigint primary key, balance integer not null)`)
		require.NoError(t, err)
		for i := 1; i <= 25; i++ {
			_, err := db.ExecContext(ctx, `insert into accounts values ($1, $2)`, i, i*10)
			require.NoError(t, err)
		}

		scope, err := gw.Acquire(ctx)
		require.NoError(t, err)
		ti, err := introspect.GetTableInfo(ctx, scope, "accounts")
		require.NoError(t, err)
		scope.Release()

		require.NoError(t, delta.Setup(ctx, gw, ti, nil))

		copier := delta.NewCopier(ti, 10)
		require.NoError(t, copier.CopyAll(ctx, gw))

		var count int
		require.NoError(t, db.QueryRowContext(ctx, `select count(*) from accounts__tat_new`).Scan(&count))
		assert.Equal(t, 25, count)
	})
}

func TestCopierBatchedCompositePK(t *testing.T) {
	ctx := context.Background()
	testutils.WithGatewayAndConnectionToContainer(t, func(gw *dbgateway.Gateway, db *sql.DB) {
		_, err := db.ExecContext(ctx, `create table line_items (order_id bigint, line_no integer, amount integer not null, primary key (order_id, line_no))`)
		require.NoError(t, err)
		for o := 1; o <= 3; o++ {
			for l := 1; l <= 5; l++ {
				_, err := db.ExecContext(ctx, `insert into line_items values ($1, $2, $3)`, o, l, o*l)
				require.NoError(t, err)
			}
		}

		scope, err := gw.Acquire(ctx)
		require.NoError(t, err)
		ti, err := introspect.GetTableInfo(ctx, scope, "line_items")
		require.NoError(t, err)
		scope.Release()

		require.NoError(t, delta.Setup(ctx, gw, ti, nil))

		copier := delta.NewCopier(ti, 4)
		require.NoError(t, copier.CopyAll(ctx, gw))

		var count int
		require.NoError(t, db.QueryRowContext(ctx, `select count(*) from line_items__tat_new`).Scan(&count))
		assert.Equal(t, 15, count)
	})
}
