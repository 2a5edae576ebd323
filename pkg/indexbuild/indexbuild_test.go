// SPDX-License-Identifier: Apache-2.0

package indexbuild

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xataio/tatctl/internal/testutils"
	"github.com/xataio/tatctl/pkg/dbgateway"
)

func TestMain(m *testing.M) { testutils.SharedTestMain(m) }

func TestIndexName(t *testing.T) {
	tests := []struct {
		stmt string
		want string
	}{
		{`create index accounts__tat_new_pkey on accounts__tat_new using btree (id);`, "accounts__tat_new_pkey"},
		{`create unique index accounts_email_key on accounts__tat_new using btree (email);`, "accounts_email_key"},
		{"not a create index statement", "not a create index statement"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, indexName(tt.stmt))
	}
}

func TestBuildEmptyIsNoOp(t *testing.T) {
	assert.NoError(t, Build(context.Background(), nil, nil, 4, nil))
}

func TestBuildRunsAllStatements(t *testing.T) {
	ctx := context.Background()
	testutils.WithGatewayAndConnectionToContainer(t, func(gw *dbgateway.Gateway, db *sql.DB) {
		_, err := db.ExecContext(ctx, `create table accounts__tat_new (id bigint, email text, balance integer)`)
		require.NoError(t, err)

		stmts := []string{
			`create index idx_accounts_email on accounts__tat_new (email);`,
			`create index idx_accounts_balance on accounts__tat_new (balance);`,
		}

		var started, done int64
		require.NoError(t, Build(ctx, gw, stmts, 2, func(event, name string, _ time.Duration) {
			switch event {
			case "start":
				atomic.AddInt64(&started, 1)
			case "done":
				atomic.AddInt64(&done, 1)
			}
		}))

		assert.EqualValues(t, 2, started)
		assert.EqualValues(t, 2, done)

		var count int
		require.NoError(t, db.QueryRowContext(ctx, `select count(*) from pg_indexes where tablename = 'accounts__tat_new'`).Scan(&count))
		assert.Equal(t, 2, count)
	})
}

func TestBuildStopsOnFirstError(t *testing.T) {
	ctx := context.Background()
	testutils.WithGatewayAndConnectionToContainer(t, func(gw *dbgateway.Gateway, db *sql.DB) {
		_, err := db.ExecContext(ctx, `create table accounts__tat_new (id bigint, email text)`)
		require.NoError(t, err)

		stmts := []string{
			`create index idx_ok on accounts__tat_new (id);`,
			`create index idx_bad on accounts__tat_new (does_not_exist);`,
		}

		err = Build(ctx, gw, stmts, 1, nil)
		assert.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "idx_bad"))
	})
}

func TestAnalyze(t *testing.T) {
	ctx := context.Background()
	testutils.WithGatewayAndConnectionToContainer(t, func(gw *dbgateway.Gateway, db *sql.DB) {
		_, err := db.ExecContext(ctx, `create table accounts__tat_new (id bigint primary key)`)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `insert into accounts__tat_new values (1), (2), (3)`)
		require.NoError(t, err)

		assert.NoError(t, Analyze(ctx, gw, "accounts"))
	})
}
