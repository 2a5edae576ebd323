// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/xataio/tatctl/pkg/dbgateway"
	"github.com/xataio/tatctl/pkg/introspect"
)

// Copier performs the batched alternative to CopyInitial: it walks the
// primary-key range in ascending order, copying batchSize rows per
// iteration, tracking the last PK value seen so the next batch's
// predicate can pick up where the last one left off.
type Copier struct {
	ti        *introspect.TableInfo
	batchSize int
	lastPK    []string
}

// NewCopier constructs a Copier for ti with the given batch size.
func NewCopier(ti *introspect.TableInfo, batchSize int) *Copier {
	return &Copier{ti: ti, batchSize: batchSize}
}

// CopyAll runs batches until one returns fewer rows than batchSize.
func (c *Copier) CopyAll(ctx context.Context, gw *dbgateway.Gateway) error {
	for {
		n, err := c.copyNextBatch(ctx, gw)
		if err != nil {
			return err
		}
		if n < c.batchSize {
			return nil
		}
	}
}

func (c *Copier) copyNextBatch(ctx context.Context, gw *dbgateway.Gateway) (int, error) {
	pkColumns := quoteAll(c.ti.PKColumns)
	pkList := strings.Join(pkColumns, ", ")
	predicate := c.predicate()

	var selectQuery string
	if len(c.ti.PKColumns) == 1 {
		selectQuery = fmt.Sprintf("select max(%s) as %s, count(1) as count from batch", pkColumns[0], pkColumns[0])
	} else {
		selectQuery = fmt.Sprintf(
			"select %s, count from (select %s, row_number() over () as row_number, count(1) over () as count from batch) x where x.row_number = x.count",
			pkList, pkList)
	}

	query := fmt.Sprintf(`
		with batch as (
			insert into %s__tat_new
			  select *
			    from only %s
			   where %s
			   order by %s
			   limit %d
			returning %s
		)
		%s`, c.ti.QualifiedName, c.ti.QualifiedName, predicate, pkList, c.batchSize, pkList, selectQuery)

	var n int
	err := gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
		rows, err := scope.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		if !rows.Next() {
			n = 0
			return rows.Err()
		}

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		dest := make([]interface{}, len(cols))
		vals := make([]interface{}, len(cols))
		for i := range dest {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}

		countVal, ok := vals[len(vals)-1].(int64)
		if !ok || countVal == 0 {
			n = 0
			return rows.Err()
		}

		lastPK := make([]string, len(c.ti.PKColumns))
		for i := range c.ti.PKColumns {
			lastPK[i] = fmt.Sprintf("%v", vals[i])
		}
		c.lastPK = lastPK
		n = int(countVal)
		return rows.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("copy next batch for %s: %w", c.ti.QualifiedName, err)
	}
	return n, nil
}

// predicate renders the PK-range predicate for the next batch: `true` on
// the first call, `pk > last_pk` for a single-column key, or a row-wise
// tuple comparison for a composite key, matching get_predicate exactly.
func (c *Copier) predicate() string {
	if c.lastPK == nil {
		return "true"
	}
	pkColumns := quoteAll(c.ti.PKColumns)
	if len(pkColumns) == 1 {
		return fmt.Sprintf("%s > %s", pkColumns[0], c.lastPKLiteral(0))
	}
	values := make([]string, len(pkColumns))
	for i := range pkColumns {
		values[i] = c.lastPKLiteral(i)
	}
	return fmt.Sprintf("(%s) > (%s)", strings.Join(pkColumns, ", "), strings.Join(values, ", "))
}

// lastPKLiteral renders a tracked PK value for use in the predicate:
// integer/bigint columns are emitted bare, everything else is quoted and
// cast, matching get_last_pk_value.
func (c *Copier) lastPKLiteral(i int) string {
	colType := c.ti.PKTypes[i]
	switch colType {
	case "integer", "bigint", "smallint":
		return c.lastPK[i]
	default:
		return fmt.Sprintf("%s::%s", pq.QuoteLiteral(c.lastPK[i]), colType)
	}
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pq.QuoteIdentifier(n)
	}
	return out
}
