// SPDX-License-Identifier: Apache-2.0

// Package indexbuild fans CREATE INDEX statements for one table's shadow
// out over a fixed-size worker pool: a pool of workers draining a shared
// queue, first failure wins, implemented with errgroup over a
// mutex-guarded slice rather than a native queue type.
package indexbuild

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xataio/tatctl/pkg/dbgateway"
)

// ProgressFn is called as each index build starts and finishes, letting
// the CLI print "start <name>" / "done <name> in <duration>" lines.
type ProgressFn func(event string, indexName string, d time.Duration)

var indexNamePattern = regexp.MustCompile(`(?i)create\s+(?:unique\s+)?index\s+(\S+)\s+on`)

// Build runs every statement in createIndexes (already largest-cardinality
// first, per the introspector) across jobs workers, each on its own
// connection. If any worker's statement fails, the error is returned once
// all in-flight statements have finished; remaining queued statements are
// never started ("other workers complete their current
// statement and then stop").
func Build(ctx context.Context, gw *dbgateway.Gateway, createIndexes []string, jobs int, progress ProgressFn) error {
	if len(createIndexes) == 0 {
		return nil
	}
	if jobs < 1 {
		jobs = 1
	}

	var mu sync.Mutex
	queue := append([]string(nil), createIndexes...)

	next := func() (string, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(queue) == 0 {
			return "", false
		}
		stmt := queue[0]
		queue = queue[1:]
		return stmt, true
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < jobs; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				stmt, ok := next()
				if !ok {
					return nil
				}

				name := indexName(stmt)
				start := time.Now()
				if progress != nil {
					progress("start", name, 0)
				}

				if err := execOne(ctx, gw, stmt); err != nil {
					return fmt.Errorf("create index %s: %w", name, err)
				}

				if progress != nil {
					progress("done", name, time.Since(start))
				}
			}
		})
	}

	return g.Wait()
}

func execOne(ctx context.Context, gw *dbgateway.Gateway, stmt string) error {
	scope, err := gw.Acquire(ctx)
	if err != nil {
		return err
	}
	defer scope.Release()

	_, err = scope.Exec(ctx, stmt)
	return err
}

func indexName(createStmt string) string {
	m := indexNamePattern.FindStringSubmatch(createStmt)
	if len(m) < 2 {
		return createStmt
	}
	return m[1]
}

// Analyze runs ANALYZE on the shadow table, single-threaded, after all
// indexes have been built.
func Analyze(ctx context.Context, gw *dbgateway.Gateway, qualifiedName string) error {
	return gw.WithRetryableTransaction(ctx, func(ctx context.Context, scope *dbgateway.Scope) error {
		_, err := scope.Exec(ctx, fmt.Sprintf("analyze %s__tat_new;", qualifiedName))
		return err
	})
}
