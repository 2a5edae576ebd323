// SPDX-License-Identifier: Apache-2.0

// Package ddl builds the SQL fragments that depend on runtime choices the
// introspector can't pre-render: the column retype clauses (which columns,
// which new types) and the shadow table's creation statement.
package ddl

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Retype is one user-requested column-type change, normalized against the
// catalog (NewType is the ::regtype-canonical spelling).
type Retype struct {
	Column  string
	NewType string
}

// CreateShadowTable renders `CREATE TABLE T__tat_new (LIKE T INCLUDING ALL
// EXCLUDING INDEXES EXCLUDING CONSTRAINTS EXCLUDING STATISTICS)`, optionally
// followed by a partition-bound clause for declarative children.
func CreateShadowTable(qualifiedName, partitionExpr string) string {
	stmt := fmt.Sprintf(
		"create table %s__tat_new (like %s including all excluding indexes excluding constraints excluding statistics)",
		qualifiedName, qualifiedName)
	if partitionExpr != "" {
		stmt += " " + partitionExpr
	}
	return stmt + ";"
}

// RetypeShadowColumns renders one `ALTER COLUMN ... TYPE ... USING (...)`
// per requested retype.
func RetypeShadowColumns(qualifiedName string, retypes []Retype) []string {
	stmts := make([]string, 0, len(retypes))
	for _, r := range retypes {
		stmts = append(stmts, fmt.Sprintf(
			"alter table %s__tat_new alter column %s type %s using (%s::%s);",
			qualifiedName, pq.QuoteIdentifier(r.Column), r.NewType, pq.QuoteIdentifier(r.Column), r.NewType))
	}
	return stmts
}

// RetypeForeignColumns renders the column retype applied directly to a
// foreign-kind child during re-attach: no USING cast, because foreign
// tables cannot be rewritten in place.
func RetypeForeignColumns(qualifiedName string, retypes []Retype) []string {
	stmts := make([]string, 0, len(retypes))
	for _, r := range retypes {
		stmts = append(stmts, fmt.Sprintf(
			"alter table %s alter column %s type %s;",
			qualifiedName, pq.QuoteIdentifier(r.Column), r.NewType))
	}
	return stmts
}

// CreateDeltaTable renders `CREATE UNLOGGED TABLE T__tat_delta (LIKE T
// EXCLUDING ALL)` plus the tat_delta_id/tat_delta_op bookkeeping columns.
func CreateDeltaTable(qualifiedName string) []string {
	return []string{
		fmt.Sprintf("create unlogged table %s__tat_delta (like %s excluding all);", qualifiedName, qualifiedName),
		fmt.Sprintf("alter table %s__tat_delta add column tat_delta_id serial;", qualifiedName),
		fmt.Sprintf(`alter table %s__tat_delta add column tat_delta_op "char";`, qualifiedName),
	}
}

// DisableAutovacuum renders the pair of ALTER TABLE statements that turn
// off autovacuum on both the live table and its shadow while the migration
// is in flight.
func DisableAutovacuum(qualifiedName string) []string {
	return []string{
		fmt.Sprintf("alter table %s set (autovacuum_enabled = false);", qualifiedName),
		fmt.Sprintf("alter table %s__tat_new set (autovacuum_enabled = false);", qualifiedName),
	}
}

// CancelAutovacuumMatching renders the query that cancels any autovacuum
// worker whose query text references qualifiedName.
func CancelAutovacuumMatching(qualifiedName string) string {
	return fmt.Sprintf(`select pg_cancel_backend(pid)
  from pg_stat_activity
 where state = 'active' and
       backend_type = 'autovacuum worker' and
       query ~ %s;`, pq.QuoteLiteral(qualifiedName))
}

// CancelAllAutovacuum renders the query that cancels every autovacuum
// worker in the instance, used once inside CUTTING_OVER before dropping
// FKs owned by external tables.
const CancelAllAutovacuum = `select pg_cancel_backend(pid)
  from pg_stat_activity
 where state = 'active' and
       backend_type = 'autovacuum worker';`

// DirectCopy renders the unbatched initial-copy statement. ONLY is
// critical for partitioned/inheritance parents: children are migrated as
// their own nodes and must not be double-copied.
func DirectCopy(qualifiedName string) string {
	return fmt.Sprintf("insert into %s__tat_new select * from only %s;", qualifiedName, qualifiedName)
}

// LockExclusive renders the ACCESS EXCLUSIVE table lock taken at the start
// of LOCKING.
func LockExclusive(qualifiedName string) string {
	return fmt.Sprintf("lock table %s in access exclusive mode;", qualifiedName)
}

// RenameShadowToLive renders the final rename that makes the shadow table
// the live table.
func RenameShadowToLive(qualifiedName, localName string) string {
	return fmt.Sprintf("alter table %s__tat_new rename to %s;", qualifiedName, pq.QuoteIdentifier(localName))
}

// DropLiveTable renders the DROP of the original table once its
// dependents have all been detached.
func DropLiveTable(qualifiedName string) string {
	return fmt.Sprintf("drop table %s;", qualifiedName)
}

// ResetAutovacuum renders the statement that restores the default
// autovacuum_enabled setting after a successful or failed run.
func ResetAutovacuum(qualifiedName string) string {
	return fmt.Sprintf("alter table %s reset (autovacuum_enabled);", qualifiedName)
}

// DropDeltaArtifacts renders the trigger/function/table teardown run
// inside CUTTING_OVER once the final delta has been applied, in reverse
// creation order, keeping T__tat_new.
func DropDeltaArtifacts(qualifiedName string) []string {
	return []string{
		fmt.Sprintf("drop trigger if exists store__tat_delta on %s;", qualifiedName),
		fmt.Sprintf("drop function if exists %s__store_delta();", qualifiedName),
		fmt.Sprintf("drop function if exists %s__apply_delta();", qualifiedName),
		fmt.Sprintf("drop table if exists %s__tat_delta;", qualifiedName),
	}
}

// CleanupAll renders the idempotent full teardown used by --cleanup,
// identical to DropDeltaArtifacts plus dropping the shadow table too.
func CleanupAll(qualifiedName string) []string {
	stmts := DropDeltaArtifacts(qualifiedName)
	return append(stmts, fmt.Sprintf("drop table if exists %s__tat_new;", qualifiedName))
}

// DetachOldStyleInheritance renders `ALTER TABLE f NO INHERIT parent` for
// an old-style-inheritance foreign-kind child.
func DetachOldStyleInheritance(childQualifiedName, parentQualifiedName string) string {
	return fmt.Sprintf("alter table %s no inherit %s;", childQualifiedName, parentQualifiedName)
}

// DetachDeclarativePartition renders `ALTER TABLE parent DETACH PARTITION
// child`.
func DetachDeclarativePartition(parentQualifiedName, childQualifiedName string) string {
	return fmt.Sprintf("alter table %s detach partition %s;", parentQualifiedName, childQualifiedName)
}

// AttachOldStyleInheritance renders `ALTER TABLE child__tat_new INHERIT
// parent__tat_new`, used while building the shadow hierarchy.
func AttachOldStyleInheritance(childQualifiedName, parentQualifiedName string) string {
	return fmt.Sprintf("alter table %s__tat_new inherit %s__tat_new;", childQualifiedName, parentQualifiedName)
}

// JoinStatements joins pre-rendered fragments with newlines into a single
// batch, dropping empties, so a node's DDL can run as one round trip
// instead of one Exec per statement. Used by execAll's callers while
// holding the exclusive lock in CUTTING_OVER, where round trips add
// directly to lock hold time.
func JoinStatements(stmts []string) string {
	nonEmpty := make([]string, 0, len(stmts))
	for _, s := range stmts {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, "\n")
}
