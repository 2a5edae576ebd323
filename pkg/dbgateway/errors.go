// SPDX-License-Identifier: Apache-2.0

package dbgateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ErrKind buckets a failure by propagation policy: lock contention is
// retried at certain phases, capture-integrity and switchover failures
// always abort to recovery, preflight failures fail the whole run before
// anything is created.
type ErrKind int

const (
	ErrKindUnknown ErrKind = iota
	ErrKindPreflight
	ErrKindLockContention
	ErrKindCaptureIntegrity
	ErrKindSwitchover
	ErrKindPooler
	ErrKindDriver
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindPreflight:
		return "preflight"
	case ErrKindLockContention:
		return "lock_contention"
	case ErrKindCaptureIntegrity:
		return "capture_integrity"
	case ErrKindSwitchover:
		return "switchover"
	case ErrKindPooler:
		return "pooler"
	case ErrKindDriver:
		return "driver"
	default:
		return "unknown"
	}
}

// ClassifyError buckets an error returned from any Gateway/Scope call into
// an ErrKind. Lock contention covers both lock_not_available (55P03,
// raised once lock_timeout expires) and deadlock_detected (40P01),
// treated the same way: roll back and retry the locking loop.
func ClassifyError(err error) ErrKind {
	if err == nil {
		return ErrKindUnknown
	}

	var kindErr interface{ Kind() ErrKind }
	if errors.As(err, &kindErr) {
		return kindErr.Kind()
	}

	if IsLockNotAvailable(err) || IsDeadlockDetected(err) {
		return ErrKindLockContention
	}

	pqErr := &pq.Error{}
	if errors.As(err, &pqErr) {
		return ErrKindDriver
	}

	return ErrKindUnknown
}

// TableNotFoundError is raised when the target table's qualified name
// doesn't resolve via ::regclass.
type TableNotFoundError struct {
	Table string
}

func (e *TableNotFoundError) Error() string {
	return "table not found: " + e.Table
}

func (e *TableNotFoundError) Kind() ErrKind { return ErrKindPreflight }

// NoPrimaryKeyError is raised when the table has neither a primary key
// nor a unique constraint whose columns are all NOT NULL.
type NoPrimaryKeyError struct {
	Table string
}

func (e *NoPrimaryKeyError) Error() string {
	return "table " + e.Table + " does not have a primary key or a not-null unique constraint"
}

func (e *NoPrimaryKeyError) Kind() ErrKind { return ErrKindPreflight }

// AlterParentInsteadError is raised when the target table has exactly one
// parent (an old-style inheritance child or a declarative partition): the
// retype has to run against the parent, whose migration covers its
// children.
type AlterParentInsteadError struct {
	Table  string
	Parent string
}

func (e *AlterParentInsteadError) Error() string {
	return "table " + e.Table + " inherits from " + e.Parent + ", alter the parent instead"
}

func (e *AlterParentInsteadError) Kind() ErrKind { return ErrKindPreflight }

// MultiInheritError is raised when the target table inherits from more
// than one parent: the hierarchy walk assumes a single inheritance chain
// per table.
type MultiInheritError struct {
	Table   string
	Parents []string
}

func (e *MultiInheritError) Error() string {
	return fmt.Sprintf("table %s inherits from multiple parents (%s), not supported", e.Table, strings.Join(e.Parents, ", "))
}

func (e *MultiInheritError) Kind() ErrKind { return ErrKindPreflight }

// NoColumnsToAlterError mirrors `--force`'s short-circuit: none of the
// requested columns actually change type, and --force was not given.
type NoColumnsToAlterError struct {
	Table string
}

func (e *NoColumnsToAlterError) Error() string {
	return "no column to alter on " + e.Table + ", use --force to alter anyway"
}

func (e *NoColumnsToAlterError) Kind() ErrKind { return ErrKindPreflight }

// ColumnDoesNotExistError is raised during preflight when a --column flag
// names a column the target table doesn't have.
type ColumnDoesNotExistError struct {
	Table  string
	Column string
}

func (e *ColumnDoesNotExistError) Error() string {
	return "column " + e.Column + " does not exist on table " + e.Table
}

func (e *ColumnDoesNotExistError) Kind() ErrKind { return ErrKindPreflight }

// InvalidTypeError is raised when a --column flag's target type doesn't
// resolve via ::regtype.
type InvalidTypeError struct {
	Type string
	Err  error
}

func (e *InvalidTypeError) Error() string {
	return "invalid type " + e.Type + ": " + e.Err.Error()
}

func (e *InvalidTypeError) Unwrap() error { return e.Err }

func (e *InvalidTypeError) Kind() ErrKind { return ErrKindPreflight }

// DeltaOverflowError is raised when the delta trigger's serial id column
// would wrap. Once it happens the delta log can no longer be trusted to
// replay in order, so the whole run aborts rather than risk silently
// losing rows.
type DeltaOverflowError struct {
	Table string
}

func (e *DeltaOverflowError) Error() string {
	return "delta sequence overflow on " + e.Table + ": capture integrity can no longer be guaranteed"
}

func (e *DeltaOverflowError) Kind() ErrKind { return ErrKindCaptureIntegrity }

// SwitchoverAbortedError wraps any error that ends a LOCKING attempt other
// than lock contention, and any error raised in the CUTTING_OVER phase
// once the table lock is held. It always routes to recovery rather than
// being retried in place.
type SwitchoverAbortedError struct {
	Err error
}

func (e *SwitchoverAbortedError) Error() string {
	return "switchover aborted: " + e.Err.Error()
}

func (e *SwitchoverAbortedError) Unwrap() error { return e.Err }

func (e *SwitchoverAbortedError) Kind() ErrKind { return ErrKindSwitchover }

// PoolerError wraps a failure talking to the pgbouncer admin console
// (PAUSE/RESUME), distinct from ordinary Postgres errors because the
// pooler speaks a restricted admin-only SQL dialect and a failure here
// doesn't necessarily mean the underlying database is unreachable.
type PoolerError struct {
	Op  string
	Err error
}

func (e *PoolerError) Error() string {
	return "pgbouncer " + e.Op + ": " + e.Err.Error()
}

func (e *PoolerError) Unwrap() error { return e.Err }

func (e *PoolerError) Kind() ErrKind { return ErrKindPooler }
