package subsync

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned when no storage is configured or reachable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRecordNotFound is returned by point lookups that match nothing
	ErrRecordNotFound = errors.New("subscription record not found")

	// ErrUniqueViolation matches any unique-constraint ConstraintError
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrForeignKeyViolation matches any foreign-key ConstraintError
	ErrForeignKeyViolation = errors.New("foreign key violation")

	// ErrIdentityConflict is returned when two distinct users claim one provider identity
	ErrIdentityConflict = errors.New("provider identity owned by another user")

	// ErrInvalidEvent is returned for events missing the provider user id
	ErrInvalidEvent = errors.New("invalid event")
)

// Column names reported by ConstraintError.
const (
	ColumnProviderUserID = "provider_user_id"
	ColumnUserID         = "user_id"
)

// ConstraintKind distinguishes the two constraint classes the writer reacts to.
type ConstraintKind int

const (
	UniqueViolation ConstraintKind = iota + 1
	ForeignKeyViolation
)

func (k ConstraintKind) String() string {
	switch k {
	case UniqueViolation:
		return "unique"
	case ForeignKeyViolation:
		return "foreign_key"
	default:
		return "unknown"
	}
}

// ConstraintError is surfaced by Storage implementations when a write is
// rejected by a unique or foreign-key constraint.
type ConstraintError struct {
	Kind       ConstraintKind
	Column     string
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	kind := e.Kind.String()
	if e.Err != nil {
		return fmt.Sprintf("%s violation on %s (%s): %v", kind, e.Column, e.Constraint, e.Err)
	}
	return fmt.Sprintf("%s violation on %s (%s)", kind, e.Column, e.Constraint)
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel for the constraint class.
func (e *ConstraintError) Is(target error) bool {
	switch target {
	case ErrUniqueViolation:
		return e.Kind == UniqueViolation
	case ErrForeignKeyViolation:
		return e.Kind == ForeignKeyViolation
	}
	return false
}

// UniqueViolationOn reports whether err is a unique violation on column.
func UniqueViolationOn(err error, column string) bool {
	var ce *ConstraintError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == UniqueViolation && ce.Column == column
}
