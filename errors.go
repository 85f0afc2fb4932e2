package lessql

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for common failure classes. Typed errors below
// match them through errors.Is.
var (
	// ErrConfig is returned when an operation is requested on a query for
	// which it is semantically undefined, e.g. an aggregate on an
	// association or Via on a root query.
	ErrConfig = errors.New("lessql: invalid query configuration")

	// ErrIdentity is returned when a row identity cannot be resolved,
	// e.g. marking a row clean without a primary key value.
	ErrIdentity = errors.New("lessql: unresolved row identity")

	// ErrUnsatisfiable is returned when a recursive save cannot make
	// progress because of a cycle of mutual required references or a
	// missing required value.
	ErrUnsatisfiable = errors.New("lessql: unsatisfiable row structure")

	// ErrPaging is returned for a page index below 1.
	ErrPaging = errors.New("lessql: invalid page")
)

// ConfigError reports a semantically undefined operation on a query.
type ConfigError struct {
	op     string
	reason string
}

// Error returns the error string.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("lessql: %s: %s", e.op, e.reason)
}

// Is reports whether the target error matches ConfigError.
func (e *ConfigError) Is(err error) bool {
	return err == ErrConfig
}

// Op returns the offending operation name.
func (e *ConfigError) Op() string {
	return e.op
}

func newConfigError(op, reason string) *ConfigError {
	return &ConfigError{op: op, reason: reason}
}

// IdentityError reports an unresolvable row identity.
type IdentityError struct {
	table  string
	column string
	reason string
}

// Error returns the error string.
func (e *IdentityError) Error() string {
	if e.column != "" {
		return fmt.Sprintf("lessql: table %q, column %q: %s", e.table, e.column, e.reason)
	}
	return fmt.Sprintf("lessql: table %q: %s", e.table, e.reason)
}

// Is reports whether the target error matches IdentityError.
func (e *IdentityError) Is(err error) bool {
	return err == ErrIdentity
}

// Table returns the table the identity belongs to.
func (e *IdentityError) Table() string {
	return e.table
}

// Column returns the column involved, if any.
func (e *IdentityError) Column() string {
	return e.column
}

// UnsatisfiableError reports that a recursive save made no progress in a
// full round. Tables lists the tables of the rows that could not be
// persisted, to locate the offending subtree.
type UnsatisfiableError struct {
	tables []string
}

// Error returns the error string.
func (e *UnsatisfiableError) Error() string {
	return fmt.Sprintf("lessql: unsatisfiable row structure, could not save rows of: %s",
		strings.Join(e.tables, ", "))
}

// Is reports whether the target error matches UnsatisfiableError.
func (e *UnsatisfiableError) Is(err error) bool {
	return err == ErrUnsatisfiable
}

// Tables returns the tables of the rows that were left unsaved.
func (e *UnsatisfiableError) Tables() []string {
	return e.tables
}

// PagingError reports an invalid page index.
type PagingError struct {
	page int
}

// Error returns the error string.
func (e *PagingError) Error() string {
	return fmt.Sprintf("lessql: page numbers start at 1, got %d", e.page)
}

// Is reports whether the target error matches PagingError.
func (e *PagingError) Is(err error) bool {
	return err == ErrPaging
}

// Page returns the rejected page index.
func (e *PagingError) Page() int {
	return e.page
}
