// Package cacheerr defines the sentinel error kinds shared by the store
// adapter and the cache engine. Callers use errors.Is against these values;
// call sites wrap them with fmt.Errorf("...: %w", ...) for context.
package cacheerr

import "errors"

var (
	// ErrInvalidArgument is returned for empty table/key or a non-mapping document.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStoreUnavailable is returned when the persistent store cannot be reached.
	// Retriable by caller policy.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTimeout is the kind for a store operation that exceeds its
	// deadline. No adapter in this module returns it: SQLStore wraps
	// deadline failures in the same kinds as its other errors.
	ErrTimeout = errors.New("store operation timed out")

	// ErrSchemaError is returned when DDL or a batch write violates the table's
	// schema. Fatal for the affected table only.
	ErrSchemaError = errors.New("schema error")

	// ErrQueryError is returned when a predicate query is rejected by the store.
	ErrQueryError = errors.New("query error")

	// ErrEngineStopped is returned by public operations invoked after Stop has
	// begun.
	ErrEngineStopped = errors.New("engine stopped")

	// ErrNotFound is the kind for a single-row lookup that misses. The store
	// adapters report a miss as found=false with a nil error, not with this.
	ErrNotFound = errors.New("not found")
)
