// Package docudb provides an embedded, single-process document store backed
// by a local directory tree. Documents are JSON-like maps persisted as an
// ordered sequence of size-bounded chunk files, optionally gzip-compressed.
// Collections carry optional declarative schemas, equality indexes (simple
// or compound, optionally unique or sparse), and a MongoDB-style filter
// language with sort, skip, limit, and projection.
//
// There is no server and no network protocol: a Database is opened against
// a data directory and used in-process. Per-document updates are
// serialised by a striped lock table; metadata writes are serialised per
// collection so concurrent inserts cannot lose count or ordering updates.
package docudb

import "errors"

// Sentinel errors for programmatic handling. Callers use errors.Is to
// branch on the failure kind; higher layers wrap these with operational
// context (collection name, document id, field) via fmt.Errorf and %w.

// Database lifecycle errors.
var (
	ErrNotInitialized = errors.New("database not initialized")
	ErrInvalidName    = errors.New("invalid database name")
	ErrInit           = errors.New("initialization failed")
	ErrLoad           = errors.New("load failed")
	ErrClosed         = errors.New("database is closed")
)

// Collection and document errors.
var (
	ErrInvalidCollection = errors.New("invalid collection name")
	ErrMetadata          = errors.New("metadata operation failed")
	ErrDrop              = errors.New("drop failed")
	ErrInvalidDocument   = errors.New("invalid document")
	ErrInvalidID         = errors.New("invalid document id")
	ErrNotFound          = errors.New("document not found")
	ErrInsert            = errors.New("insert failed")
	ErrUpdate            = errors.New("update failed")
	ErrDelete            = errors.New("delete failed")
	ErrLock              = errors.New("could not acquire document lock")
	ErrInvalidUpdate     = errors.New("invalid update operator")
	ErrInvalidPosition   = errors.New("invalid document position")
)

// Schema validation errors.
var (
	ErrRequiredField    = errors.New("required field missing")
	ErrInvalidType      = errors.New("invalid type")
	ErrInvalidValue     = errors.New("value out of range")
	ErrInvalidLength    = errors.New("invalid length")
	ErrInvalidRegex     = errors.New("value does not match pattern")
	ErrInvalidEnum      = errors.New("value not in enum")
	ErrCustomValidation = errors.New("custom validation failed")
	ErrInvalidField     = errors.New("field not allowed by schema")
)

// Storage and compression errors.
var (
	ErrSave       = errors.New("save failed")
	ErrRead       = errors.New("read failed")
	ErrCompress   = errors.New("compression failed")
	ErrDecompress = errors.New("decompression failed")
)

// Index errors.
var (
	ErrUniqueViolation  = errors.New("unique index violation")
	ErrIndexSave        = errors.New("index save failed")
	ErrIndexLoad        = errors.New("index load failed")
	ErrInvalidFieldType = errors.New("invalid index field")
)

// Query errors.
var (
	ErrInvalidOperator = errors.New("unknown query operator")
	ErrInvalidCriteria = errors.New("invalid query criteria")
)
