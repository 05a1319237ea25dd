// Database lifecycle and collection registry.
//
// A Database is opened against a configuration, then Initialize creates
// the data directory and re-opens every collection found on disk. The
// collection registry is idempotent: repeated Collection calls with the
// same name return the same instance, so two handles never race on
// separate caches or metadata.
package docudb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultName is the database directory name when Config.Name is empty.
const DefaultName = "docudb"

// Config holds database configuration options. Zero values select the
// defaults noted on each field.
type Config struct {
	Name          string             // Database directory name (default "docudb"); must pass name sanitization
	DataDir       string             // Parent directory (default current working directory)
	ChunkSize     int                // Max bytes per chunk before compression (default 1MiB)
	NoCompression bool               // Disable per-chunk gzip (compression is on by default)
	IDType        string             // "mongo" or "uuid" (default "mongo")
	HashAlgorithm int                // Lock striping / key digest algorithm (default AlgXXHash3)
	Logger        *zap.SugaredLogger // Default: no-op logger
}

// Database is the top-level handle: configuration, storage, the index
// manager, and the collection registry.
type Database struct {
	config  Config
	root    string
	logger  *zap.SugaredLogger
	store   *storage
	indexes *indexManager
	locks   *lockTable

	mu          sync.Mutex
	collections map[string]*Collection
	initialized bool
	closed      bool
}

// Open validates the configuration and returns an uninitialized database.
// No filesystem activity happens until Initialize.
func Open(config Config) (*Database, error) {
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.DataDir == "" {
		config.DataDir = "."
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.IDType == "" {
		config.IDType = IDTypeMongo
	}
	if config.HashAlgorithm == 0 {
		config.HashAlgorithm = AlgXXHash3
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}

	if err := validateName(config.Name); err != nil {
		return nil, err
	}

	return &Database{
		config:      config,
		root:        filepath.Join(config.DataDir, config.Name),
		logger:      config.Logger,
		collections: make(map[string]*Collection),
	}, nil
}

// Initialize creates the data directory, sets up storage, and re-opens
// every subdirectory not starting with '_' as a collection.
func (db *Database) Initialize() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if db.initialized {
		return nil
	}

	store, err := newStorage(db.root, db.config.ChunkSize, !db.config.NoCompression, db.logger)
	if err != nil {
		return err
	}
	db.store = store
	db.indexes = newIndexManager(db.root, db.config.HashAlgorithm, db.logger)
	db.locks = newLockTable(db.config.HashAlgorithm)
	db.initialized = true

	entries, err := os.ReadDir(db.root)
	if err != nil {
		return fmt.Errorf("%w: listing %s: %w", ErrInit, db.root, err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		if _, err := db.openCollection(e.Name(), CollectionOptions{}); err != nil {
			return fmt.Errorf("%w: reopening collection %s: %w", ErrLoad, e.Name(), err)
		}
	}

	db.logger.Infow("database initialized", "root", db.root, "collections", len(db.collections))
	return nil
}

// Collection returns the named collection, creating it lazily on first
// reference. Idempotent: repeated calls with the same name return the
// existing instance. Options passed on a repeated call go through
// adoptOptions: a schema is taken only when the collection has none, while
// a non-empty IDType or Timestamps: true is applied on every such call.
func (db *Database) Collection(name string, opts ...CollectionOptions) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	if !db.initialized {
		return nil, ErrNotInitialized
	}
	if err := validateCollectionName(name); err != nil {
		return nil, err
	}

	if existing, ok := db.collections[name]; ok {
		// Same instance on repeated calls. A collection that has no
		// schema yet (such as one auto-opened at Initialize) adopts the
		// caller's schema; id type and timestamp settings are applied
		// whenever they are given.
		if len(opts) > 0 {
			existing.adoptOptions(opts[0])
		}
		return existing, nil
	}

	var o CollectionOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return db.openCollection(name, o)
}

// openCollection builds and initializes a collection. Caller holds db.mu.
func (db *Database) openCollection(name string, o CollectionOptions) (*Collection, error) {
	idType := db.config.IDType
	if o.Schema != nil && o.Schema.Options().IDType != "" {
		idType = o.Schema.Options().IDType
	}
	if o.IDType != "" {
		idType = o.IDType
	}
	timestamps := o.Timestamps
	if o.Schema != nil && o.Schema.Options().Timestamps {
		timestamps = true
	}

	c := &Collection{
		name:       name,
		store:      db.store,
		indexes:    db.indexes,
		locks:      db.locks,
		logger:     db.logger,
		schema:     o.Schema,
		idType:     idType,
		timestamps: timestamps,
		docs:       make(map[string]*cachedDoc),
	}
	if err := c.initialize(); err != nil {
		return nil, err
	}
	db.collections[name] = c
	return c, nil
}

// DropCollection deletes a collection's documents and directory. Returns
// false (not an error) when the collection does not exist.
func (db *Database) DropCollection(name string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return false, ErrClosed
	}
	if !db.initialized {
		return false, ErrNotInitialized
	}

	c, ok := db.collections[name]
	if !ok {
		if _, err := os.Stat(filepath.Join(db.root, name)); os.IsNotExist(err) {
			return false, nil
		}
		opened, err := db.openCollection(name, CollectionOptions{})
		if err != nil {
			return false, err
		}
		c = opened
	}

	err := c.Drop()
	delete(db.collections, name)
	db.indexes.dropCollection(name)
	if err != nil {
		return false, fmt.Errorf("%w: collection %s: %w", ErrDrop, name, err)
	}
	db.logger.Infow("dropped collection", "name", name)
	return true, nil
}

// Close marks the database closed and forgets its collections. Open file
// activity is per-call, so there are no handles to release beyond the
// logger's buffers.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true
	db.collections = make(map[string]*Collection)

	var errs error
	if err := db.logger.Sync(); err != nil && !isIgnorableSyncError(err) {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// isIgnorableSyncError filters the EINVAL/ENOTTY class of errors that
// zap's Sync reports when logging to a terminal.
func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

// validateName sanitizes a database name: it becomes a directory name, so
// traversal, absolute paths, device names, control characters, template
// syntax, and URL-encoded traversal are all rejected.
func validateName(name string) error {
	if name == "" || len(name) > 64 {
		return fmt.Errorf("%w: name must be 1-64 characters", ErrInvalidName)
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("%w: absolute paths not allowed", ErrInvalidName)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: path traversal not allowed", ErrInvalidName)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control characters not allowed", ErrInvalidName)
		}
	}
	if strings.Contains(name, "${") || strings.Contains(name, "{{") || strings.Contains(name, "`") {
		return fmt.Errorf("%w: template syntax not allowed", ErrInvalidName)
	}
	lower := strings.ToLower(name)
	for _, encoded := range []string{"%2e", "%2f", "%5c"} {
		if strings.Contains(lower, encoded) {
			return fmt.Errorf("%w: encoded traversal not allowed", ErrInvalidName)
		}
	}
	if isReservedName(lower) {
		return fmt.Errorf("%w: %q is a reserved system name", ErrInvalidName, name)
	}
	if name == "." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// validateCollectionName applies the same sanitization plus the reserved
// underscore prefix.
func validateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCollection)
	}
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("%w: %q: underscore prefix is reserved", ErrInvalidCollection, name)
	}
	if err := validateName(name); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

// isReservedName matches Windows device names, which remain hazardous as
// directory names even on other platforms when trees are copied around.
func isReservedName(lower string) bool {
	switch lower {
	case "con", "prn", "aux", "nul":
		return true
	}
	for _, prefix := range []string{"com", "lpt"} {
		if len(lower) == 4 && strings.HasPrefix(lower, prefix) && lower[3] >= '1' && lower[3] <= '9' {
			return true
		}
	}
	return false
}
