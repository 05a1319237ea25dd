// Collection CRUD orchestration.
//
// A Collection ties the subsystems together: schema validation, id
// generation, index maintenance, chunked persistence, and the ordering
// metadata that gives documents a stable enumeration order across
// restarts.
//
// Write paths follow a fixed sequence. Inserts update indexes before
// writing chunks, so a uniqueness violation can never leave orphaned chunk
// files. Updates hold the per-document lock across the write sequence:
// new chunks are written first, stale chunks deleted after, then metadata,
// then indexes. All metadata writes funnel through metaMu — a single
// writer per collection, so concurrent inserts cannot lose count or
// documentOrder updates.
//
// Reads are lock-free: they observe pre- or post-update state but never a
// torn document, because updates swap the cache entry only after the new
// chunk set is fully written.
package docudb

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// metadataFile is the per-collection metadata filename.
const metadataFile = "_metadata.json"

// IndexSpec records one index in collection metadata.
type IndexSpec struct {
	Fields []string `json:"fields"`
	Unique bool     `json:"unique"`
	Sparse bool     `json:"sparse"`
	Name   string   `json:"name"`
}

// Metadata is the persisted collection state: document count, registered
// indexes, lifecycle timestamps, and the stable document order.
type Metadata struct {
	Count         int         `json:"count"`
	Indices       []IndexSpec `json:"indices"`
	Created       time.Time   `json:"created"`
	Updated       time.Time   `json:"updated"`
	DocumentOrder []string    `json:"documentOrder"`
}

// CollectionOptions configures a collection at first reference.
type CollectionOptions struct {
	Schema     *Schema // Optional declarative schema
	IDType     string  // Overrides the database id type
	Timestamps bool    // Maintain _createdAt/_updatedAt without a schema
}

// cachedDoc pairs a document with the chunk paths it was read from or
// written to.
type cachedDoc struct {
	chunkPaths []string
	data       Document
}

// Collection is a named set of documents sharing a directory, an optional
// schema, and zero or more indexes.
type Collection struct {
	name    string
	store   *storage
	indexes *indexManager
	locks   *lockTable
	logger  *zap.SugaredLogger

	schema     *Schema
	idType     string
	timestamps bool

	cacheMu sync.RWMutex
	docs    map[string]*cachedDoc

	metaMu sync.Mutex
	meta   *Metadata
}

// initialize ensures the collection directory exists, loads or creates the
// metadata file, and rehydrates persisted indexes.
func (c *Collection) initialize() error {
	if err := os.MkdirAll(c.dir(), 0o755); err != nil {
		return fmt.Errorf("%w: collection %s: %w", ErrInit, c.name, err)
	}
	if err := c.loadMetadata(); err != nil {
		return err
	}
	if err := c.indexes.loadIndices(c.name); err != nil {
		return fmt.Errorf("collection %s: %w", c.name, err)
	}
	c.logger.Debugw("opened collection", "name", c.name, "count", c.meta.Count)
	return nil
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// adoptOptions applies options from a repeated Collection call to an
// existing instance, typically one auto-opened at Initialize without
// options. A schema already in place is never replaced; a non-empty IDType
// overrides the current id type and Timestamps: true turns timestamps on.
func (c *Collection) adoptOptions(o CollectionOptions) {
	if o.Schema != nil && c.schema == nil {
		c.schema = o.Schema
		if o.Schema.Options().IDType != "" {
			c.idType = o.Schema.Options().IDType
		}
		if o.Schema.Options().Timestamps {
			c.timestamps = true
		}
		// Cached documents were read without the schema's date revival.
		c.cacheMu.Lock()
		c.docs = make(map[string]*cachedDoc)
		c.cacheMu.Unlock()
	}
	if o.IDType != "" {
		c.idType = o.IDType
	}
	if o.Timestamps {
		c.timestamps = true
	}
}

// Metadata returns a snapshot of the collection metadata.
func (c *Collection) Metadata() Metadata {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	snapshot := *c.meta
	snapshot.Indices = slices.Clone(c.meta.Indices)
	snapshot.DocumentOrder = slices.Clone(c.meta.DocumentOrder)
	return snapshot
}

// InsertOne validates, persists, and indexes a single document, returning
// the stored form including any generated id.
func (c *Collection) InsertOne(doc Document) (Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is nil", ErrInvalidDocument)
	}

	var stored Document
	if c.schema != nil {
		validated, err := c.schema.Validate(doc)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", c.name, err)
		}
		stored = validated
		if c.timestamps && !c.schema.Options().Timestamps {
			stamp(stored, doc)
		}
	} else {
		stored = copyDocument(doc)
		if c.timestamps {
			stamp(stored, doc)
		}
	}

	if raw, present := stored["_id"]; present {
		id, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: _id must be a string (collection %s)", ErrInvalidID, c.name)
		}
		if !c.schemaOwnsID() && !isValidID(id) {
			return nil, fmt.Errorf("%w: %q (collection %s)", ErrInvalidID, id, c.name)
		}
	} else {
		stored["_id"] = generateID(c.idType)
	}
	id := stored.ID()

	if c.position(id) != -1 {
		return nil, fmt.Errorf("%w: duplicate _id %s in collection %s", ErrInsert, id, c.name)
	}

	// Indexes first: a uniqueness violation must never leave orphaned
	// chunk files behind.
	if err := c.indexes.updateIndex(c.name, id, stored); err != nil {
		return nil, fmt.Errorf("collection %s: %w", c.name, err)
	}

	paths, err := c.store.saveData(c.name, id, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: collection %s, id %s: %w", ErrInsert, c.name, id, err)
	}

	c.cachePut(id, paths, stored)

	if err := c.mutateMeta(func(m *Metadata) {
		m.Count++
		m.DocumentOrder = append(m.DocumentOrder, id)
	}); err != nil {
		return nil, err
	}

	return stored, nil
}

// InsertMany inserts sequentially. Already-inserted documents remain when
// a later one fails; the error chain reports each failure.
func (c *Collection) InsertMany(docs []Document) ([]Document, error) {
	var inserted []Document
	var errs error
	for i, doc := range docs {
		stored, err := c.InsertOne(doc)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("document %d: %w", i, err))
			continue
		}
		inserted = append(inserted, stored)
	}
	return inserted, errs
}

// FindByID loads one document by id, from cache when possible. A missing
// document yields (nil, nil).
func (c *Collection) FindByID(id string) (Document, error) {
	if err := c.checkID(id); err != nil {
		return nil, err
	}

	c.cacheMu.RLock()
	if entry, ok := c.docs[id]; ok {
		c.cacheMu.RUnlock()
		return entry.data, nil
	}
	c.cacheMu.RUnlock()

	paths, err := c.store.listChunks(c.name, id)
	if err != nil {
		return nil, fmt.Errorf("collection %s, id %s: %w", c.name, id, err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	value, err := c.store.readData(paths)
	if err != nil {
		return nil, fmt.Errorf("collection %s, id %s: %w", c.name, id, err)
	}
	m, ok := asMap(value)
	if !ok {
		return nil, fmt.Errorf("%w: collection %s, id %s: payload is not a document", ErrRead, c.name, id)
	}
	doc := Document(m)

	if c.schema != nil {
		doc = c.schema.Revive(doc)
	}
	if c.timestamps {
		reviveTimestamps(doc)
	}

	c.cachePut(id, paths, doc)
	return doc, nil
}

// Find returns every document matching criteria, in stable document order
// for full scans.
func (c *Collection) Find(criteria Criteria) ([]Document, error) {
	q, err := NewQuery(criteria)
	if err != nil {
		return nil, err
	}
	return c.FindWith(q)
}

// FindOne returns the first match, or nil.
func (c *Collection) FindOne(criteria Criteria) (Document, error) {
	docs, err := c.Find(criteria)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// FindWith executes a compiled query. When a top-level field criterion is
// a plain scalar and that field is indexed, candidates come from the index
// and are re-checked against the full criteria; otherwise (or when the
// lookup yields nothing) the collection falls back to a full scan.
func (c *Collection) FindWith(q *Query) ([]Document, error) {
	for _, field := range slices.Sorted(maps.Keys(map[string]any(q.criteria))) {
		if strings.HasPrefix(field, "$") {
			continue
		}
		value := q.criteria[field]
		if _, isMap := asMap(value); isMap {
			continue
		}
		if !c.indexes.hasIndex(c.name, field) {
			continue
		}
		ids, ok := c.indexes.findByIndex(c.name, field, value)
		if !ok || len(ids) == 0 {
			continue
		}
		candidates := make([]Document, 0, len(ids))
		for _, id := range ids {
			doc, err := c.FindByID(id)
			if err != nil {
				return nil, err
			}
			if doc != nil {
				candidates = append(candidates, doc)
			}
		}
		return q.Execute(candidates), nil
	}

	docs, err := c.loadAllDocuments()
	if err != nil {
		return nil, err
	}
	return q.Execute(docs), nil
}

// UpdateByID applies an update document (operator form or replacement) to
// one document. Returns the updated document, or nil when the id does not
// exist.
func (c *Collection) UpdateByID(id string, update Document) (Document, error) {
	if err := c.checkID(id); err != nil {
		return nil, err
	}
	if err := validateUpdate(update); err != nil {
		return nil, fmt.Errorf("collection %s, id %s: %w", c.name, id, err)
	}

	current, err := c.FindByID(id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	next, err := applyUpdate(current, update)
	if err != nil {
		return nil, fmt.Errorf("collection %s, id %s: %w", c.name, id, err)
	}
	next["_id"] = id

	if c.schema != nil {
		next, err = c.schema.Validate(next)
		if err != nil {
			return nil, fmt.Errorf("collection %s, id %s: %w", c.name, id, err)
		}
		if c.timestamps && !c.schema.Options().Timestamps {
			stamp(next, next)
		}
	} else if c.timestamps {
		stamp(next, next)
	}

	release, err := c.locks.acquire(c.name, id)
	if err != nil {
		return nil, err
	}
	defer release()

	paths, err := c.store.saveData(c.name, id, next)
	if err != nil {
		return nil, fmt.Errorf("%w: collection %s, id %s: %w", ErrUpdate, c.name, id, err)
	}

	// Chunks the previous version used but the new one does not (the
	// document shrank) are deleted only after the new write landed.
	if stale := diffPaths(c.cachedPaths(id), paths); len(stale) > 0 {
		if err := c.store.deleteChunks(stale); err != nil {
			c.logger.Warnw("stale chunk cleanup failed", "collection", c.name, "id", id, "error", err)
		}
	}

	c.cachePut(id, paths, next)

	if err := c.mutateMeta(func(m *Metadata) {}); err != nil {
		return nil, err
	}

	if err := c.indexes.updateIndex(c.name, id, next); err != nil {
		return nil, fmt.Errorf("collection %s, id %s: %w", c.name, id, err)
	}

	return next, nil
}

// UpdateMany applies update to every match, returning the success count.
func (c *Collection) UpdateMany(criteria Criteria, update Document) (int, error) {
	docs, err := c.Find(criteria)
	if err != nil {
		return 0, err
	}
	updated := 0
	var errs error
	for _, doc := range docs {
		if _, err := c.UpdateByID(doc.ID(), update); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		updated++
	}
	return updated, errs
}

// DeleteByID removes one document, its chunk directory, and its index
// entries. Returns false when the id does not exist.
func (c *Collection) DeleteByID(id string) (bool, error) {
	if err := c.checkID(id); err != nil {
		return false, err
	}

	doc, err := c.FindByID(id)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, nil
	}

	paths := c.cachedPaths(id)
	if len(paths) == 0 {
		paths, _ = c.store.listChunks(c.name, id)
	}
	if err := c.store.deleteChunks(paths); err != nil {
		return false, fmt.Errorf("%w: collection %s, id %s: %w", ErrDelete, c.name, id, err)
	}
	if err := c.store.removeDoc(c.name, id); err != nil {
		return false, fmt.Errorf("collection %s, id %s: %w", c.name, id, err)
	}
	if err := c.indexes.removeFromIndices(c.name, id); err != nil {
		return false, fmt.Errorf("collection %s, id %s: %w", c.name, id, err)
	}

	c.cacheMu.Lock()
	delete(c.docs, id)
	c.cacheMu.Unlock()

	if err := c.mutateMeta(func(m *Metadata) {
		m.Count = max(0, m.Count-1)
		m.DocumentOrder = slices.DeleteFunc(m.DocumentOrder, func(d string) bool { return d == id })
	}); err != nil {
		return false, err
	}

	return true, nil
}

// DeleteOne removes the first match.
func (c *Collection) DeleteOne(criteria Criteria) (bool, error) {
	doc, err := c.FindOne(criteria)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, nil
	}
	return c.DeleteByID(doc.ID())
}

// DeleteMany removes every match, returning the number deleted.
func (c *Collection) DeleteMany(criteria Criteria) (int, error) {
	docs, err := c.Find(criteria)
	if err != nil {
		return 0, err
	}
	deleted := 0
	var errs error
	for _, doc := range docs {
		ok, err := c.DeleteByID(doc.ID())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted, errs
}

// Count returns the number of matching documents. Empty criteria read the
// metadata count directly instead of scanning.
func (c *Collection) Count(criteria Criteria) (int, error) {
	if len(criteria) == 0 {
		c.metaMu.Lock()
		defer c.metaMu.Unlock()
		return c.meta.Count, nil
	}
	docs, err := c.Find(criteria)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// CreateIndex registers an index and back-fills it over every existing
// document. Idempotent: repeated calls neither rebuild nor duplicate the
// metadata entry.
func (c *Collection) CreateIndex(fields []string, opts IndexOptions) error {
	spec := fieldSpec(fields)
	existed := c.indexes.hasIndex(c.name, spec)

	if err := c.indexes.createIndex(c.name, fields, opts); err != nil {
		return fmt.Errorf("collection %s: %w", c.name, err)
	}

	if !existed {
		for _, id := range c.order() {
			doc, err := c.FindByID(id)
			if err != nil || doc == nil {
				continue
			}
			if err := c.indexes.updateIndex(c.name, id, doc); err != nil {
				return fmt.Errorf("collection %s: back-filling %s: %w", c.name, spec, err)
			}
		}
	}

	return c.mutateMeta(func(m *Metadata) {
		for _, existing := range m.Indices {
			if fieldSpec(existing.Fields) == spec {
				return
			}
		}
		name := opts.Name
		if name == "" {
			name = spec
		}
		m.Indices = append(m.Indices, IndexSpec{
			Fields: slices.Clone(fields),
			Unique: opts.Unique,
			Sparse: opts.Sparse,
			Name:   name,
		})
	})
}

// DropIndex removes an index and its metadata entry.
func (c *Collection) DropIndex(fields []string) error {
	spec := fieldSpec(fields)
	if err := c.indexes.dropIndex(c.name, spec); err != nil {
		return fmt.Errorf("collection %s: %w", c.name, err)
	}
	return c.mutateMeta(func(m *Metadata) {
		m.Indices = slices.DeleteFunc(m.Indices, func(s IndexSpec) bool {
			return fieldSpec(s.Fields) == spec
		})
	})
}

// ListIndexes returns the collection's indexes.
func (c *Collection) ListIndexes() []*Index {
	return c.indexes.listIndexes(c.name)
}

// GetPosition returns the document's position in the stable order, or -1
// when the id is not present.
func (c *Collection) GetPosition(id string) (int, error) {
	if err := c.checkID(id); err != nil {
		return -1, err
	}
	return c.position(id), nil
}

// FindByPosition returns the document at position i, or nil when i is past
// the end. Negative positions are rejected.
func (c *Collection) FindByPosition(i int) (Document, error) {
	if i < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPosition, i)
	}
	order := c.order()
	if i >= len(order) {
		return nil, nil
	}
	return c.FindByID(order[i])
}

// UpdatePosition moves a document to a new slot in the stable order.
// Positions past the end clamp to the last slot; negative positions are
// rejected. The cache is invalidated and rehydrated so enumeration order
// and cached state stay consistent.
func (c *Collection) UpdatePosition(id string, newIndex int) error {
	if err := c.checkID(id); err != nil {
		return err
	}
	if newIndex < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPosition, newIndex)
	}

	moved := false
	err := c.mutateMeta(func(m *Metadata) {
		current := slices.Index(m.DocumentOrder, id)
		if current == -1 {
			return
		}
		target := min(newIndex, len(m.DocumentOrder)-1)
		if target == current {
			moved = true
			return
		}
		m.DocumentOrder = slices.Delete(m.DocumentOrder, current, current+1)
		m.DocumentOrder = slices.Insert(m.DocumentOrder, target, id)
		moved = true
	})
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: id %s (collection %s)", ErrNotFound, id, c.name)
	}

	c.cacheMu.Lock()
	c.docs = make(map[string]*cachedDoc)
	c.cacheMu.Unlock()
	for _, docID := range c.order() {
		if _, err := c.FindByID(docID); err != nil {
			return err
		}
	}
	return nil
}

// Drop deletes every document and removes the collection directory.
func (c *Collection) Drop() error {
	var errs error
	for _, id := range c.order() {
		if _, err := c.DeleteByID(id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	c.indexes.dropCollection(c.name)
	if err := os.RemoveAll(c.dir()); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%w: collection %s: %w", ErrDrop, c.name, err))
	}
	c.cacheMu.Lock()
	c.docs = make(map[string]*cachedDoc)
	c.cacheMu.Unlock()
	return errs
}

// checkID applies the collection's id rule: when the schema owns _id
// validation only the string type is required (the pattern ran at
// insert); otherwise the id must be a well-formed mongo or UUID id.
func (c *Collection) checkID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id (collection %s)", ErrInvalidID, c.name)
	}
	if c.schemaOwnsID() {
		return nil
	}
	if !isValidID(id) {
		return fmt.Errorf("%w: %q (collection %s)", ErrInvalidID, id, c.name)
	}
	return nil
}

func (c *Collection) schemaOwnsID() bool {
	return c.schema != nil && c.schema.OwnsIDValidation()
}

// loadAllDocuments loads every document in stable order.
func (c *Collection) loadAllDocuments() ([]Document, error) {
	order := c.order()
	docs := make([]Document, 0, len(order))
	for _, id := range order {
		doc, err := c.FindByID(id)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// order snapshots DocumentOrder.
func (c *Collection) order() []string {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return slices.Clone(c.meta.DocumentOrder)
}

// position returns the index of id in DocumentOrder, or -1.
func (c *Collection) position(id string) int {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return slices.Index(c.meta.DocumentOrder, id)
}

// cachePut stores a cache entry.
func (c *Collection) cachePut(id string, paths []string, doc Document) {
	c.cacheMu.Lock()
	c.docs[id] = &cachedDoc{chunkPaths: paths, data: doc}
	c.cacheMu.Unlock()
}

// cachedPaths returns the chunk paths recorded for id, or nil.
func (c *Collection) cachedPaths(id string) []string {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if entry, ok := c.docs[id]; ok {
		return entry.chunkPaths
	}
	return nil
}

// mutateMeta runs fn under the metadata lock, bumps Updated, and persists.
// Single-writer metadata is what keeps concurrent inserts from losing
// count or order updates.
func (c *Collection) mutateMeta(fn func(*Metadata)) error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	fn(c.meta)
	c.meta.Updated = time.Now()
	return c.saveMetadataLocked()
}

// loadMetadata reads the metadata file, creating a fresh one for a new
// collection.
func (c *Collection) loadMetadata() error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	data, err := os.ReadFile(c.metadataPath())
	if os.IsNotExist(err) {
		now := time.Now()
		c.meta = &Metadata{
			Created:       now,
			Updated:       now,
			Indices:       []IndexSpec{},
			DocumentOrder: []string{},
		}
		return c.saveMetadataLocked()
	}
	if err != nil {
		return fmt.Errorf("%w: reading metadata for %s: %w", ErrMetadata, c.name, err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("%w: parsing metadata for %s: %w", ErrMetadata, c.name, err)
	}
	if meta.DocumentOrder == nil {
		meta.DocumentOrder = []string{}
	}
	if meta.Indices == nil {
		meta.Indices = []IndexSpec{}
	}
	c.meta = &meta
	return nil
}

// saveMetadataLocked writes the metadata file whole. Caller holds metaMu.
func (c *Collection) saveMetadataLocked() error {
	data, err := json.Marshal(c.meta)
	if err != nil {
		return fmt.Errorf("%w: encoding metadata for %s: %w", ErrMetadata, c.name, err)
	}
	if err := os.WriteFile(c.metadataPath(), data, 0o644); err != nil {
		return fmt.Errorf("%w: writing metadata for %s: %w", ErrMetadata, c.name, err)
	}
	return nil
}

func (c *Collection) dir() string {
	return filepath.Join(c.store.root, c.name)
}

func (c *Collection) metadataPath() string {
	return filepath.Join(c.dir(), metadataFile)
}

// diffPaths returns the elements of prev not present in next.
func diffPaths(prev, next []string) []string {
	var stale []string
	for _, p := range prev {
		if !slices.Contains(next, p) {
			stale = append(stale, p)
		}
	}
	return stale
}
