// Equality indexes with disk persistence.
//
// An index maps a normalized value key to the list of document ids carrying
// that value. Compound indexes join the per-field projections with '|'.
// Indexes serve equality lookups only — there are no range scans.
//
// On disk each collection keeps an _indices/ directory with one
// <fieldSpec>.idx file per index, holding the full index structure as JSON
// and rewritten whole on every change. The in-memory map is authoritative
// while the collection is open; files exist to survive restarts.
//
// updateIndex checks uniqueness across every index of the collection before
// mutating any of them, so a violation leaves the indexes untouched for
// that document.
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
	"go.uber.org/zap"
)

// indicesDir is the per-collection directory holding persisted indexes.
const indicesDir = "_indices"

// maxInlineKey caps the stored length of a normalized key. Longer keys
// keep a prefix for debuggability and collapse the rest into a hash digest.
const maxInlineKey = 256

// IndexOptions configures index creation.
type IndexOptions struct {
	Unique bool   // No two documents may share a value on the indexed field(s)
	Sparse bool   // Documents missing the field are omitted entirely
	Name   string // Optional display name; defaults to the field spec
}

// Index is one equality index: definition plus the bucket map.
type Index struct {
	Fields   []string            `json:"fields"`
	Compound bool                `json:"isCompound"`
	Unique   bool                `json:"unique"`
	Sparse   bool                `json:"sparse"`
	Name     string              `json:"name"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`
	Entries  map[string][]string `json:"entries"`
}

// fieldSpec is the canonical identifier of an index within a collection:
// the field name, or the '+'-joined field names for compound indexes.
func fieldSpec(fields []string) string {
	return strings.Join(fields, "+")
}

// indexManager owns every index of every collection in a database.
type indexManager struct {
	root   string
	alg    int
	logger *zap.SugaredLogger

	mu      sync.Mutex
	indices map[string]map[string]*Index // collection -> fieldSpec -> index
}

func newIndexManager(root string, alg int, logger *zap.SugaredLogger) *indexManager {
	return &indexManager{
		root:    root,
		alg:     alg,
		logger:  logger,
		indices: make(map[string]map[string]*Index),
	}
}

// createIndex registers and persists a new index. Idempotent: creating an
// index that already exists is a no-op. The caller back-fills existing
// documents via updateIndex afterwards.
func (im *indexManager) createIndex(collection string, fields []string, opts IndexOptions) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields given", ErrInvalidFieldType)
	}
	for _, f := range fields {
		if f == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidFieldType)
		}
	}

	spec := fieldSpec(fields)

	im.mu.Lock()
	defer im.mu.Unlock()

	if _, exists := im.indices[collection][spec]; exists {
		return nil
	}

	name := opts.Name
	if name == "" {
		name = spec
	}
	now := time.Now()
	idx := &Index{
		Fields:   slices.Clone(fields),
		Compound: len(fields) > 1,
		Unique:   opts.Unique,
		Sparse:   opts.Sparse,
		Name:     name,
		Created:  now,
		Updated:  now,
		Entries:  make(map[string][]string),
	}

	if im.indices[collection] == nil {
		im.indices[collection] = make(map[string]*Index)
	}
	im.indices[collection][spec] = idx

	if err := im.saveIndex(collection, spec, idx); err != nil {
		delete(im.indices[collection], spec)
		return err
	}

	im.logger.Infow("created index", "collection", collection, "fields", spec,
		"unique", opts.Unique, "sparse", opts.Sparse)
	return nil
}

// dropIndex removes an index from memory and deletes its file. Dropping an
// unknown index is a no-op.
func (im *indexManager) dropIndex(collection, spec string) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	delete(im.indices[collection], spec)

	path := im.indexPath(collection, spec)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing %s: %w", ErrDrop, path, err)
	}
	return nil
}

// updateIndex records doc's values in every index of the collection.
// Uniqueness is checked across all indexes before any mutation, so a
// violation leaves every index unchanged for this document. Sparse indexes
// skip documents missing the indexed field. Changes are persisted once at
// the end.
func (im *indexManager) updateIndex(collection, docID string, doc Document) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	group := im.indices[collection]
	if len(group) == 0 {
		return nil
	}

	type projection struct {
		key     string
		present bool
	}
	projected := make(map[string]projection, len(group))

	for spec, idx := range group {
		key, present := im.projectKey(idx, doc)
		projected[spec] = projection{key, present}

		if idx.Unique && present {
			owners := idx.Entries[key]
			if len(owners) > 0 && !slices.Contains(owners, docID) {
				return fmt.Errorf("%w: value already indexed by %q on %s (id %s)",
					ErrUniqueViolation, idx.Name, fieldSpec(idx.Fields), docID)
			}
		}
	}

	for spec, idx := range group {
		p := projected[spec]
		if !p.present && idx.Sparse {
			continue
		}
		removeID(idx, docID)
		idx.Entries[p.key] = append(idx.Entries[p.key], docID)
		idx.Updated = time.Now()
	}

	return im.persistCollection(collection)
}

// removeFromIndices purges docID from every index of the collection and
// persists the result.
func (im *indexManager) removeFromIndices(collection, docID string) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	group := im.indices[collection]
	if len(group) == 0 {
		return nil
	}
	for _, idx := range group {
		removeID(idx, docID)
		idx.Updated = time.Now()
	}
	return im.persistCollection(collection)
}

// findByIndex returns the ids stored under value for the given field spec.
// The second return is false when no such index exists.
func (im *indexManager) findByIndex(collection, spec string, value any) ([]string, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()

	idx, ok := im.indices[collection][spec]
	if !ok {
		return nil, false
	}
	return slices.Clone(idx.Entries[im.normalizeKey(value, true)]), true
}

// hasIndex reports whether the collection has an index for the field spec.
func (im *indexManager) hasIndex(collection, spec string) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	_, ok := im.indices[collection][spec]
	return ok
}

// listIndexes returns the collection's indexes.
func (im *indexManager) listIndexes(collection string) []*Index {
	im.mu.Lock()
	defer im.mu.Unlock()

	group := im.indices[collection]
	out := make([]*Index, 0, len(group))
	for _, spec := range slices.Sorted(maps.Keys(group)) {
		out = append(out, group[spec])
	}
	return out
}

// loadIndices rehydrates every persisted index of a collection. Called at
// collection open; missing directory means no indexes yet.
func (im *indexManager) loadIndices(collection string) error {
	dir := filepath.Join(im.root, collection, indicesDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: listing %s: %w", ErrIndexLoad, dir, err)
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".idx") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("%w: reading %s: %w", ErrIndexLoad, e.Name(), err)
		}
		var idx Index
		if err := json.Unmarshal(data, &idx); err != nil {
			return fmt.Errorf("%w: parsing %s: %w", ErrIndexLoad, e.Name(), err)
		}
		if idx.Entries == nil {
			idx.Entries = make(map[string][]string)
		}
		if im.indices[collection] == nil {
			im.indices[collection] = make(map[string]*Index)
		}
		im.indices[collection][strings.TrimSuffix(e.Name(), ".idx")] = &idx
	}

	im.logger.Debugw("loaded indexes", "collection", collection, "count", len(im.indices[collection]))
	return nil
}

// dropCollection forgets every in-memory index of a collection. The files
// go with the collection directory.
func (im *indexManager) dropCollection(collection string) {
	im.mu.Lock()
	delete(im.indices, collection)
	im.mu.Unlock()
}

// persistCollection writes every index of the collection to disk.
// Caller holds im.mu.
func (im *indexManager) persistCollection(collection string) error {
	for spec, idx := range im.indices[collection] {
		if err := im.saveIndex(collection, spec, idx); err != nil {
			return err
		}
	}
	return nil
}

// saveIndex writes one index file whole. Caller holds im.mu.
func (im *indexManager) saveIndex(collection, spec string, idx *Index) error {
	dir := filepath.Join(im.root, collection, indicesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrIndexSave, dir, err)
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrIndexSave, spec, err)
	}
	if err := os.WriteFile(im.indexPath(collection, spec), data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %w", ErrIndexSave, spec, err)
	}
	return nil
}

func (im *indexManager) indexPath(collection, spec string) string {
	return filepath.Join(im.root, collection, indicesDir, spec+".idx")
}

// projectKey derives the index key for doc: the normalized value for a
// simple index, the '|'-joined per-field normalizations for a compound
// one. present is false when every indexed field is absent.
func (im *indexManager) projectKey(idx *Index, doc Document) (string, bool) {
	present := false
	parts := make([]string, len(idx.Fields))
	for i, field := range idx.Fields {
		value, found := lookupPath(doc, field)
		if found {
			present = true
			parts[i] = im.normalizeKey(value, true)
		} else {
			parts[i] = "undefined"
		}
	}
	return strings.Join(parts, "|"), present
}

// normalizeKey derives the deterministic equality key for a value:
//
//	nil        -> "null"
//	absent     -> "undefined" (callers pass found=false)
//	time.Time  -> "date:<epoch-ms>"
//	map/list   -> "obj:<canonical JSON>"
//	primitives -> "<type>:<stringified>"
//
// Keys beyond maxInlineKey bytes keep a prefix and collapse the remainder
// into a hash digest; lookups use the same function so storage and probe
// sides always agree.
func (im *indexManager) normalizeKey(value any, found bool) string {
	if !found {
		return "undefined"
	}

	var key string
	switch {
	case value == nil:
		key = "null"
	default:
		if t, ok := value.(time.Time); ok {
			key = fmt.Sprintf("date:%d", t.UnixMilli())
			break
		}
		if f, ok := toFloat(value); ok {
			key = "number:" + formatNumber(f)
			break
		}
		switch v := value.(type) {
		case string:
			key = "string:" + v
		case bool:
			key = fmt.Sprintf("bool:%t", v)
		default:
			// Maps and lists: canonical JSON (object keys sorted by the
			// encoder) keeps the key deterministic.
			data, err := json.Marshal(value)
			if err != nil {
				key = fmt.Sprintf("obj:%v", value)
				break
			}
			key = "obj:" + string(data)
		}
	}

	if len(key) > maxInlineKey {
		key = key[:32] + "#" + digest(key, im.alg)
	}
	return key
}

// removeID deletes every occurrence of docID from the index, dropping
// buckets that become empty.
func removeID(idx *Index, docID string) {
	for key, ids := range idx.Entries {
		filtered := slices.DeleteFunc(slices.Clone(ids), func(id string) bool {
			return id == docID
		})
		if len(filtered) == 0 {
			delete(idx.Entries, key)
		} else if len(filtered) != len(ids) {
			idx.Entries[key] = filtered
		}
	}
}
