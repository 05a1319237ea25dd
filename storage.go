// Chunked file storage.
//
// Each document is persisted under <root>/<collection>/<docID>/ as a dense
// sequence of chunk files, chunk_0 upward. The document is serialized to
// JSON once, split into slices of at most chunkSize bytes, and each slice
// is written to its own file — gzip-compressed with a .gz extension when
// compression is enabled, plain .json otherwise. Chunking bounds individual
// file size so a single large document never grows one file unboundedly.
//
// Chunk paths returned and accepted by this layer are relative to the
// storage root. Reads restore raw JSON-native values only; reviving stored
// dates into time.Time is the schema validator's job.
package docudb

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultChunkSize is the maximum bytes per chunk before compression.
const DefaultChunkSize = 1 << 20

// chunkPattern matches chunk filenames and captures the sequence number.
var chunkPattern = regexp.MustCompile(`^chunk_(\d+)\.(?:json|gz)$`)

// storage reads and writes chunked documents under a root directory.
type storage struct {
	root        string
	chunkSize   int
	compression bool
	logger      *zap.SugaredLogger
}

// newStorage creates the root directory and returns a storage bound to it.
func newStorage(root string, chunkSize int, compression bool, logger *zap.SugaredLogger) (*storage, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data directory %s: %w", ErrInit, root, err)
	}
	return &storage{
		root:        root,
		chunkSize:   chunkSize,
		compression: compression,
		logger:      logger,
	}, nil
}

// docDir returns the directory holding a document's chunks, under the
// storage root.
func (s *storage) docDir(collection, docID string) string {
	return filepath.Join(s.root, collection, docID)
}

// ext returns the chunk file extension for the current compression mode.
func (s *storage) ext() string {
	if s.compression {
		return ".gz"
	}
	return ".json"
}

// saveData serializes value and writes it as a chunk sequence, returning
// the ordered chunk paths relative to the storage root. A partial failure
// leaves the document undefined on disk; the caller recovers via its
// metadata — there is no rollback here.
func (s *storage) saveData(collection, docID string, value any) ([]string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing %s/%s: %w", ErrSave, collection, docID, err)
	}

	dir := s.docDir(collection, docID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", ErrSave, dir, err)
	}

	var paths []string
	for i := 0; len(data) > 0 || i == 0; i++ {
		n := min(s.chunkSize, len(data))
		chunk := data[:n]
		data = data[n:]

		if s.compression {
			chunk, err = compress(chunk)
			if err != nil {
				return nil, fmt.Errorf("%w: chunk %d of %s/%s: %w", ErrSave, i, collection, docID, err)
			}
		}

		name := fmt.Sprintf("chunk_%d%s", i, s.ext())
		if err := os.WriteFile(filepath.Join(dir, name), chunk, 0o644); err != nil {
			return nil, fmt.Errorf("%w: writing chunk %d of %s/%s: %w", ErrSave, i, collection, docID, err)
		}
		paths = append(paths, filepath.Join(collection, docID, name))
	}

	s.logger.Debugw("saved document", "collection", collection, "id", docID, "chunks", len(paths))
	return paths, nil
}

// readData reads chunk files in the given order, decompresses each as
// needed, concatenates the payload, and parses it as JSON.
func (s *storage) readData(paths []string) (any, error) {
	var payload []byte
	for _, p := range paths {
		chunk, err := os.ReadFile(filepath.Join(s.root, p))
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %s: %w", ErrRead, p, err)
		}
		if strings.HasSuffix(p, ".gz") {
			chunk, err = decompress(chunk)
			if err != nil {
				return nil, fmt.Errorf("chunk %s: %w", p, err)
			}
		}
		payload = append(payload, chunk...)
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("%w: parsing payload: %w", ErrRead, err)
	}
	return value, nil
}

// deleteChunks removes chunk files. Missing files are not an error; other
// failures are aggregated so one bad chunk does not mask the rest.
func (s *storage) deleteChunks(paths []string) error {
	var errs error
	for _, p := range paths {
		if err := os.Remove(filepath.Join(s.root, p)); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("%w: chunk %s: %w", ErrDelete, p, err))
		}
	}
	return errs
}

// listChunks enumerates a document's chunk paths sorted by sequence number.
// The sort is numeric, not lexicographic, so chunk_1000 follows chunk_999.
// A missing document directory yields nil with no error.
func (s *storage) listChunks(collection, docID string) ([]string, error) {
	dir := s.docDir(collection, docID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", ErrRead, dir, err)
	}

	type chunk struct {
		n    int
		name string
	}
	var chunks []chunk
	for _, e := range entries {
		m := chunkPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		chunks = append(chunks, chunk{n, e.Name()})
	}
	slices.SortFunc(chunks, func(a, b chunk) int { return a.n - b.n })

	paths := make([]string, len(chunks))
	for i, c := range chunks {
		paths[i] = filepath.Join(collection, docID, c.name)
	}
	return paths, nil
}

// removeDoc deletes a document's directory and everything in it.
func (s *storage) removeDoc(collection, docID string) error {
	if err := os.RemoveAll(s.docDir(collection, docID)); err != nil {
		return fmt.Errorf("%w: removing %s/%s: %w", ErrDelete, collection, docID, err)
	}
	return nil
}
