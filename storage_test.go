package docudb

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

func newTestStorage(t *testing.T, chunkSize int, compression bool) *storage {
	t.Helper()
	s, err := newStorage(t.TempDir(), chunkSize, compression, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("newStorage: %v", err)
	}
	return s
}

func TestSaveReadRoundTrip(t *testing.T) {
	for _, compression := range []bool{true, false} {
		s := newTestStorage(t, 0, compression)

		value := map[string]any{
			"name":  "Laptop",
			"price": 1000.5,
			"tags":  []any{"electronics", "portable"},
			"specs": map[string]any{"cores": 8.0},
		}
		paths, err := s.saveData("products", "doc1", value)
		if err != nil {
			t.Fatalf("saveData: %v", err)
		}
		if len(paths) != 1 {
			t.Fatalf("paths = %d, want 1 for a small document", len(paths))
		}

		got, err := s.readData(paths)
		if err != nil {
			t.Fatalf("readData: %v", err)
		}
		if !deepEqual(got, value) {
			t.Errorf("round trip mismatch: %v", got)
		}
	}
}

func TestSaveDataSplitsIntoChunks(t *testing.T) {
	s := newTestStorage(t, 64, false)

	value := map[string]any{"data": strings.Repeat("x", 1000)}
	paths, err := s.saveData("c", "doc", value)
	if err != nil {
		t.Fatalf("saveData: %v", err)
	}
	if len(paths) < 10 {
		t.Errorf("paths = %d, want many 64-byte chunks for ~1KB payload", len(paths))
	}
	for i, p := range paths {
		want := filepath.Join("c", "doc", "chunk_"+strconv.Itoa(i)+".json")
		if p != want {
			t.Errorf("paths[%d] = %q, want %q", i, p, want)
		}
	}
}

func TestChunkingPreservesPayload(t *testing.T) {
	s := newTestStorage(t, 7, false) // pathological chunk size

	value := map[string]any{"text": strings.Repeat("payload", 100)}
	paths, err := s.saveData("c", "doc", value)
	if err != nil {
		t.Fatalf("saveData: %v", err)
	}

	// Joined chunk contents must equal the JSON serialization exactly.
	var joined []byte
	for _, p := range paths {
		chunk, err := os.ReadFile(filepath.Join(s.root, p))
		if err != nil {
			t.Fatalf("reading chunk: %v", err)
		}
		joined = append(joined, chunk...)
	}
	want, _ := json.Marshal(value)
	if string(joined) != string(want) {
		t.Error("joined chunks differ from the JSON serialization")
	}
}

func TestCompressionExtension(t *testing.T) {
	s := newTestStorage(t, 0, true)
	paths, err := s.saveData("c", "doc", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("saveData: %v", err)
	}
	if !strings.HasSuffix(paths[0], ".gz") {
		t.Errorf("path = %q, want .gz extension", paths[0])
	}

	s2 := newTestStorage(t, 0, false)
	paths, _ = s2.saveData("c", "doc", map[string]any{"a": 1})
	if !strings.HasSuffix(paths[0], ".json") {
		t.Errorf("path = %q, want .json extension", paths[0])
	}
}

func TestListChunksNumericOrder(t *testing.T) {
	// Over a thousand chunks: lexicographic ordering would interleave
	// chunk_1000 before chunk_2.
	s := newTestStorage(t, 8, false)

	value := strings.Repeat("0123456789", 1000) // >10KB -> >1250 chunks of 8 bytes
	paths, err := s.saveData("c", "doc", value)
	if err != nil {
		t.Fatalf("saveData: %v", err)
	}
	if len(paths) < 1000 {
		t.Fatalf("paths = %d, want at least 1000 chunks", len(paths))
	}

	listed, err := s.listChunks("c", "doc")
	if err != nil {
		t.Fatalf("listChunks: %v", err)
	}
	if len(listed) != len(paths) {
		t.Fatalf("listed %d chunks, want %d", len(listed), len(paths))
	}
	for i := range paths {
		if listed[i] != paths[i] {
			t.Fatalf("listed[%d] = %q, want %q (numeric order broken)", i, listed[i], paths[i])
		}
	}

	got, err := s.readData(listed)
	if err != nil {
		t.Fatalf("readData: %v", err)
	}
	if got != value {
		t.Error("payload corrupted by chunk ordering")
	}
}

func TestListChunksMissingDirectory(t *testing.T) {
	s := newTestStorage(t, 0, false)
	paths, err := s.listChunks("c", "nothere")
	if err != nil {
		t.Fatalf("listChunks: %v", err)
	}
	if paths != nil {
		t.Errorf("paths = %v, want nil", paths)
	}
}

func TestDeleteChunksIdempotent(t *testing.T) {
	s := newTestStorage(t, 0, false)
	paths, _ := s.saveData("c", "doc", map[string]any{"a": 1})

	if err := s.deleteChunks(paths); err != nil {
		t.Fatalf("deleteChunks: %v", err)
	}
	// Second delete: files are already gone, still no error.
	if err := s.deleteChunks(paths); err != nil {
		t.Fatalf("deleteChunks (repeat): %v", err)
	}
}

func TestRemoveDoc(t *testing.T) {
	s := newTestStorage(t, 0, false)
	s.saveData("c", "doc", map[string]any{"a": 1})

	if err := s.removeDoc("c", "doc"); err != nil {
		t.Fatalf("removeDoc: %v", err)
	}
	if _, err := os.Stat(s.docDir("c", "doc")); !os.IsNotExist(err) {
		t.Error("document directory still exists")
	}
}

func TestReadDataMissingChunk(t *testing.T) {
	s := newTestStorage(t, 0, false)
	_, err := s.readData([]string{"c/doc/chunk_0.json"})
	if err == nil {
		t.Fatal("expected an error for a missing chunk")
	}
}
