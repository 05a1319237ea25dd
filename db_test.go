package docudb

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	return openTestDBAt(t, t.TempDir())
}

func openTestDBAt(t *testing.T, dir string) *Database {
	t.Helper()
	db, err := Open(Config{Name: "testdb", DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDefaults(t *testing.T) {
	db, err := Open(Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if db.config.Name != DefaultName {
		t.Errorf("Name = %q, want %q", db.config.Name, DefaultName)
	}
	if db.config.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", db.config.ChunkSize, DefaultChunkSize)
	}
	if db.config.IDType != IDTypeMongo {
		t.Errorf("IDType = %q, want %q", db.config.IDType, IDTypeMongo)
	}
	if db.config.NoCompression {
		t.Error("compression should default to on")
	}
	if db.config.HashAlgorithm != AlgXXHash3 {
		t.Errorf("HashAlgorithm = %d, want %d", db.config.HashAlgorithm, AlgXXHash3)
	}
}

func TestOpenRejectsBadNames(t *testing.T) {
	bad := []string{
		"../escape",
		"a/b",
		`a\b`,
		"/absolute",
		"name\x00null",
		"name${injection}",
		"name{{tpl}}",
		"name%2e%2e",
		"con",
		"COM1",
		strings.Repeat("x", 65),
		".",
	}
	for _, name := range bad {
		if _, err := Open(Config{Name: name, DataDir: t.TempDir()}); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Open(%q): got %v, want ErrInvalidName", name, err)
		}
	}
}

func TestOpenAcceptsReasonableNames(t *testing.T) {
	for _, name := range []string{"docudb", "my-app_v2", "data.2024"} {
		if _, err := Open(Config{Name: name, DataDir: t.TempDir()}); err != nil {
			t.Errorf("Open(%q): %v", name, err)
		}
	}
}

func TestCollectionRequiresInitialize(t *testing.T) {
	db, _ := Open(Config{Name: "testdb", DataDir: t.TempDir()})
	if _, err := db.Collection("products"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("got %v, want ErrNotInitialized", err)
	}
}

func TestCollectionRegistryIdempotent(t *testing.T) {
	db := openTestDB(t)

	a, err := db.Collection("products")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	b, err := db.Collection("products")
	if err != nil {
		t.Fatalf("Collection (repeat): %v", err)
	}
	if a != b {
		t.Error("repeated Collection calls returned distinct instances")
	}
}

func TestCollectionRejectsBadNames(t *testing.T) {
	db := openTestDB(t)
	for _, name := range []string{"", "_indices", "../up", "a/b"} {
		if _, err := db.Collection(name); !errors.Is(err, ErrInvalidCollection) {
			t.Errorf("Collection(%q): got %v, want ErrInvalidCollection", name, err)
		}
	}
}

func TestDropCollection(t *testing.T) {
	db := openTestDB(t)
	c, _ := db.Collection("products")
	c.InsertOne(Document{"n": 1})

	ok, err := db.DropCollection("products")
	if err != nil || !ok {
		t.Fatalf("DropCollection = %v, %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(db.root, "products")); !os.IsNotExist(err) {
		t.Error("collection directory still exists")
	}

	// Dropping a missing collection returns false, not an error.
	ok, err = db.DropCollection("nothere")
	if err != nil {
		t.Fatalf("DropCollection missing: %v", err)
	}
	if ok {
		t.Error("missing collection reported dropped")
	}
}

func TestClosedDatabaseRejectsOperations(t *testing.T) {
	db := openTestDB(t)
	db.Close()

	if _, err := db.Collection("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Collection after close: got %v, want ErrClosed", err)
	}
	if _, err := db.DropCollection("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("DropCollection after close: got %v, want ErrClosed", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("repeated Close: %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1 := openTestDBAt(t, dir)
	c1, _ := db1.Collection("products")
	c1.CreateIndex([]string{"codigo"}, IndexOptions{Unique: true})

	var ids []string
	for i := range 3 {
		doc, err := c1.InsertOne(Document{"name": "P" + strconv.Itoa(i), "codigo": "C" + strconv.Itoa(i)})
		if err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
		ids = append(ids, doc.ID())
	}
	db1.Close()

	db2 := openTestDBAt(t, dir)
	c2, err := db2.Collection("products")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	docs, err := c2.Find(nil)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d docs after reopen, want 3", len(docs))
	}
	for i, doc := range docs {
		if doc.ID() != ids[i] {
			t.Errorf("doc %d id = %s, want %s", i, doc.ID(), ids[i])
		}
		if doc["name"] != "P"+strconv.Itoa(i) {
			t.Errorf("doc %d content lost: %v", i, doc)
		}
	}

	// The unique index survived the reopen.
	if _, err := c2.InsertOne(Document{"name": "dup", "codigo": "C0"}); !errors.Is(err, ErrUniqueViolation) {
		t.Errorf("got %v, want ErrUniqueViolation after reopen", err)
	}
}

func TestInsertFindRoundTripThroughDisk(t *testing.T) {
	dir := t.TempDir()

	schema := NewSchema(SchemaOptions{Strict: false}).
		Field("published", Field{Type: TypeDate})

	db1 := openTestDBAt(t, dir)
	c1, _ := db1.Collection("articles", CollectionOptions{Schema: schema})

	published := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	doc, err := c1.InsertOne(Document{
		"published": published,
		"title":     "chunked storage",
		"views":     12345,
		"ratings":   []any{5, 4, 5},
		"meta":      map[string]any{"author": "jp"},
	})
	if err != nil {
		t.Fatalf("InsertOne: %v", err)
	}
	db1.Close()

	db2 := openTestDBAt(t, dir)
	c2, _ := db2.Collection("articles", CollectionOptions{Schema: schema})
	got, err := c2.FindByID(doc.ID())
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got == nil {
		t.Fatal("document lost")
	}

	revived, ok := got["published"].(time.Time)
	if !ok {
		t.Fatalf("published not revived as a date: %T", got["published"])
	}
	if revived.UnixMilli() != published.UnixMilli() {
		t.Errorf("published = %v, want %v", revived, published)
	}
	if !deepEqual(got["views"], 12345) {
		t.Errorf("views = %v, numeric identity lost", got["views"])
	}
	if !deepEqual(got["ratings"], []any{5, 4, 5}) {
		t.Errorf("ratings = %v, array not preserved", got["ratings"])
	}
	if v, _ := lookupPath(got, "meta.author"); v != "jp" {
		t.Errorf("meta.author = %v", v)
	}
}

func TestLargeDocumentChunkingScenario(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{Name: "testdb", DataDir: dir, ChunkSize: 512})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer db.Close()

	c, _ := db.Collection("big")

	details := map[string]any{}
	for i := range 100 {
		details["key"+strconv.Itoa(i)] = i
	}
	description := strings.Repeat("a", 10000)

	doc, err := c.InsertOne(Document{"description": description, "details": details})
	if err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(db.root, "big", doc.ID()))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	gz := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "chunk_") && strings.HasSuffix(e.Name(), ".gz") {
			gz++
		}
	}
	if gz < 2 {
		t.Errorf("%d compressed chunks, want several for a >10KB document", gz)
	}

	// Reopen so the read comes from disk, not the cache.
	db.Close()
	db2 := openTestDBAt(t, dir)
	c2, _ := db2.Collection("big")

	got, err := c2.FindByID(doc.ID())
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got["description"] != description {
		t.Error("description corrupted by chunking")
	}
	m, _ := asMap(got["details"])
	if len(m) != 100 {
		t.Errorf("details has %d keys, want 100", len(m))
	}
}

func TestInitializeReopensCollectionsOnDisk(t *testing.T) {
	dir := t.TempDir()

	db1 := openTestDBAt(t, dir)
	c1, _ := db1.Collection("orders")
	c1.InsertOne(Document{"n": 1})
	db1.Close()

	db2 := openTestDBAt(t, dir)
	db2.mu.Lock()
	_, registered := db2.collections["orders"]
	db2.mu.Unlock()
	if !registered {
		t.Error("on-disk collection not reopened at initialize")
	}
}

func TestDropIsIdempotentOnMissingCollection(t *testing.T) {
	db := openTestDB(t)
	for range 2 {
		ok, err := db.DropCollection("ghost")
		if err != nil {
			t.Fatalf("DropCollection: %v", err)
		}
		if ok {
			t.Error("missing collection reported dropped")
		}
	}
}
