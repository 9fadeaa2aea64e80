package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestFileStore(t *testing.T, cfg FileConfig) *FileStore {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := NewFileStore(cfg, testLogger(t))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string, code int, age time.Duration) *Record {
	return &Record{
		RequestID:      id,
		Direction:      DirectionOutbound,
		Method:         "GET",
		URL:            "https://api.example.com/users",
		ResponseCode:   code,
		ResponseTimeMS: 120,
		Service:        "users",
		CreatedAt:      time.Now().UTC().Add(-age),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := newTestFileStore(t, FileConfig{Rotate: true})
	ctx := context.Background()

	body := `{"name":"alice"}`
	rec := testRecord("req-1", 201, 0)
	rec.RequestHeaders = map[string]string{"Content-Type": "application/json"}
	rec.RequestBody = &body
	rec.UserID = "u-9"

	if err := s.Store(ctx, rec); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := s.FindByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("FindByRequestID failed: %v", err)
	}
	if got.Method != "GET" || got.ResponseCode != 201 || got.UserID != "u-9" {
		t.Errorf("got %+v, want stored record", got)
	}
	if got.RequestBody == nil || *got.RequestBody != body {
		t.Errorf("RequestBody = %v, want %q", got.RequestBody, body)
	}
	if got.RequestHeaders["Content-Type"] != "application/json" {
		t.Errorf("RequestHeaders = %v", got.RequestHeaders)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}

	if _, err := s.FindByRequestID(ctx, "nope"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreRetrieveOrder(t *testing.T) {
	s := newTestFileStore(t, FileConfig{Rotate: true})
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 20; i++ {
		r := testRecord(fmt.Sprintf("req-%d", i), 200, 0)
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Store(ctx, r); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	recs, err := s.Retrieve(ctx, Criteria{Limit: 20})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(recs) != 20 {
		t.Fatalf("len(recs) = %d, want 20", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if !recs[i].CreatedAt.Before(recs[i-1].CreatedAt) {
			t.Errorf("records not strictly descending at %d: %v >= %v",
				i, recs[i].CreatedAt, recs[i-1].CreatedAt)
		}
	}

	// Paging slices after the descending sort. The scan stops once
	// limit+offset matches are buffered, so with all 20 records in one
	// file only the first 10 (req-0..req-9, append order) are considered.
	page, err := s.Retrieve(ctx, Criteria{Limit: 5, Offset: 5})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(page) != 5 {
		t.Fatalf("len(page) = %d, want 5", len(page))
	}
	if page[0].RequestID != "req-4" {
		t.Errorf("page[0] = %s, want req-4", page[0].RequestID)
	}
	for i := 1; i < len(page); i++ {
		if !page[i].CreatedAt.Before(page[i-1].CreatedAt) {
			t.Errorf("page not descending at %d", i)
		}
	}
}

func TestFileStoreCriteria(t *testing.T) {
	s := newTestFileStore(t, FileConfig{Rotate: true})
	ctx := context.Background()

	ok := testRecord("ok", 200, 0)
	slow := testRecord("slow", 200, 0)
	slow.ResponseTimeMS = 4000
	bad := testRecord("bad", 503, 0)
	post := testRecord("post", 200, 0)
	post.Method = "POST"

	if n, err := s.StoreBatch(ctx, []*Record{ok, slow, bad, post}); err != nil || n != 4 {
		t.Fatalf("StoreBatch = (%d, %v), want (4, nil)", n, err)
	}

	isErr := true
	recs, err := s.Retrieve(ctx, Criteria{IsError: &isErr})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(recs) != 1 || recs[0].RequestID != "bad" {
		t.Errorf("IsError filter returned %d records", len(recs))
	}

	minRT := 1000.0
	if n, err := s.Count(ctx, Criteria{MinResponseTime: &minRT}); err != nil || n != 1 {
		t.Errorf("Count(min response time) = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := s.Count(ctx, Criteria{Method: "POST"}); err != nil || n != 1 {
		t.Errorf("Count(method) = (%d, %v), want (1, nil)", n, err)
	}
}

func TestFileStoreClean(t *testing.T) {
	s := newTestFileStore(t, FileConfig{Rotate: true})
	ctx := context.Background()

	recs := []*Record{
		testRecord("old-ok", 200, 8*24*time.Hour),
		testRecord("old-err", 500, 12*24*time.Hour),
		testRecord("new-err", 500, 2*24*time.Hour),
	}
	if n, err := s.StoreBatch(ctx, recs); err != nil || n != 3 {
		t.Fatalf("StoreBatch = (%d, %v), want (3, nil)", n, err)
	}

	removed, err := s.Clean(ctx, 7, 10)
	if err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Clean removed %d, want 2", removed)
	}
	if n, _ := s.Count(ctx, Criteria{}); n != 1 {
		t.Errorf("Count after Clean = %d, want 1", n)
	}
	if _, err := s.FindByRequestID(ctx, "new-err"); err != nil {
		t.Errorf("survivor missing: %v", err)
	}
}

func TestFileStoreDelete(t *testing.T) {
	s := newTestFileStore(t, FileConfig{Rotate: true})
	ctx := context.Background()

	s.Store(ctx, testRecord("a", 200, 0))
	s.Store(ctx, testRecord("b", 500, 0))
	s.Store(ctx, testRecord("c", 500, 0))

	isErr := true
	removed, err := s.Delete(ctx, Criteria{IsError: &isErr})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Delete removed %d, want 2", removed)
	}

	if n, err := s.DeleteByRequestID(ctx, "a"); err != nil || n != 1 {
		t.Errorf("DeleteByRequestID = (%d, %v), want (1, nil)", n, err)
	}

	// Emptied files are removed entirely.
	files, err := s.listFiles()
	if err != nil {
		t.Fatalf("listFiles failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("files remaining after full delete: %v", files)
	}
}

func TestFileStoreCorruptLines(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, FileConfig{Dir: dir, Rotate: false})
	ctx := context.Background()

	s.Store(ctx, testRecord("good", 200, 0))

	// Append garbage directly, bypassing the store.
	f, err := os.OpenFile(filepath.Join(dir, "requests.log"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{not json\n")
	f.Close()

	s.Store(ctx, testRecord("also-good", 200, 0))

	// Reads skip the bad line.
	recs, err := s.Retrieve(ctx, Criteria{})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("len(recs) = %d, want 2", len(recs))
	}

	// Rewrites keep it (fail-open).
	if _, err := s.DeleteByRequestID(ctx, "good"); err != nil {
		t.Fatalf("DeleteByRequestID failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "requests.log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "{not json") {
		t.Errorf("corrupt line dropped by rewrite:\n%s", data)
	}
}

func TestFileStoreConcurrentStores(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, FileConfig{Dir: dir, Rotate: false})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := testRecord(fmt.Sprintf("req-%d", i), 200, 0)
			if err := s.Store(ctx, r); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Store failed: %v", err)
	}

	// Every line must be complete, parsable JSON.
	f, err := os.Open(filepath.Join(dir, "requests.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Errorf("unparsable line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 50 {
		t.Errorf("lines = %d, want 50", lines)
	}
}

func TestFileStoreCompressionSweep(t *testing.T) {
	dir := t.TempDir()

	// Seed a file dated well before yesterday.
	old := testRecord("archived", 200, 5*24*time.Hour)
	seed := newTestFileStore(t, FileConfig{Dir: dir, Rotate: true})
	if err := seed.Store(context.Background(), old); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// Reconstruction compresses it.
	s := newTestFileStore(t, FileConfig{Dir: dir, Rotate: true, Compress: true})

	day := old.CreatedAt.UTC().Format(dayFormat)
	if _, err := os.Stat(filepath.Join(dir, "requests-"+day+".log.gz")); err != nil {
		t.Fatalf("compressed file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "requests-"+day+".log")); !os.IsNotExist(err) {
		t.Errorf("plaintext file still present")
	}

	// Compressed files remain readable and cleanable.
	got, err := s.FindByRequestID(context.Background(), "archived")
	if err != nil {
		t.Fatalf("FindByRequestID on compressed file failed: %v", err)
	}
	if got.RequestID != "archived" {
		t.Errorf("got %q", got.RequestID)
	}

	removed, err := s.Clean(context.Background(), 3, 3)
	if err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Clean removed %d, want 1", removed)
	}

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st["total_entries"] != 0 {
		t.Errorf("total_entries = %v, want 0", st["total_entries"])
	}
}

func TestFileStoreStats(t *testing.T) {
	s := newTestFileStore(t, FileConfig{Rotate: true})
	ctx := context.Background()

	s.Store(ctx, testRecord("a", 200, 48*time.Hour))
	s.Store(ctx, testRecord("b", 500, 0))

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st["storage_type"] != "file" {
		t.Errorf("storage_type = %v", st["storage_type"])
	}
	if st["total_entries"] != 2 {
		t.Errorf("total_entries = %v, want 2", st["total_entries"])
	}
	if st["error_count"] != 1 {
		t.Errorf("error_count = %v, want 1", st["error_count"])
	}
	if st["file_count"] != 2 {
		t.Errorf("file_count = %v, want 2", st["file_count"])
	}
}

func TestFileStoreBatchGroupsByDay(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, FileConfig{Dir: dir, Rotate: true})
	ctx := context.Background()

	recs := []*Record{
		testRecord("today", 200, 0),
		testRecord("yesterday", 200, 24*time.Hour),
		testRecord("also-today", 200, 0),
	}
	if n, err := s.StoreBatch(ctx, recs); err != nil || n != 3 {
		t.Fatalf("StoreBatch = (%d, %v), want (3, nil)", n, err)
	}

	files, err := s.listFiles()
	if err != nil {
		t.Fatalf("listFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("files = %v, want 2 day files", files)
	}
}
