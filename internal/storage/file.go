package storage

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockRetries    = 3
	lockRetryDelay = 100 * time.Millisecond

	// scanBufSize bounds a single NDJSON line (bodies can be large).
	scanBufSize = 4 * 1024 * 1024

	dayFormat = "2006-01-02"
)

// FileConfig configures a FileStore.
type FileConfig struct {
	Dir      string
	Prefix   string // filename prefix, default "requests"
	Rotate   bool   // one file per calendar day
	Compress bool   // gzip files older than yesterday at startup
}

// FileStore persists records as newline-delimited JSON, one file per day.
// Concurrent writers (including other processes) are serialized by an
// advisory file lock with a bounded retry budget; a write that cannot get
// the lock fails rather than blocking the capture path.
type FileStore struct {
	dir    string
	prefix string
	rotate bool
	log    *slog.Logger

	// Serializes same-process writers so the flock retry budget is only
	// spent on cross-process contention.
	mu sync.Mutex
}

// NewFileStore creates the directory if needed and, when cfg.Compress is
// set, gzips rotated files older than yesterday (best effort).
func NewFileStore(cfg FileConfig, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "requests"
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	s := &FileStore{
		dir:    cfg.Dir,
		prefix: cfg.Prefix,
		rotate: cfg.Rotate,
		log:    log,
	}
	if cfg.Compress {
		s.compressOldFiles(time.Now().UTC())
	}
	return s, nil
}

// pathFor returns the file a record created at t belongs in.
func (s *FileStore) pathFor(t time.Time) string {
	if !s.rotate {
		return filepath.Join(s.dir, s.prefix+".log")
	}
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.log", s.prefix, t.UTC().Format(dayFormat)))
}

// dayOf extracts the ISO date embedded in a rotated filename.
// Returns ok=false for non-rotated or foreign files.
func (s *FileStore) dayOf(name string) (string, bool) {
	base := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".log")
	rest, found := strings.CutPrefix(base, s.prefix+"-")
	if !found {
		return "", false
	}
	if _, err := time.Parse(dayFormat, rest); err != nil {
		return "", false
	}
	return rest, true
}

// listFiles returns the store's data files (plain and compressed), sorted
// by name so rotated files come out in day order.
func (s *FileStore) listFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read log directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, s.prefix) {
			continue
		}
		if strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz") {
			files = append(files, filepath.Join(s.dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// candidateFiles narrows the file list by the criteria's day range.
// Files without a parsable date are always candidates.
func (s *FileStore) candidateFiles(c Criteria) ([]string, error) {
	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}
	if c.From == nil && c.To == nil {
		return files, nil
	}
	var out []string
	for _, f := range files {
		day, ok := s.dayOf(filepath.Base(f))
		if !ok {
			out = append(out, f)
			continue
		}
		if c.From != nil && day < c.From.UTC().Format(dayFormat) {
			continue
		}
		if c.To != nil && day > c.To.UTC().Format(dayFormat) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// acquireLock takes the advisory lock guarding path, retrying a few times
// before giving up. Never blocks indefinitely.
func acquireLock(path string) (*flock.Flock, error) {
	fl := flock.New(path + ".lock")
	for i := 0; i < lockRetries; i++ {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("try lock: %w", err)
		}
		if ok {
			return fl, nil
		}
		if i < lockRetries-1 {
			time.Sleep(lockRetryDelay)
		}
	}
	return nil, ErrLockTimeout
}

// appendLines writes pre-marshaled lines to path under the advisory lock.
func (s *FileStore) appendLines(path string, lines []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fl, err := acquireLock(path)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(lines); err != nil {
		return fmt.Errorf("write log file: %w", err)
	}
	return nil
}

func marshalLine(r *Record) ([]byte, error) {
	line, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append(line, '\n'), nil
}

func (s *FileStore) Store(ctx context.Context, r *Record) error {
	line, err := marshalLine(r)
	if err != nil {
		return err
	}
	if err := s.appendLines(s.pathFor(r.CreatedAt), line); err != nil {
		s.log.Warn("file store write failed", "request_id", r.RequestID, "error", err)
		return err
	}
	return nil
}

// StoreBatch groups records by calendar day and issues one locked append
// per group, which keeps lock churn independent of batch size. A group
// that fails contributes zero to the count; earlier groups stay written.
func (s *FileStore) StoreBatch(ctx context.Context, recs []*Record) (int, error) {
	groups := make(map[string][]byte)
	sizes := make(map[string]int)
	for _, r := range recs {
		line, err := marshalLine(r)
		if err != nil {
			s.log.Warn("skipping unmarshalable record", "request_id", r.RequestID, "error", err)
			continue
		}
		path := s.pathFor(r.CreatedAt)
		groups[path] = append(groups[path], line...)
		sizes[path]++
	}

	paths := make([]string, 0, len(groups))
	for p := range groups {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	stored := 0
	var firstErr error
	for _, p := range paths {
		if err := s.appendLines(p, groups[p]); err != nil {
			s.log.Warn("file store batch group failed", "file", p, "records", sizes[p], "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored += sizes[p]
	}
	return stored, firstErr
}

// openFile returns a reader for a data file, transparently decompressing
// .gz archives.
func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	return &gzipReadCloser{gr: gr, file: f}, nil
}

type gzipReadCloser struct {
	gr   *gzip.Reader
	file *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gr.Read(p) }

func (g *gzipReadCloser) Close() error {
	g.gr.Close()
	return g.file.Close()
}

// scanFile decodes a file line by line, skipping malformed lines with a
// warning. fn returning false stops the scan early.
func (s *FileStore) scanFile(path string, fn func(*Record) bool) error {
	rc, err := openFile(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), scanBufSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			s.log.Warn("skipping corrupt log line", "file", path, "error", err)
			continue
		}
		if !fn(&r) {
			return nil
		}
	}
	return sc.Err()
}

// Retrieve scans candidate files in name order and stops buffering as soon
// as Limit+Offset matches are held, then sorts newest-first and pages.
// Stopping before the sort means very large result sets are biased toward
// files iterated first; callers that need exhaustive results pass Limit 0.
func (s *FileStore) Retrieve(ctx context.Context, c Criteria) ([]*Record, error) {
	files, err := s.candidateFiles(c)
	if err != nil {
		return nil, err
	}

	target := 0
	if c.Limit > 0 {
		target = c.Limit + c.Offset
	}

	var buf []*Record
	for _, f := range files {
		err := s.scanFile(f, func(r *Record) bool {
			if c.Matches(r) {
				buf = append(buf, r)
			}
			return target == 0 || len(buf) < target
		})
		if err != nil {
			s.log.Warn("log file scan failed", "file", f, "error", err)
			continue
		}
		if target > 0 && len(buf) >= target {
			break
		}
	}

	sort.Slice(buf, func(i, j int) bool {
		return buf[i].CreatedAt.After(buf[j].CreatedAt)
	})
	return c.page(buf), nil
}

func (s *FileStore) FindByRequestID(ctx context.Context, id string) (*Record, error) {
	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}
	var found *Record
	for _, f := range files {
		err := s.scanFile(f, func(r *Record) bool {
			if r.RequestID == id {
				found = r
				return false
			}
			return true
		})
		if err != nil {
			s.log.Warn("log file scan failed", "file", f, "error", err)
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) Count(ctx context.Context, c Criteria) (int, error) {
	files, err := s.candidateFiles(c)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		err := s.scanFile(f, func(r *Record) bool {
			if c.Matches(r) {
				n++
			}
			return true
		})
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// rewriteFile streams path through keep, writing survivors to a .tmp file
// that is renamed over the original only on success, so readers never see
// a half-rewritten file. Unparsable lines are kept (fail-open). An append
// racing between the read pass and the rename can be lost; that window is
// a known limitation of the rewrite design. A crash before the rename
// leaves an orphaned .tmp behind.
func (s *FileStore) rewriteFile(path string, keep func(*Record) bool) (int, error) {
	compressed := strings.HasSuffix(path, ".gz")
	tmpPath := path + ".tmp"

	fl, err := acquireLock(tmpPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		fl.Unlock()
		os.Remove(tmpPath + ".lock")
	}()

	rc, err := openFile(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		rc.Close()
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	var w io.Writer = tmp
	var gw *gzip.Writer
	if compressed {
		gw, _ = gzip.NewWriterLevel(tmp, gzip.BestCompression)
		w = gw
	}

	kept, removed := 0, 0
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), scanBufSize)
	var writeErr error
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err == nil && !keep(&r) {
			removed++
			continue
		}
		if _, err := w.Write(line); err != nil {
			writeErr = err
			break
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			writeErr = err
			break
		}
		kept++
	}
	scanErr := sc.Err()
	rc.Close()
	if gw != nil {
		gw.Close()
	}
	tmp.Close()

	if writeErr != nil || scanErr != nil {
		os.Remove(tmpPath)
		if writeErr != nil {
			return 0, fmt.Errorf("write temp file: %w", writeErr)
		}
		return 0, fmt.Errorf("scan %s: %w", path, scanErr)
	}

	if kept == 0 {
		os.Remove(tmpPath)
		if err := os.Remove(path); err != nil {
			return 0, fmt.Errorf("remove emptied file: %w", err)
		}
		return removed, nil
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("replace %s: %w", path, err)
	}
	return removed, nil
}

// rewriteAll applies keep to every candidate file, continuing past
// per-file failures so one bad file cannot wedge retention.
func (s *FileStore) rewriteAll(files []string, keep func(*Record) bool) (int, error) {
	removed := 0
	var firstErr error
	for _, f := range files {
		n, err := s.rewriteFile(f, keep)
		if err != nil {
			s.log.Warn("log file rewrite failed", "file", f, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed += n
	}
	return removed, firstErr
}

func (s *FileStore) Delete(ctx context.Context, c Criteria) (int, error) {
	files, err := s.candidateFiles(c)
	if err != nil {
		return 0, err
	}
	return s.rewriteAll(files, func(r *Record) bool { return !c.Matches(r) })
}

func (s *FileStore) DeleteByRequestID(ctx context.Context, id string) (int, error) {
	files, err := s.listFiles()
	if err != nil {
		return 0, err
	}
	return s.rewriteAll(files, func(r *Record) bool { return r.RequestID != id })
}

// Clean applies the shared retention policy. The file backend has no
// preservation concept, so every record is evaluated with preserved=false.
func (s *FileStore) Clean(ctx context.Context, normalDays, errorDays int) (int, error) {
	files, err := s.listFiles()
	if err != nil {
		return 0, err
	}
	p := NewPolicy(normalDays, errorDays, time.Now().UTC())
	return s.rewriteAll(files, func(r *Record) bool {
		return p.Keep(r.ResponseCode, r.CreatedAt, false)
	})
}

func (s *FileStore) IsAvailable(ctx context.Context) bool {
	info, err := os.Stat(s.dir)
	return err == nil && info.IsDir()
}

// Stats walks every file. O(total volume); administrative path only.
func (s *FileStore) Stats(ctx context.Context) (Stats, error) {
	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}

	var (
		entries    int
		errorCount int
		sizeBytes  int64
		compressed int
		oldest     time.Time
		newest     time.Time
	)
	for _, f := range files {
		if info, err := os.Stat(f); err == nil {
			sizeBytes += info.Size()
		}
		if strings.HasSuffix(f, ".gz") {
			compressed++
		}
		err := s.scanFile(f, func(r *Record) bool {
			entries++
			if r.IsError() {
				errorCount++
			}
			if oldest.IsZero() || r.CreatedAt.Before(oldest) {
				oldest = r.CreatedAt
			}
			if r.CreatedAt.After(newest) {
				newest = r.CreatedAt
			}
			return true
		})
		if err != nil {
			s.log.Warn("log file scan failed", "file", f, "error", err)
		}
	}

	st := Stats{
		"storage_type":     "file",
		"total_entries":    entries,
		"total_size_bytes": sizeBytes,
		"error_count":      errorCount,
		"file_count":       len(files),
		"compressed_files": compressed,
	}
	if !oldest.IsZero() {
		st["oldest_entry"] = oldest.Format(time.RFC3339)
		st["newest_entry"] = newest.Format(time.RFC3339)
	}
	return st, nil
}

func (s *FileStore) Close() error { return nil }

// compressOldFiles gzips rotated files dated strictly before yesterday and
// removes the originals. Best effort: every failure is ignored, the next
// construction retries.
func (s *FileStore) compressOldFiles(now time.Time) {
	files, err := s.listFiles()
	if err != nil {
		return
	}
	yesterday := now.AddDate(0, 0, -1).Format(dayFormat)
	for _, f := range files {
		if strings.HasSuffix(f, ".gz") {
			continue
		}
		day, ok := s.dayOf(filepath.Base(f))
		if !ok || day >= yesterday {
			continue
		}
		raw, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		dst, err := os.OpenFile(f+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			continue
		}
		gw, _ := gzip.NewWriterLevel(dst, gzip.BestCompression)
		_, werr := gw.Write(raw)
		cerr := gw.Close()
		dst.Close()
		if werr != nil || cerr != nil {
			os.Remove(f + ".gz")
			continue
		}
		os.Remove(f)
	}
}
