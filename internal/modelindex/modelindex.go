// Package modelindex implements the workspace-wide content-addressable
// model index.
//
// The index maps BLAKE3 content hashes to the filesystem locations where
// model files were found. It is the dedup authority across every tracked
// directory: two files with identical bytes are represented by exactly one
// record with multiple path entries. Rescans are incremental: a file whose
// (path, mtime, size) triple is unchanged reuses its recorded hash, so a
// steady-state sync rehashes nothing.
//
// Persistence is a bbolt database per workspace with three buckets:
// - records: hash hex -> ModelRecord
// - paths:   absolute path -> pathEntry
// - dirs:    directory path -> TrackedDirectory
package modelindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.etcd.io/bbolt"

	"comfyenv/internal/cas"
)

// Buckets
var (
	bucketRecords = []byte("records")
	bucketPaths   = []byte("paths")
	bucketDirs    = []byte("dirs")
)

// ErrCorrupt marks an unreadable or inconsistent index store. Commands
// abort on it; the index is never repaired silently.
var ErrCorrupt = errors.New("model index corrupt")

// modelExtensions are the file types the index considers model weights.
var modelExtensions = map[string]bool{
	".safetensors": true,
	".ckpt":        true,
	".pt":          true,
	".pth":         true,
	".bin":         true,
	".gguf":        true,
	".onnx":        true,
	".sft":         true,
}

// IsModelFile reports whether the path has a model weight extension.
func IsModelFile(path string) bool {
	return modelExtensions[strings.ToLower(filepath.Ext(path))]
}

// ModelRecord is the canonical identity of one model content hash.
type ModelRecord struct {
	Hash         string    `json:"hash"`
	Paths        []string  `json:"paths"`
	Size         int64     `json:"size"`
	LastVerified time.Time `json:"last_verified"`
}

// Filenames returns the distinct base names the content is known by.
func (r *ModelRecord) Filenames() []string {
	seen := make(map[string]bool, len(r.Paths))
	var names []string
	for _, p := range r.Paths {
		name := filepath.Base(p)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// TrackedDirectory is one directory the index watches for model files.
type TrackedDirectory struct {
	Path     string    `json:"path"`
	Order    int       `json:"order"` // registration order, used for match ranking
	LastScan time.Time `json:"last_scan"`
}

// pathEntry records what the index last saw at one absolute path.
type pathEntry struct {
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime_ns"`
	Dir     string `json:"dir"`
}

// ScanError is a per-file failure collected during a sync. It never
// aborts the sync.
type ScanError struct {
	Path string
	Err  error
}

func (e ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

// ScanReport summarizes one sync pass.
type ScanReport struct {
	Scanned  int // files seen
	Hashed   int // files actually rehashed
	Removed  int // path entries pruned
	Failures []ScanError
}

// Merge folds another report into this one.
func (r *ScanReport) Merge(other *ScanReport) {
	r.Scanned += other.Scanned
	r.Hashed += other.Hashed
	r.Removed += other.Removed
	r.Failures = append(r.Failures, other.Failures...)
}

// Stats aggregates index-wide counts.
type Stats struct {
	Records     int
	Paths       int
	Directories int
	TotalBytes  int64
}

// Store is the durable model index for one workspace.
type Store struct {
	db     *bbolt.DB
	logger *log.Logger

	mu       sync.Mutex
	dirLocks map[string]*sync.Mutex

	// hashFile is swapped in tests to count hash calls.
	hashFile func(path string) (cas.Hash, int64, error)
}

// Open opens or creates the index database at path.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := bbolt.Open(path, 0666, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketPaths, bucketDirs} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init index buckets: %w", err)
	}
	return &Store{
		db:       db,
		logger:   logger.WithPrefix("index"),
		dirLocks: make(map[string]*sync.Mutex),
		hashFile: cas.SumFile,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// dirLock returns the exclusive lock for one tracked directory, creating
// it on first use. Concurrent syncs of the same directory serialize here.
func (s *Store) dirLock(dir string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.dirLocks[dir]
	if !ok {
		l = &sync.Mutex{}
		s.dirLocks[dir] = l
	}
	return l
}

// AddDirectory registers a directory and runs a full scan of it.
// Re-adding an already-tracked directory just rescans it.
func (s *Store) AddDirectory(ctx context.Context, dir string) (*ScanReport, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		dirs := tx.Bucket(bucketDirs)
		if dirs.Get([]byte(abs)) != nil {
			return nil
		}
		// The bucket sequence keeps registration order unique even
		// after removals; a key count would reuse orders.
		seq, err := dirs.NextSequence()
		if err != nil {
			return err
		}
		td := TrackedDirectory{Path: abs, Order: int(seq)}
		data, err := json.Marshal(td)
		if err != nil {
			return err
		}
		return dirs.Put([]byte(abs), data)
	})
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", abs, err)
	}

	return s.Sync(ctx, abs)
}

// RemoveDirectory stops tracking a directory and drops its path entries.
// Records whose content is still present under another tracked directory
// survive with the remaining paths.
func (s *Store) RemoveDirectory(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	lock := s.dirLock(abs)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		dirs := tx.Bucket(bucketDirs)
		if dirs.Get([]byte(abs)) == nil {
			return fmt.Errorf("directory not tracked: %s", abs)
		}
		if err := dirs.Delete([]byte(abs)); err != nil {
			return err
		}

		paths := tx.Bucket(bucketPaths)
		var doomed []string
		err := paths.ForEach(func(k, v []byte) error {
			var entry pathEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("%w: path entry %s: %v", ErrCorrupt, k, err)
			}
			if entry.Dir == abs {
				doomed = append(doomed, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, p := range doomed {
			if err := s.dropPath(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Directories lists tracked directories in registration order.
func (s *Store) Directories() ([]TrackedDirectory, error) {
	var out []TrackedDirectory
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDirs).ForEach(func(k, v []byte) error {
			var td TrackedDirectory
			if err := json.Unmarshal(v, &td); err != nil {
				return fmt.Errorf("%w: directory %s: %v", ErrCorrupt, k, err)
			}
			out = append(out, td)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// Sync rescans one tracked directory, or all of them when dir is empty.
// Per-file failures are collected into the report, never fatal. The
// context is honored between files, not mid-hash.
func (s *Store) Sync(ctx context.Context, dir string) (*ScanReport, error) {
	var targets []TrackedDirectory
	all, err := s.Directories()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		targets = all
	} else {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", dir, err)
		}
		found := false
		for _, td := range all {
			if td.Path == abs {
				targets = append(targets, td)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("directory not tracked: %s", abs)
		}
	}

	report := &ScanReport{}
	for _, td := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		dirReport, err := s.syncDir(ctx, td)
		if dirReport != nil {
			report.Merge(dirReport)
		}
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// syncDir rescans a single directory under its exclusive lock.
func (s *Store) syncDir(ctx context.Context, td TrackedDirectory) (*ScanReport, error) {
	lock := s.dirLock(td.Path)
	lock.Lock()
	defer lock.Unlock()

	report := &ScanReport{}

	// Load what the index recorded for this directory last time.
	known := make(map[string]pathEntry)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPaths).ForEach(func(k, v []byte) error {
			var entry pathEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("%w: path entry %s: %v", ErrCorrupt, k, err)
			}
			if entry.Dir == td.Path {
				known[string(k)] = entry
			}
			return nil
		})
	})
	if err != nil {
		return report, err
	}

	// Walk the directory and decide per file whether the recorded hash
	// can be reused.
	type hashed struct {
		path string
		hash cas.Hash
		size int64
		mod  int64
	}
	var reuse []hashed
	var toHash []struct {
		path string
		size int64
		mod  int64
	}
	seen := make(map[string]bool)

	walkErr := filepath.WalkDir(td.Path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			report.Failures = append(report.Failures, ScanError{Path: path, Err: err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsModelFile(path) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			report.Failures = append(report.Failures, ScanError{Path: path, Err: err})
			return nil
		}

		seen[path] = true
		report.Scanned++

		if prev, ok := known[path]; ok && prev.Size == info.Size() && prev.ModTime == info.ModTime().UnixNano() {
			h, err := cas.ParseHash(prev.Hash)
			if err != nil {
				return fmt.Errorf("%w: path entry %s: %v", ErrCorrupt, path, err)
			}
			reuse = append(reuse, hashed{path: path, hash: h, size: prev.Size, mod: prev.ModTime})
			return nil
		}

		toHash = append(toHash, struct {
			path string
			size int64
			mod  int64
		}{path, info.Size(), info.ModTime().UnixNano()})
		return nil
	})
	if walkErr != nil {
		return report, walkErr
	}

	// Hash changed files across the worker pool.
	results, hashFailures := s.hashAll(ctx, toHash)
	report.Hashed = len(results)
	report.Failures = append(report.Failures, hashFailures...)
	for _, r := range results {
		reuse = append(reuse, hashed(r))
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// Apply everything in one transaction.
	now := time.Now()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		for _, h := range reuse {
			if err := s.putPath(tx, h.path, h.hash, h.size, h.mod, td.Path, now); err != nil {
				return err
			}
		}
		// Prune paths that vanished from disk.
		for path := range known {
			if !seen[path] {
				if err := s.dropPath(tx, path); err != nil {
					return err
				}
				report.Removed++
			}
		}
		// Stamp the directory.
		td.LastScan = now
		data, err := json.Marshal(td)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDirs).Put([]byte(td.Path), data)
	})
	if err != nil {
		return report, fmt.Errorf("update index for %s: %w", td.Path, err)
	}

	s.logger.Debug("directory synced",
		"dir", td.Path, "scanned", report.Scanned,
		"hashed", report.Hashed, "removed", report.Removed,
		"failures", len(report.Failures))
	return report, nil
}

// putPath records a path observation: updates the paths bucket and folds
// the path into the record for its hash. One record per hash, always.
func (s *Store) putPath(tx *bbolt.Tx, path string, h cas.Hash, size, modTime int64, dir string, now time.Time) error {
	paths := tx.Bucket(bucketPaths)
	records := tx.Bucket(bucketRecords)

	// If the path previously held different content, detach it from the
	// old record first.
	if prev := paths.Get([]byte(path)); prev != nil {
		var old pathEntry
		if err := json.Unmarshal(prev, &old); err != nil {
			return fmt.Errorf("%w: path entry %s: %v", ErrCorrupt, path, err)
		}
		if old.Hash != h.String() {
			if err := s.detachPath(tx, old.Hash, path); err != nil {
				return err
			}
		}
	}

	entry := pathEntry{Hash: h.String(), Size: size, ModTime: modTime, Dir: dir}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := paths.Put([]byte(path), data); err != nil {
		return err
	}

	var rec ModelRecord
	if raw := records.Get([]byte(h.String())); raw != nil {
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: record %s: %v", ErrCorrupt, h, err)
		}
	} else {
		rec = ModelRecord{Hash: h.String(), Size: size}
	}
	found := false
	for _, p := range rec.Paths {
		if p == path {
			found = true
			break
		}
	}
	if !found {
		rec.Paths = append(rec.Paths, path)
		sort.Strings(rec.Paths)
	}
	rec.LastVerified = now

	data, err = json.Marshal(rec)
	if err != nil {
		return err
	}
	return records.Put([]byte(h.String()), data)
}

// dropPath removes a path observation and detaches it from its record.
func (s *Store) dropPath(tx *bbolt.Tx, path string) error {
	paths := tx.Bucket(bucketPaths)
	raw := paths.Get([]byte(path))
	if raw == nil {
		return nil
	}
	var entry pathEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return fmt.Errorf("%w: path entry %s: %v", ErrCorrupt, path, err)
	}
	if err := paths.Delete([]byte(path)); err != nil {
		return err
	}
	return s.detachPath(tx, entry.Hash, path)
}

// detachPath removes one path from a record, deleting the record when no
// paths remain.
func (s *Store) detachPath(tx *bbolt.Tx, hash, path string) error {
	records := tx.Bucket(bucketRecords)
	raw := records.Get([]byte(hash))
	if raw == nil {
		return nil
	}
	var rec ModelRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: record %s: %v", ErrCorrupt, hash, err)
	}
	kept := rec.Paths[:0]
	for _, p := range rec.Paths {
		if p != path {
			kept = append(kept, p)
		}
	}
	rec.Paths = kept
	if len(rec.Paths) == 0 {
		return records.Delete([]byte(hash))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return records.Put([]byte(hash), data)
}

// Has reports whether the index holds a record for the hash.
func (s *Store) Has(h cas.Hash) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketRecords).Get([]byte(h.String())) != nil
		return nil
	})
	return found, err
}

// Get returns the record for a hash, or nil if unknown.
func (s *Store) Get(h cas.Hash) (*ModelRecord, error) {
	var rec *ModelRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get([]byte(h.String()))
		if raw == nil {
			return nil
		}
		rec = &ModelRecord{}
		if err := json.Unmarshal(raw, rec); err != nil {
			return fmt.Errorf("%w: record %s: %v", ErrCorrupt, h, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Status returns aggregate index counts.
func (s *Store) Status() (*Stats, error) {
	stats := &Stats{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		stats.Paths = tx.Bucket(bucketPaths).Stats().KeyN
		stats.Directories = tx.Bucket(bucketDirs).Stats().KeyN
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec ModelRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: record %s: %v", ErrCorrupt, k, err)
			}
			stats.Records++
			stats.TotalBytes += rec.Size
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
