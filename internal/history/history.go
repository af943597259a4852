// Package history implements git-like versioning of environment
// manifests.
//
// Commits live in an append-only arena keyed by a monotonic id, with
// parent back-references instead of a pointer graph. The head pointer
// names the current commit; rollback moves head without deleting
// anything, so superseded commits stay in the arena and history remains
// linear going forward from the new head.
//
// Each commit stores a zstd-compressed snapshot of the manifest's
// canonical encoding, so history can be inspected independent of the
// live installation state.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	"comfyenv/internal/cas"
	"comfyenv/internal/manifest"
)

var (
	bucketCommits = []byte("commits")
	bucketMeta    = []byte("meta")
	keyHead       = []byte("head")
)

// Errors surfaced directly to the user.
var (
	ErrNothingToCommit = errors.New("nothing to commit")
	ErrUnknownCommit   = errors.New("unknown commit")
	ErrAmbiguous       = errors.New("ambiguous commit reference")
	ErrCorrupt         = errors.New("history store corrupt")
)

// ManifestState describes a manifest relative to the head commit.
type ManifestState int

const (
	// Clean means the manifest equals the head commit's snapshot.
	Clean ManifestState = iota
	// Dirty means the manifest differs from head (or no commit exists).
	Dirty
)

// Commit is one immutable manifest snapshot.
type Commit struct {
	ID      uint64    `json:"id"`
	Parent  uint64    `json:"parent"` // 0 for the root commit
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// record is the stored form of a commit: the Commit header plus the
// compressed manifest snapshot.
type record struct {
	Commit
	Snapshot []byte `json:"snapshot"` // zstd-compressed canonical manifest
}

// Store is the append-only commit arena for one environment.
type Store struct {
	db  *bbolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := bbolt.Open(path, 0666, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCommits, bucketMeta} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history buckets: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func idKey(id uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], id)
	return key[:]
}

// Commit snapshots the manifest. It fails with ErrNothingToCommit when
// the manifest is structurally identical to the head commit's snapshot.
func (s *Store) Commit(m *manifest.Manifest, message string) (*Commit, error) {
	encoded := m.Encode()

	head, err := s.Head()
	if err != nil {
		return nil, err
	}
	if head != nil {
		headSnap, err := s.snapshotBytes(head.ID)
		if err != nil {
			return nil, err
		}
		if string(headSnap) == string(encoded) {
			return nil, ErrNothingToCommit
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	c := Commit{Message: message, Time: now}
	if head != nil {
		c.Parent = head.ID
	}

	hasher := append([]byte{}, encoded...)
	if head != nil {
		hasher = append(hasher, head.Hash...)
	}
	hasher = append(hasher, message...)
	hasher = strconv.AppendInt(hasher, now.Unix(), 10)
	c.Hash = cas.SumB3(hasher).String()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		commits := tx.Bucket(bucketCommits)
		id, err := commits.NextSequence()
		if err != nil {
			return err
		}
		c.ID = id

		data, err := json.Marshal(record{
			Commit:   c,
			Snapshot: s.enc.EncodeAll(encoded, nil),
		})
		if err != nil {
			return err
		}
		if err := commits.Put(idKey(id), data); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyHead, idKey(id))
	})
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &c, nil
}

// Head returns the head commit, or nil when no commit exists.
func (s *Store) Head() (*Commit, error) {
	var headID uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyHead)
		if raw == nil {
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("%w: head pointer has %d bytes", ErrCorrupt, len(raw))
		}
		headID = binary.BigEndian.Uint64(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if headID == 0 {
		return nil, nil
	}
	return s.get(headID)
}

// get reads one commit header by id.
func (s *Store) get(id uint64) (*Commit, error) {
	rec, err := s.getRecord(id)
	if err != nil {
		return nil, err
	}
	c := rec.Commit
	return &c, nil
}

func (s *Store) getRecord(id uint64) (*record, error) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCommits).Get(idKey(id))
		if raw == nil {
			return fmt.Errorf("%w: id %d", ErrUnknownCommit, id)
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: commit %d: %v", ErrCorrupt, id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) snapshotBytes(id uint64) ([]byte, error) {
	rec, err := s.getRecord(id)
	if err != nil {
		return nil, err
	}
	data, err := s.dec.DecodeAll(rec.Snapshot, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot %d: %v", ErrCorrupt, id, err)
	}
	return data, nil
}

// Snapshot decodes the manifest stored in a commit.
func (s *Store) Snapshot(c *Commit) (*manifest.Manifest, error) {
	data, err := s.snapshotBytes(c.ID)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}

// Iterator walks history from head to root, newest first. Each step
// reads one commit, so iteration is lazy; a fresh iterator restarts
// from head.
type Iterator struct {
	store *Store
	next  uint64
	err   error
}

// Log returns an iterator over the commit chain starting at head.
func (s *Store) Log() (*Iterator, error) {
	head, err := s.Head()
	if err != nil {
		return nil, err
	}
	it := &Iterator{store: s}
	if head != nil {
		it.next = head.ID
	}
	return it, nil
}

// Next returns the next commit, or nil when the chain is exhausted.
func (it *Iterator) Next() (*Commit, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.next == 0 {
		return nil, nil
	}
	c, err := it.store.get(it.next)
	if err != nil {
		it.err = err
		return nil, err
	}
	it.next = c.Parent
	return c, nil
}

// Resolve maps a user-supplied reference to a commit. A reference is a
// decimal commit id or an unambiguous hash prefix. A prefix matching
// more than one commit fails with ErrAmbiguous.
func (s *Store) Resolve(ref string) (*Commit, error) {
	ref = strings.TrimSpace(strings.ToLower(ref))
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrUnknownCommit)
	}

	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		c, err := s.get(id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrUnknownCommit) {
			return nil, err
		}
		// Fall through: a short all-digit string may be a hash prefix.
	}

	var matches []Commit
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCommits).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: commit %x: %v", ErrCorrupt, k, err)
			}
			if strings.HasPrefix(rec.Hash, ref) {
				matches = append(matches, rec.Commit)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommit, ref)
	case 1:
		c := matches[0]
		return &c, nil
	default:
		var hashes []string
		for _, m := range matches {
			hashes = append(hashes, m.Hash[:12])
		}
		return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguous, ref, strings.Join(hashes, ", "))
	}
}

// Rollback replaces the manifest with a commit's snapshot. With a target
// reference, head moves to that commit; commits after it are superseded,
// not deleted. With an empty target, the manifest reloads head's
// snapshot and head stays put (discarding uncommitted changes).
func (s *Store) Rollback(m *manifest.Manifest, target string) (*Commit, error) {
	var c *Commit
	if target == "" {
		head, err := s.Head()
		if err != nil {
			return nil, err
		}
		if head == nil {
			return nil, fmt.Errorf("%w: no commits yet", ErrUnknownCommit)
		}
		c = head
	} else {
		resolved, err := s.Resolve(target)
		if err != nil {
			return nil, err
		}
		c = resolved
	}

	snap, err := s.Snapshot(c)
	if err != nil {
		return nil, err
	}

	if target != "" {
		err = s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketMeta).Put(keyHead, idKey(c.ID))
		})
		if err != nil {
			return nil, fmt.Errorf("move head: %w", err)
		}
	}

	*m = *snap
	return c, nil
}

// Status reports whether the manifest matches the head snapshot.
func (s *Store) Status(m *manifest.Manifest) (ManifestState, error) {
	head, err := s.Head()
	if err != nil {
		return Dirty, err
	}
	if head == nil {
		return Dirty, nil
	}
	snap, err := s.snapshotBytes(head.ID)
	if err != nil {
		return Dirty, err
	}
	if string(snap) == string(m.Encode()) {
		return Clean, nil
	}
	return Dirty, nil
}
