package modelindex

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.etcd.io/bbolt"
)

// MatchKind says why a record matched a query.
type MatchKind int

const (
	MatchHash MatchKind = iota + 1
	MatchFilename
)

// Match is one ranked Find result.
type Match struct {
	Kind   MatchKind
	Record ModelRecord
}

// Find looks up records by hash prefix or filename substring. Exact and
// prefix hash matches rank first, then filename matches ordered by the
// scan order of the directory that holds them.
func (s *Store) Find(query string) ([]Match, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	dirOrder := make(map[string]int)
	dirs, err := s.Directories()
	if err != nil {
		return nil, err
	}
	for _, td := range dirs {
		dirOrder[td.Path] = td.Order
	}

	lowered := strings.ToLower(query)
	var hashMatches, nameMatches []Match

	err = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec ModelRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: record %s: %v", ErrCorrupt, k, err)
			}
			if strings.HasPrefix(rec.Hash, lowered) {
				hashMatches = append(hashMatches, Match{Kind: MatchHash, Record: rec})
				return nil
			}
			for _, name := range rec.Filenames() {
				if strings.Contains(strings.ToLower(name), lowered) {
					nameMatches = append(nameMatches, Match{Kind: MatchFilename, Record: rec})
					return nil
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// recordOrder ranks a record by the earliest-registered directory
	// containing one of its paths.
	recordOrder := func(rec ModelRecord) int {
		best := int(^uint(0) >> 1)
		for _, p := range rec.Paths {
			for dir, order := range dirOrder {
				if strings.HasPrefix(p, dir+string(filepath.Separator)) && order < best {
					best = order
				}
			}
		}
		return best
	}

	sort.Slice(hashMatches, func(i, j int) bool {
		return hashMatches[i].Record.Hash < hashMatches[j].Record.Hash
	})
	sort.SliceStable(nameMatches, func(i, j int) bool {
		oi, oj := recordOrder(nameMatches[i].Record), recordOrder(nameMatches[j].Record)
		if oi != oj {
			return oi < oj
		}
		return nameMatches[i].Record.Hash < nameMatches[j].Record.Hash
	})

	return append(hashMatches, nameMatches...), nil
}

// FindByFilename returns all records holding a file with exactly the
// given base name. More than one result means the name is ambiguous
// across contents.
func (s *Store) FindByFilename(name string) ([]ModelRecord, error) {
	var out []ModelRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec ModelRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: record %s: %v", ErrCorrupt, k, err)
			}
			for _, p := range rec.Paths {
				if filepath.Base(p) == name {
					out = append(out, rec)
					return nil
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}
