// Package manifest implements the declarative environment manifest.
//
// A manifest declares everything an environment needs to be reproduced:
// - Custom node packs (registry id or git URL, pinned version/commit)
// - Model files referenced by content hash
// - Python dependency constraints
// - Tracked workflow files
//
// The manifest is stored as YAML (comfyenv.yaml) and must round-trip
// losslessly through Parse and Serialize. Sets are unordered: node entries
// are unique by id, model refs unique by content hash.
package manifest

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"comfyenv/internal/cas"
)

// FileName is the manifest file name at an environment root.
const FileName = "comfyenv.yaml"

// Manifest is the declared state of an environment.
type Manifest struct {
	Name        string          `yaml:"name"`
	Nodes       []NodeEntry     `yaml:"nodes,omitempty"`
	Models      []ModelRef      `yaml:"models,omitempty"`
	Constraints []Constraint    `yaml:"constraints,omitempty"`
	Workflows   []WorkflowTrack `yaml:"workflows,omitempty"`
}

// NodeEntry declares one custom node pack.
type NodeEntry struct {
	ID      string `yaml:"id"`
	Source  string `yaml:"source"`            // registry id or git URL
	Version string `yaml:"version,omitempty"` // registry version
	Commit  string `yaml:"commit,omitempty"`  // pinned git commit
}

// IsGitSource reports whether the entry installs from a git URL rather
// than the node registry.
func (n NodeEntry) IsGitSource() bool {
	return strings.HasPrefix(n.Source, "http://") ||
		strings.HasPrefix(n.Source, "https://") ||
		strings.HasPrefix(n.Source, "git@")
}

// ModelRef declares one model file by content hash.
type ModelRef struct {
	Hash      string   `yaml:"hash"`
	Filenames []string `yaml:"filenames,omitempty"`
	Source    string   `yaml:"source,omitempty"` // download URL, if known
	Category  string   `yaml:"category,omitempty"`
	Optional  bool     `yaml:"optional,omitempty"`
	Workflow  string   `yaml:"workflow,omitempty"` // scoping workflow, if any
}

// ContentHash parses the ref's hash field.
func (m ModelRef) ContentHash() (cas.Hash, error) {
	return cas.ParseHash(m.Hash)
}

// Constraint pins one Python dependency.
type Constraint struct {
	Package string `yaml:"package"`
	Op      string `yaml:"op,omitempty"` // ==, >=, <=, ~=, !=
	Version string `yaml:"version,omitempty"`
}

// String renders the constraint as a pip requirement line.
func (c Constraint) String() string {
	if c.Op == "" || c.Version == "" {
		return c.Package
	}
	return c.Package + c.Op + c.Version
}

// WorkflowTrack declares one tracked workflow file.
type WorkflowTrack struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Tracked bool   `yaml:"tracked"`
}

// New creates an empty manifest for the named environment.
func New(name string) *Manifest {
	return &Manifest{Name: name}
}

// Parse decodes a manifest from YAML and validates its set invariants.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Serialize encodes the manifest as YAML with stable set ordering, so
// Parse(Serialize(m)) reproduces m exactly.
func (m *Manifest) Serialize() ([]byte, error) {
	c := m.Clone()
	c.normalize()
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("serialize manifest: %w", err)
	}
	return data, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Save serializes the manifest to a file.
func (m *Manifest) Save(path string) error {
	data, err := m.Serialize()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node entry with empty id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node entry: %s", n.ID)
		}
		seen[n.ID] = true
	}

	hashes := make(map[string]bool, len(m.Models))
	for _, ref := range m.Models {
		if _, err := cas.ParseHash(ref.Hash); err != nil {
			return fmt.Errorf("model ref: %w", err)
		}
		if hashes[ref.Hash] {
			return fmt.Errorf("duplicate model ref: %s", ref.Hash)
		}
		hashes[ref.Hash] = true
	}
	return nil
}

// normalize sorts all sets into canonical order. Ordering is irrelevant
// to manifest semantics, so normalizing before serialization keeps the
// file diffable and the encoding deterministic.
func (m *Manifest) normalize() {
	sort.Slice(m.Nodes, func(i, j int) bool { return m.Nodes[i].ID < m.Nodes[j].ID })
	sort.Slice(m.Models, func(i, j int) bool { return m.Models[i].Hash < m.Models[j].Hash })
	sort.Slice(m.Constraints, func(i, j int) bool { return m.Constraints[i].Package < m.Constraints[j].Package })
	sort.Slice(m.Workflows, func(i, j int) bool { return m.Workflows[i].Name < m.Workflows[j].Name })
	for i := range m.Models {
		sort.Strings(m.Models[i].Filenames)
	}
}

// Clone returns a deep copy. History snapshots must not alias the live
// manifest.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{Name: m.Name}
	c.Nodes = append([]NodeEntry(nil), m.Nodes...)
	c.Constraints = append([]Constraint(nil), m.Constraints...)
	c.Workflows = append([]WorkflowTrack(nil), m.Workflows...)
	c.Models = make([]ModelRef, len(m.Models))
	for i, ref := range m.Models {
		c.Models[i] = ref
		c.Models[i].Filenames = append([]string(nil), ref.Filenames...)
	}
	return c
}

// Encode produces the canonical byte encoding used for commit hashing
// and structural comparison. Two manifests encode identically iff they
// declare the same sets.
func (m *Manifest) Encode() []byte {
	c := m.Clone()
	c.normalize()
	data, err := yaml.Marshal(c)
	if err != nil {
		// Marshal of a plain struct only fails on unencodable values,
		// which the Manifest type cannot contain.
		panic(fmt.Sprintf("encode manifest: %v", err))
	}
	return data
}

// Equal reports structural equality, ignoring set ordering.
func Equal(a, b *Manifest) bool {
	if a == nil || b == nil {
		return a == b
	}
	return string(a.Encode()) == string(b.Encode())
}

// FindNode returns the node entry with the given id, if present.
func (m *Manifest) FindNode(id string) (NodeEntry, bool) {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeEntry{}, false
}

// FindModel returns the model ref with the given content hash, if present.
func (m *Manifest) FindModel(hash string) (ModelRef, bool) {
	for _, ref := range m.Models {
		if ref.Hash == hash {
			return ref, true
		}
	}
	return ModelRef{}, false
}

// AddNode inserts or replaces a node entry, keyed by id.
func (m *Manifest) AddNode(entry NodeEntry) {
	for i, n := range m.Nodes {
		if n.ID == entry.ID {
			m.Nodes[i] = entry
			return
		}
	}
	m.Nodes = append(m.Nodes, entry)
}

// RemoveNode deletes a node entry by id, reporting whether it existed.
func (m *Manifest) RemoveNode(id string) bool {
	for i, n := range m.Nodes {
		if n.ID == id {
			m.Nodes = append(m.Nodes[:i], m.Nodes[i+1:]...)
			return true
		}
	}
	return false
}

// AddModel inserts or replaces a model ref, keyed by content hash.
func (m *Manifest) AddModel(ref ModelRef) {
	for i, existing := range m.Models {
		if existing.Hash == ref.Hash {
			m.Models[i] = ref
			return
		}
	}
	m.Models = append(m.Models, ref)
}

// TrackWorkflow marks a workflow as tracked, adding it if unknown.
func (m *Manifest) TrackWorkflow(name, path string) {
	for i, wf := range m.Workflows {
		if wf.Name == name {
			m.Workflows[i].Tracked = true
			if path != "" {
				m.Workflows[i].Path = path
			}
			return
		}
	}
	m.Workflows = append(m.Workflows, WorkflowTrack{Name: name, Path: path, Tracked: true})
}

// UntrackWorkflow clears the tracked flag, reporting whether the workflow
// was known.
func (m *Manifest) UntrackWorkflow(name string) bool {
	for i, wf := range m.Workflows {
		if wf.Name == name {
			m.Workflows[i].Tracked = false
			return true
		}
	}
	return false
}
