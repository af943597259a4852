// Package scan inspects a live ComfyUI installation and produces an
// observed snapshot of its state.
//
// Scanning is a pure read: installed custom node packs, declared Python
// packages, present workflow files and the platform identity are collected
// without touching anything. A missing installation root is fatal;
// individual unreadable node directories are skipped with a warning.
package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"

	"comfyenv/internal/manifest"
)

// CustomNodesDir is the plugin directory under a ComfyUI root.
const CustomNodesDir = "custom_nodes"

// workflowDirs are the locations checked for workflow files, relative to
// the root.
var workflowDirs = []string{
	filepath.Join("user", "default", "workflows"),
	"workflows",
}

// dirDenylist names custom_nodes entries that are never node packs.
var dirDenylist = map[string]bool{
	"__pycache__": true,
	"web":         true,
	"examples":    true,
}

// InstalledNode is one custom node pack found on disk.
type InstalledNode struct {
	ID      string // directory name, lowercased
	Dir     string // absolute path
	Commit  string // git HEAD commit, if the pack is a git checkout
	Version string // version from pyproject.toml, if declared
}

// WorkflowFile is one workflow JSON file found on disk.
type WorkflowFile struct {
	Name string // base name without extension
	Path string // absolute path
}

// Platform identifies the runtime the installation targets. Accelerator
// builds of packages like torch carry a local version suffix (+cu121,
// +rocm6.0) that varies per machine; comparisons ignore it.
type Platform struct {
	OS             string
	Arch           string
	AcceleratorTag string // e.g. "cu121", empty when none detected
}

// Warning is a per-item scan failure that did not abort the scan.
type Warning struct {
	Path string
	Err  error
}

// Snapshot is the observed state of a live installation.
type Snapshot struct {
	Root      string
	Nodes     []InstalledNode
	Packages  []manifest.Constraint
	Workflows []WorkflowFile
	Platform  Platform
	Warnings  []Warning
}

// FindNode returns the installed node with the given id, if present.
func (s *Snapshot) FindNode(id string) (InstalledNode, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return InstalledNode{}, false
}

// FindWorkflow returns the workflow file with the given name, if present.
func (s *Snapshot) FindWorkflow(name string) (WorkflowFile, bool) {
	for _, wf := range s.Workflows {
		if wf.Name == name {
			return wf, true
		}
	}
	return WorkflowFile{}, false
}

// Scanner reads the state of one installation root.
type Scanner struct {
	Root   string
	Logger *log.Logger
}

// New creates a Scanner for the given root.
func New(root string, logger *log.Logger) *Scanner {
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Scanner{Root: root, Logger: logger.WithPrefix("scan")}
}

// Scan produces a snapshot of the installation. Cancellation is honored
// between node pack directories.
func (s *Scanner) Scan(ctx context.Context) (*Snapshot, error) {
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("installation root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("installation root %s is not a directory", root)
	}

	snap := &Snapshot{
		Root:     root,
		Platform: Platform{OS: runtime.GOOS, Arch: runtime.GOARCH},
	}

	if err := s.scanNodes(ctx, snap); err != nil {
		return nil, err
	}
	s.scanPackages(snap)
	s.scanWorkflows(snap)

	// The accelerator tag is whatever local suffix the installed torch
	// build carries.
	for _, c := range snap.Packages {
		if isAcceleratorPackage(c.Package) {
			if _, tag := SplitBuildTag(c.Version); tag != "" {
				snap.Platform.AcceleratorTag = tag
				break
			}
		}
	}

	return snap, nil
}

func (s *Scanner) scanNodes(ctx context.Context, snap *Snapshot) error {
	nodesDir := filepath.Join(snap.Root, CustomNodesDir)
	entries, err := os.ReadDir(nodesDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.warn(snap, nodesDir, err)
		}
		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if !entry.IsDir() || dirDenylist[name] ||
			strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".disabled") {
			continue
		}

		dir := filepath.Join(nodesDir, name)
		if _, err := os.ReadDir(dir); err != nil {
			s.warn(snap, dir, err)
			continue
		}

		node := InstalledNode{
			ID:  strings.ToLower(name),
			Dir: dir,
		}
		node.Commit = readGitHead(dir)
		node.Version = readProjectVersion(dir)
		snap.Nodes = append(snap.Nodes, node)
	}
	return nil
}

func (s *Scanner) scanPackages(snap *Snapshot) {
	path := filepath.Join(snap.Root, "requirements.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.warn(snap, path, err)
		}
		return
	}
	snap.Packages = manifest.ParseRequirements(data)
}

func (s *Scanner) scanWorkflows(snap *Snapshot) {
	seen := make(map[string]bool)
	for _, rel := range workflowDirs {
		dir := filepath.Join(snap.Root, rel)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				s.warn(snap, dir, err)
			}
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".json")
			if seen[name] {
				continue
			}
			seen[name] = true
			snap.Workflows = append(snap.Workflows, WorkflowFile{
				Name: name,
				Path: filepath.Join(dir, entry.Name()),
			})
		}
	}
}

func (s *Scanner) warn(snap *Snapshot, path string, err error) {
	s.Logger.Warn("skipping unreadable entry", "path", path, "error", err)
	snap.Warnings = append(snap.Warnings, Warning{Path: path, Err: err})
}

// readGitHead resolves the HEAD commit of a git checkout, or "" when the
// directory is not one.
func readGitHead(dir string) string {
	head, err := os.ReadFile(filepath.Join(dir, ".git", "HEAD"))
	if err != nil {
		return ""
	}
	ref := strings.TrimSpace(string(head))
	if !strings.HasPrefix(ref, "ref: ") {
		return ref // detached HEAD holds the commit directly
	}
	refPath := strings.TrimPrefix(ref, "ref: ")
	commit, err := os.ReadFile(filepath.Join(dir, ".git", filepath.FromSlash(refPath)))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(commit))
}

// readProjectVersion scrapes the version field from a pack's
// pyproject.toml, if present.
func readProjectVersion(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "pyproject.toml"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "version") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "version"))
		if !strings.HasPrefix(rest, "=") {
			continue
		}
		return strings.Trim(strings.TrimSpace(rest[1:]), `"'`)
	}
	return ""
}
