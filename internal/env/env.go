// Package env manages comfyenv environments: the binding between a
// ComfyUI installation root, its manifest, and the .comfyenv workspace
// directory holding the model index and commit history databases.
package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"comfyenv/internal/history"
	"comfyenv/internal/manifest"
	"comfyenv/internal/modelindex"
)

// WorkspaceDir is the per-environment state directory, created next to
// the manifest at the installation root.
const WorkspaceDir = ".comfyenv"

const (
	indexFile   = "index.db"
	historyFile = "history.db"
)

var (
	ErrNotInitialized     = errors.New("not a comfyenv environment (run 'comfyenv init')")
	ErrAlreadyInitialized = errors.New("environment already initialized")
)

// Environment is an opened comfyenv environment.
type Environment struct {
	Name string
	Root string // ComfyUI installation root
	Dir  string // .comfyenv workspace directory
}

// ManifestPath returns the path of the environment's manifest file.
func (e *Environment) ManifestPath() string {
	return filepath.Join(e.Root, manifest.FileName)
}

// IndexPath returns the path of the model index database.
func (e *Environment) IndexPath() string {
	return filepath.Join(e.Dir, indexFile)
}

// HistoryPath returns the path of the commit history database.
func (e *Environment) HistoryPath() string {
	return filepath.Join(e.Dir, historyFile)
}

// Create initializes a new environment at root. It writes an empty
// manifest and creates the workspace directory. Fails with
// ErrAlreadyInitialized when a workspace already exists at root.
func Create(root, name string) (*Environment, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("installation root: %w", err)
	}

	dir := filepath.Join(abs, WorkspaceDir)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w at %s", ErrAlreadyInitialized, abs)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	if name == "" {
		name = filepath.Base(abs)
	}
	e := &Environment{Name: name, Root: abs, Dir: dir}

	if _, err := os.Stat(e.ManifestPath()); os.IsNotExist(err) {
		if err := manifest.New(name).Save(e.ManifestPath()); err != nil {
			return nil, fmt.Errorf("write manifest: %w", err)
		}
	}
	return e, nil
}

// Open opens the environment containing start, searching start and its
// ancestors for a .comfyenv workspace directory.
func Open(start string) (*Environment, error) {
	root, err := Discover(start)
	if err != nil {
		return nil, err
	}

	e := &Environment{Root: root, Dir: filepath.Join(root, WorkspaceDir)}
	m, err := e.LoadManifest()
	if err != nil {
		return nil, err
	}
	e.Name = m.Name
	return e, nil
}

// Discover walks up from start looking for a .comfyenv directory and
// returns the installation root that holds it.
func Discover(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(filepath.Join(dir, WorkspaceDir))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// Delete removes the environment's workspace directory. The manifest
// and the installation itself are left alone.
func Delete(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	dir := filepath.Join(abs, WorkspaceDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotInitialized
	}
	return os.RemoveAll(dir)
}

// LoadManifest reads the environment's manifest.
func (e *Environment) LoadManifest() (*manifest.Manifest, error) {
	return manifest.Load(e.ManifestPath())
}

// SaveManifest writes the manifest back to the environment.
func (e *Environment) SaveManifest(m *manifest.Manifest) error {
	return m.Save(e.ManifestPath())
}

// OpenIndex opens the environment's model index.
func (e *Environment) OpenIndex(logger *log.Logger) (*modelindex.Store, error) {
	return modelindex.Open(e.IndexPath(), logger)
}

// OpenHistory opens the environment's commit history.
func (e *Environment) OpenHistory() (*history.Store, error) {
	return history.Open(e.HistoryPath())
}

// ModelDirs returns the default model directories under the
// installation root that exist on disk.
func (e *Environment) ModelDirs() []string {
	base := filepath.Join(e.Root, "models")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(base, entry.Name()))
		}
	}
	return dirs
}
