// Package sync applies sync plans against a live installation and the
// model index.
//
// Operations execute in dependency order. Before applying each one the
// executor re-checks the observed state, so re-running a plan against a
// partially-applied installation only performs the remaining work. A
// failed operation skips its dependents; independent operations still
// complete. The result is a per-operation report, never a single
// pass/fail.
package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"comfyenv/internal/cas"
	"comfyenv/internal/diff"
	"comfyenv/internal/manifest"
	"comfyenv/internal/modelindex"
	"comfyenv/internal/scan"
)

// Downloader fetches a URL to a local file. Transport policy, including
// timeouts, belongs to the implementation.
type Downloader interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// NodeInstaller installs and updates custom node packs under a root.
type NodeInstaller interface {
	Install(ctx context.Context, root string, entry manifest.NodeEntry) error
	Update(ctx context.Context, root string, entry manifest.NodeEntry) error
}

// Status is the outcome of one operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of one operation of a plan.
type Result struct {
	ID     string      `json:"id"`
	Kind   diff.OpKind `json:"kind"`
	Status Status      `json:"status"`
	Note   string      `json:"note,omitempty"`
	Err    string      `json:"error,omitempty"`
}

// Report is the per-operation outcome of one Apply.
type Report struct {
	DryRun  bool     `json:"dry_run"`
	Results []Result `json:"results"`
}

// Counts tallies results by status.
func (r *Report) Counts() (succeeded, failed, skipped int) {
	for _, res := range r.Results {
		switch res.Status {
		case StatusSuccess:
			succeeded++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return
}

// Failed reports whether any operation failed.
func (r *Report) Failed() bool {
	_, failed, _ := r.Counts()
	return failed > 0
}

// Executor applies plans to one installation root.
type Executor struct {
	Root       string
	Index      *modelindex.Store
	Downloader Downloader
	Installer  NodeInstaller
	Logger     *log.Logger
	DryRun     bool
}

// New creates an executor for the given root.
func New(root string, index *modelindex.Store, dl Downloader, inst NodeInstaller, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Executor{
		Root:       root,
		Index:      index,
		Downloader: dl,
		Installer:  inst,
		Logger:     logger.WithPrefix("sync"),
	}
}

// Apply executes the plan. Operations whose dependencies failed or were
// skipped due to failure are skipped, not attempted. Cancellation is
// honored between operations; already-applied operations stay applied.
func (e *Executor) Apply(ctx context.Context, plan *diff.Plan) (*Report, error) {
	report := &Report{DryRun: e.DryRun}
	blocked := make(map[string]bool, len(plan.Ops))

	for i := range plan.Ops {
		op := &plan.Ops[i]

		if err := ctx.Err(); err != nil {
			report.Results = append(report.Results, Result{
				ID: op.ID, Kind: op.Kind, Status: StatusSkipped, Note: "cancelled",
			})
			continue
		}

		if dep := blockedBy(op, blocked); dep != "" {
			report.Results = append(report.Results, Result{
				ID: op.ID, Kind: op.Kind, Status: StatusSkipped,
				Note: "dependency " + dep + " did not succeed",
			})
			blocked[op.ID] = true
			continue
		}

		res := e.applyOne(ctx, op)
		report.Results = append(report.Results, res)
		if res.Status == StatusFailed {
			blocked[op.ID] = true
			e.Logger.Error("operation failed", "op", op.ID, "error", res.Err)
		}
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// blockedBy returns the first dependency of op that failed or was itself
// blocked. A dependency skipped because it was already satisfied does
// not block, so the blocked set tracks failure propagation, not skips.
func blockedBy(op *diff.Operation, blocked map[string]bool) string {
	for _, dep := range op.DependsOn {
		if blocked[dep] {
			return dep
		}
	}
	return ""
}

func (e *Executor) applyOne(ctx context.Context, op *diff.Operation) Result {
	res := Result{ID: op.ID, Kind: op.Kind}

	var err error
	switch op.Kind {
	case diff.OpNodeAdd, diff.OpNodeUpdate:
		res.Status, res.Note, err = e.applyNode(ctx, op)
	case diff.OpNodeRemove:
		res.Status, res.Note, err = e.removeNode(op)
	case diff.OpModelDownload:
		res.Status, res.Note, err = e.downloadModel(ctx, op)
	case diff.OpWorkflowImport:
		res.Status, res.Note, err = e.importWorkflow(op)
	default:
		err = fmt.Errorf("unknown operation kind %q", op.Kind)
		res.Status = StatusFailed
	}
	if err != nil {
		res.Status = StatusFailed
		res.Err = err.Error()
	}
	return res
}

func (e *Executor) nodeDir(id string) string {
	return filepath.Join(e.Root, scan.CustomNodesDir, id)
}

func (e *Executor) applyNode(ctx context.Context, op *diff.Operation) (Status, string, error) {
	installed := dirExists(e.nodeDir(op.Node.ID))

	// Re-check observed state: an add against an already-present pack is
	// complete, an update against a missing one becomes an install.
	if op.Kind == diff.OpNodeAdd && installed {
		return StatusSkipped, "already installed", nil
	}
	if e.DryRun {
		return StatusSuccess, "dry run: would " + verb(op.Kind), nil
	}
	if e.Installer == nil {
		return StatusFailed, "", fmt.Errorf("no node installer configured")
	}

	if !installed {
		if err := e.Installer.Install(ctx, e.Root, *op.Node); err != nil {
			return StatusFailed, "", fmt.Errorf("install %s: %w", op.Node.ID, err)
		}
		return StatusSuccess, "", nil
	}
	if err := e.Installer.Update(ctx, e.Root, *op.Node); err != nil {
		return StatusFailed, "", fmt.Errorf("update %s: %w", op.Node.ID, err)
	}
	return StatusSuccess, "", nil
}

func (e *Executor) removeNode(op *diff.Operation) (Status, string, error) {
	dir := e.nodeDir(op.Node.ID)
	if !dirExists(dir) {
		return StatusSkipped, "not installed", nil
	}
	if e.DryRun {
		return StatusSuccess, "dry run: would remove", nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return StatusFailed, "", fmt.Errorf("remove %s: %w", op.Node.ID, err)
	}
	return StatusSuccess, "", nil
}

func (e *Executor) downloadModel(ctx context.Context, op *diff.Operation) (Status, string, error) {
	want, err := op.Model.ContentHash()
	if err != nil {
		return StatusFailed, "", err
	}

	// Re-check the index: another directory may have supplied the
	// content since the plan was computed, or a prior partial run
	// already fetched it.
	present, err := e.Index.Has(want)
	if err != nil {
		return StatusFailed, "", err
	}
	if present {
		return StatusSkipped, "already present in index", nil
	}
	if e.DryRun {
		return StatusSuccess, "dry run: would download", nil
	}
	if e.Downloader == nil {
		return StatusFailed, "", fmt.Errorf("no downloader configured")
	}
	if op.Model.Source == "" {
		return StatusFailed, "", fmt.Errorf("model %s has no download source", want.Short())
	}

	local, err := e.Downloader.Fetch(ctx, op.Model.Source)
	if err != nil {
		return StatusFailed, "", fmt.Errorf("fetch %s: %w", op.Model.Source, err)
	}
	// The fetched file is either moved into place or discarded.
	defer os.Remove(local)

	got, _, err := cas.SumFile(local)
	if err != nil {
		return StatusFailed, "", err
	}
	if got != want {
		return StatusFailed, "", fmt.Errorf("downloaded content hash %s does not match declared %s", got.Short(), want.Short())
	}

	dest, err := e.placeModel(op.Model, local)
	if err != nil {
		return StatusFailed, "", err
	}

	// Track the destination directory so the index records the new
	// content; retracking an existing directory is a rescan.
	if _, err := e.Index.AddDirectory(ctx, filepath.Dir(dest)); err != nil {
		return StatusFailed, "", fmt.Errorf("index downloaded model: %w", err)
	}
	return StatusSuccess, "", nil
}

// placeModel moves a fetched file into models/<category>/ under the root.
func (e *Executor) placeModel(ref *manifest.ModelRef, local string) (string, error) {
	category := ref.Category
	if category == "" {
		category = "checkpoints"
	}
	name := filepath.Base(local)
	if len(ref.Filenames) > 0 {
		name = ref.Filenames[0]
	}

	destDir := filepath.Join(e.Root, "models", category)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, name)
	if err := os.Rename(local, dest); err != nil {
		// Rename fails across filesystems; downloads land in the system
		// temp dir, which often is one.
		if err := copyFile(local, dest); err != nil {
			return "", fmt.Errorf("place model: %w", err)
		}
		os.Remove(local)
	}
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

func (e *Executor) importWorkflow(op *diff.Operation) (Status, string, error) {
	src := filepath.Join(e.Root, filepath.FromSlash(op.Workflow.Path))
	dest := filepath.Join(e.Root, "user", "default", "workflows", op.Workflow.Name+".json")

	if fileExists(dest) {
		return StatusSkipped, "already imported", nil
	}
	if e.DryRun {
		return StatusSuccess, "dry run: would import", nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return StatusFailed, "", fmt.Errorf("workflow source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return StatusFailed, "", err
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return StatusFailed, "", fmt.Errorf("import workflow: %w", err)
	}
	return StatusSuccess, "", nil
}

func verb(kind diff.OpKind) string {
	switch kind {
	case diff.OpNodeAdd:
		return "install"
	case diff.OpNodeUpdate:
		return "update"
	}
	return string(kind)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
