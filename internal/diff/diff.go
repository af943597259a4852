package diff

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"comfyenv/internal/cas"
	"comfyenv/internal/manifest"
	"comfyenv/internal/modelindex"
	"comfyenv/internal/scan"
	"comfyenv/internal/workflow"
)

// Validation is the result of one registry lookup.
type Validation struct {
	Confirmed         bool
	SuggestedVersions []string
}

// RegistryValidator confirms node identity and versions against an
// external registry. The diff engine consults it before finalizing node
// operations; a mismatch annotates the operation, it never blocks the
// plan.
type RegistryValidator interface {
	Validate(ctx context.Context, source, version string) (Validation, error)
}

// Engine computes sync plans. The model index is injected, never
// ambient, so per-directory locking stays visible to the caller.
type Engine struct {
	Index     *modelindex.Store
	Validator RegistryValidator // nil skips registry validation
	Logger    *log.Logger
}

// New creates a diff engine.
func New(index *modelindex.Store, validator RegistryValidator, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Engine{Index: index, Validator: validator, Logger: logger.WithPrefix("diff")}
}

// Compute produces a plan that reconciles the installation described by
// snap with the manifest m.
func (e *Engine) Compute(ctx context.Context, m *manifest.Manifest, snap *scan.Snapshot) (*Plan, error) {
	plan := &Plan{}

	if err := e.diffNodes(ctx, plan, m, snap); err != nil {
		return nil, err
	}
	if err := e.diffModels(plan, m); err != nil {
		return nil, err
	}
	if err := e.diffWorkflows(plan, m, snap); err != nil {
		return nil, err
	}
	e.diffPackages(plan, m, snap)

	e.Logger.Debug("plan computed",
		"ops", len(plan.Ops), "untracked", len(plan.Untracked),
		"unresolved", len(plan.Unresolved), "pending", len(plan.Pending))
	return plan, nil
}

func (e *Engine) diffNodes(ctx context.Context, plan *Plan, m *manifest.Manifest, snap *scan.Snapshot) error {
	for _, entry := range m.Nodes {
		observed, installed := snap.FindNode(entry.ID)
		if !installed {
			op := Operation{
				ID:   string(OpNodeAdd) + ":" + entry.ID,
				Kind: OpNodeAdd,
				Node: cloneNode(entry),
			}
			e.validateNode(ctx, &op)
			plan.Ops = append(plan.Ops, op)
			continue
		}

		if mismatch, have := nodeMismatch(entry, observed); mismatch {
			op := Operation{
				ID:              string(OpNodeUpdate) + ":" + entry.ID,
				Kind:            OpNodeUpdate,
				Node:            cloneNode(entry),
				ObservedVersion: have,
			}
			e.validateNode(ctx, &op)
			plan.Ops = append(plan.Ops, op)
		}
	}

	// Installed packs the manifest does not declare are reported, not
	// planned. Removal only happens when explicitly requested.
	for _, observed := range snap.Nodes {
		if _, declared := m.FindNode(observed.ID); !declared {
			plan.Untracked = append(plan.Untracked, observed.ID)
		}
	}
	return nil
}

// nodeMismatch compares a declared pin against the observed install.
// An entry with no pin matches any installed state.
func nodeMismatch(want manifest.NodeEntry, have scan.InstalledNode) (bool, string) {
	if want.Commit != "" && have.Commit != "" && want.Commit != have.Commit {
		return true, have.Commit
	}
	if want.Version != "" && have.Version != "" && want.Version != have.Version {
		return true, have.Version
	}
	return false, ""
}

func (e *Engine) validateNode(ctx context.Context, op *Operation) {
	if e.Validator == nil {
		return
	}
	want := op.Node.Version
	if op.Node.Commit != "" {
		want = op.Node.Commit
	}
	v, err := e.Validator.Validate(ctx, op.Node.Source, want)
	if err != nil {
		op.Warnings = append(op.Warnings, fmt.Sprintf("registry lookup failed: %v", err))
		return
	}
	if !v.Confirmed {
		w := fmt.Sprintf("%s not found as a release or tag", want)
		if len(v.SuggestedVersions) > 0 {
			w += " (known: " + strings.Join(v.SuggestedVersions, ", ") + ")"
		}
		op.Warnings = append(op.Warnings, w)
	}
}

func (e *Engine) diffModels(plan *Plan, m *manifest.Manifest) error {
	for _, ref := range m.Models {
		h, err := ref.ContentHash()
		if err != nil {
			return fmt.Errorf("model ref %s: %w", ref.Hash, err)
		}
		present, err := e.Index.Has(h)
		if err != nil {
			return fmt.Errorf("index lookup %s: %w", ref.Hash, err)
		}
		if present {
			continue
		}

		if ref.Optional {
			// Missing optional models never block a sync; they are
			// reported instead of planned.
			plan.Unresolved = append(plan.Unresolved, UnresolvedModel{
				Ref:      ref,
				Optional: true,
				Reason:   "not present in any tracked directory",
			})
			continue
		}

		refCopy := ref
		refCopy.Filenames = append([]string(nil), ref.Filenames...)
		op := Operation{
			ID:    string(OpModelDownload) + ":" + h.Short(),
			Kind:  OpModelDownload,
			Model: &refCopy,
		}
		if ref.Source == "" {
			op.Warnings = append(op.Warnings, "no download source recorded")
		}
		plan.Ops = append(plan.Ops, op)
	}
	return nil
}

// diffPackages reports drift between the manifest's python constraints
// and the observed package list. Package management stays with pip, so
// drift surfaces as warnings, never as operations. Accelerator packages
// are compared ignoring their build-local suffix: a torch pinned as
// 2.3.1 is satisfied by an installed 2.3.1+cu121.
func (e *Engine) diffPackages(plan *Plan, m *manifest.Manifest, snap *scan.Snapshot) {
	observed := make(map[string]string, len(snap.Packages))
	for _, pkg := range snap.Packages {
		observed[strings.ToLower(pkg.Package)] = pkg.Version
	}

	for _, want := range m.Constraints {
		if want.Op != "==" {
			// Range constraints need a full version resolver; only exact
			// pins are checked here.
			continue
		}
		got, installed := observed[strings.ToLower(want.Package)]
		if !installed {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("package %s is pinned to %s but not declared by the installation", want.Package, want.Version))
			continue
		}
		if !scan.VersionsEquivalent(want.Package, got, want.Version) {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("package %s is %s, manifest pins %s", want.Package, got, want.Version))
		}
	}
}

func (e *Engine) diffWorkflows(plan *Plan, m *manifest.Manifest, snap *scan.Snapshot) error {
	for _, track := range m.Workflows {
		if !track.Tracked {
			continue
		}

		file, present := snap.FindWorkflow(track.Name)
		graphPath := file.Path
		if !present {
			graphPath = filepath.Join(snap.Root, filepath.FromSlash(track.Path))
		}

		graph, err := e.parseGraph(graphPath)
		if err != nil {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("workflow %s: %v", track.Name, err))
			graph = nil
		}

		if !present {
			// The workflow needs importing from the manifest's copy.
			trackCopy := track
			op := Operation{
				ID:       string(OpWorkflowImport) + ":" + track.Name,
				Kind:     OpWorkflowImport,
				Workflow: &trackCopy,
			}
			op.DependsOn = e.workflowDeps(plan, track.Name, graph)
			plan.Ops = append(plan.Ops, op)
		}

		if graph != nil {
			e.detectDependencies(plan, m, track.Name, graph)
		}
	}
	return nil
}

// workflowDeps collects the already-planned operations a workflow import
// must wait for: installs of node packs the workflow's graph references,
// and downloads of models scoped to this workflow. With no parseable
// graph the pack references are unknown, so every node install blocks
// the import.
func (e *Engine) workflowDeps(plan *Plan, workflowName string, graph *workflow.Graph) []string {
	var packs map[string]bool
	if graph != nil {
		packs = make(map[string]bool)
		for _, pack := range graph.NodePacks() {
			packs[pack] = true
		}
	}

	var deps []string
	for i := range plan.Ops {
		op := &plan.Ops[i]
		switch op.Kind {
		case OpNodeAdd, OpNodeUpdate:
			if packs == nil || packs[op.Node.ID] {
				deps = append(deps, op.ID)
			}
		case OpModelDownload:
			if op.Model.Workflow == "" || op.Model.Workflow == workflowName {
				deps = append(deps, op.ID)
			}
		}
	}
	return deps
}

func (e *Engine) parseGraph(path string) (*workflow.Graph, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("workflow file unavailable: %w", err)
	}
	return workflow.ParseFile(path)
}

// detectDependencies surfaces graph references missing from the manifest
// as pending additions.
func (e *Engine) detectDependencies(plan *Plan, m *manifest.Manifest, workflowName string, graph *workflow.Graph) {
	for _, pack := range graph.NodePacks() {
		if _, declared := m.FindNode(pack); declared {
			continue
		}
		plan.Pending = append(plan.Pending, PendingAddition{
			Workflow: workflowName,
			NodePack: pack,
		})
	}

	declaredNames := make(map[string]bool)
	for _, ref := range m.Models {
		for _, name := range ref.Filenames {
			declaredNames[name] = true
		}
	}

	for _, name := range graph.ModelFiles() {
		if declaredNames[name] {
			continue
		}
		pending := PendingAddition{Workflow: workflowName, ModelFile: name}

		records, err := e.Index.FindByFilename(name)
		if err != nil {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("index lookup %s: %v", name, err))
			continue
		}
		switch len(records) {
		case 0:
			// Unknown content; the caller has to supply a hash or a
			// source before this can be declared.
		case 1:
			pending.Hash = records[0].Hash
		default:
			// Same declared name, different contents. Never
			// auto-select.
			for _, rec := range records {
				pending.Candidates = append(pending.Candidates, rec.Hash)
			}
		}
		plan.Pending = append(plan.Pending, pending)
	}
}

func cloneNode(n manifest.NodeEntry) *manifest.NodeEntry {
	c := n
	return &c
}

// ResolvePending turns a confirmed pending addition into the manifest
// mutation it implies. Ambiguous additions must be resolved to a single
// hash by the caller first.
func ResolvePending(m *manifest.Manifest, p PendingAddition, chosenHash string) error {
	if p.NodePack != "" {
		m.AddNode(manifest.NodeEntry{ID: p.NodePack, Source: p.NodePack})
		return nil
	}

	hash := p.Hash
	if chosenHash != "" {
		hash = chosenHash
	}
	if p.Ambiguous() && chosenHash == "" {
		return fmt.Errorf("model %s is ambiguous: candidates %s", p.ModelFile, strings.Join(p.Candidates, ", "))
	}
	if hash == "" {
		return fmt.Errorf("model %s has no known content hash", p.ModelFile)
	}
	if _, err := cas.ParseHash(hash); err != nil {
		return err
	}
	m.AddModel(manifest.ModelRef{
		Hash:      hash,
		Filenames: []string{p.ModelFile},
		Workflow:  p.Workflow,
	})
	return nil
}
