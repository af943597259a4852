package diff

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"comfyenv/internal/cas"
	"comfyenv/internal/manifest"
	"comfyenv/internal/modelindex"
	"comfyenv/internal/scan"
)

type fakeValidator struct {
	confirmed bool
	suggested []string
	calls     int
}

func (f *fakeValidator) Validate(ctx context.Context, source, version string) (Validation, error) {
	f.calls++
	return Validation{Confirmed: f.confirmed, SuggestedVersions: f.suggested}, nil
}

func openIndex(t *testing.T) *modelindex.Store {
	t.Helper()
	s, err := modelindex.Open(filepath.Join(t.TempDir(), "index.db"), nil)
	if err != nil {
		t.Fatalf("Open index failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func indexContent(t *testing.T, idx *modelindex.Store, name string, content []byte) cas.Hash {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := idx.AddDirectory(context.Background(), dir); err != nil {
		t.Fatalf("AddDirectory failed: %v", err)
	}
	return cas.SumB3(content)
}

func TestRequiredModelEmitsOneDownload(t *testing.T) {
	idx := openIndex(t)
	e := New(idx, nil, nil)

	required := cas.SumB3([]byte("abc123 weights")).String()
	m := manifest.New("t")
	m.AddModel(manifest.ModelRef{Hash: required, Filenames: []string{"wanted.safetensors"}})
	m.AddModel(manifest.ModelRef{
		Hash:     cas.SumB3([]byte("optional weights")).String(),
		Optional: true,
	})

	plan, err := e.Compute(context.Background(), m, &scan.Snapshot{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	// Exactly one download for the required ref, none for the optional.
	var downloads []Operation
	for _, op := range plan.Ops {
		if op.Kind == OpModelDownload {
			downloads = append(downloads, op)
		}
	}
	if len(downloads) != 1 {
		t.Fatalf("planned %d downloads, want 1", len(downloads))
	}
	if downloads[0].Model.Hash != required {
		t.Errorf("download hash = %s, want %s", downloads[0].Model.Hash, required)
	}

	if len(plan.Unresolved) != 1 || !plan.Unresolved[0].Optional {
		t.Errorf("Unresolved = %+v, want one optional entry", plan.Unresolved)
	}
}

func TestSatisfiedModelPlansNothing(t *testing.T) {
	idx := openIndex(t)
	h := indexContent(t, idx, "present.safetensors", []byte("present weights"))

	m := manifest.New("t")
	m.AddModel(manifest.ModelRef{Hash: h.String()})

	plan, err := New(idx, nil, nil).Compute(context.Background(), m, &scan.Snapshot{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !plan.Empty() {
		t.Errorf("plan should be empty for a satisfied ref: %v", plan.Summary())
	}
}

func TestNodeDiff(t *testing.T) {
	e := New(openIndex(t), nil, nil)

	m := manifest.New("t")
	m.AddNode(manifest.NodeEntry{ID: "missing-pack", Source: "missing-pack", Version: "1.0"})
	m.AddNode(manifest.NodeEntry{ID: "stale-pack", Source: "stale-pack", Version: "2.0"})
	m.AddNode(manifest.NodeEntry{ID: "current-pack", Source: "current-pack", Version: "3.0"})

	snap := &scan.Snapshot{
		Root: t.TempDir(),
		Nodes: []scan.InstalledNode{
			{ID: "stale-pack", Version: "1.9"},
			{ID: "current-pack", Version: "3.0"},
			{ID: "rogue-pack"},
		},
	}

	plan, err := e.Compute(context.Background(), m, snap)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if op, ok := plan.Find("node-add:missing-pack"); !ok || op.Kind != OpNodeAdd {
		t.Error("missing pack should plan a node add")
	}
	if op, ok := plan.Find("node-update:stale-pack"); !ok || op.ObservedVersion != "1.9" {
		t.Error("stale pack should plan a node update carrying the observed version")
	}
	if _, ok := plan.Find("node-update:current-pack"); ok {
		t.Error("current pack should plan nothing")
	}
	if len(plan.Untracked) != 1 || plan.Untracked[0] != "rogue-pack" {
		t.Errorf("Untracked = %v, want [rogue-pack]", plan.Untracked)
	}
}

func TestValidatorAnnotatesWithoutBlocking(t *testing.T) {
	v := &fakeValidator{confirmed: false, suggested: []string{"1.1", "1.2"}}
	e := New(openIndex(t), v, nil)

	m := manifest.New("t")
	m.AddNode(manifest.NodeEntry{ID: "pack", Source: "pack", Version: "9.9"})

	plan, err := e.Compute(context.Background(), m, &scan.Snapshot{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if v.calls != 1 {
		t.Errorf("validator called %d times, want 1", v.calls)
	}

	op, ok := plan.Find("node-add:pack")
	if !ok {
		t.Fatal("node add should still be planned")
	}
	if len(op.Warnings) != 1 || !strings.Contains(op.Warnings[0], "not found as a release or tag") {
		t.Errorf("Warnings = %v", op.Warnings)
	}
}

func TestWorkflowDependencyDetection(t *testing.T) {
	idx := openIndex(t)
	resolved := indexContent(t, idx, "known.safetensors", []byte("known weights"))
	// Two different contents under the same declared name: ambiguous.
	indexContent(t, idx, "dup.safetensors", []byte("dup one"))
	indexContent(t, idx, "dup.safetensors", []byte("dup two"))

	root := t.TempDir()
	wfDir := filepath.Join(root, "user", "default", "workflows")
	if err := os.MkdirAll(wfDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	graph := `{
	  "nodes": [
	    {"type": "X", "properties": {"cnr_id": "new-pack"}, "widgets_values": ["known.safetensors"]},
	    {"type": "Y", "properties": {"cnr_id": "declared-pack"}, "widgets_values": ["dup.safetensors"]},
	    {"type": "Z", "properties": {}, "widgets_values": ["mystery.ckpt"]}
	  ]
	}`
	wfPath := filepath.Join(wfDir, "portrait.json")
	if err := os.WriteFile(wfPath, []byte(graph), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m := manifest.New("t")
	m.AddNode(manifest.NodeEntry{ID: "declared-pack", Source: "declared-pack"})
	m.TrackWorkflow("portrait", "workflows/portrait.json")

	snap := &scan.Snapshot{
		Root:      root,
		Nodes:     []scan.InstalledNode{{ID: "declared-pack"}},
		Workflows: []scan.WorkflowFile{{Name: "portrait", Path: wfPath}},
	}

	plan, err := New(idx, nil, nil).Compute(context.Background(), m, snap)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	// Nothing is silently added: all discoveries are pending.
	byKey := make(map[string]PendingAddition)
	for _, p := range plan.Pending {
		byKey[p.NodePack+p.ModelFile] = p
	}

	if _, ok := byKey["new-pack"]; !ok {
		t.Error("undeclared pack should be pending")
	}
	if _, ok := byKey["declared-pack"]; ok {
		t.Error("declared pack should not be pending")
	}

	known := byKey["known.safetensors"]
	if known.Hash != resolved.String() {
		t.Errorf("unambiguous model should resolve to %s, got %q", resolved, known.Hash)
	}

	dup := byKey["dup.safetensors"]
	if !dup.Ambiguous() || len(dup.Candidates) != 2 {
		t.Errorf("duplicate-name model should be ambiguous: %+v", dup)
	}

	mystery := byKey["mystery.ckpt"]
	if mystery.Hash != "" || mystery.Ambiguous() {
		t.Errorf("unknown model should stay unresolved: %+v", mystery)
	}
}

func TestWorkflowImportPlanned(t *testing.T) {
	idx := openIndex(t)
	e := New(idx, nil, nil)

	m := manifest.New("t")
	m.AddNode(manifest.NodeEntry{ID: "pack", Source: "pack"})
	m.AddModel(manifest.ModelRef{
		Hash:     cas.SumB3([]byte("scoped weights")).String(),
		Workflow: "portrait",
	})
	m.TrackWorkflow("portrait", "workflows/portrait.json")

	// Empty snapshot: node missing, model missing, workflow missing.
	plan, err := e.Compute(context.Background(), m, &scan.Snapshot{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	imp, ok := plan.Find("workflow-import:portrait")
	if !ok {
		t.Fatal("missing tracked workflow should plan an import")
	}
	if len(imp.DependsOn) != 2 {
		t.Errorf("import DependsOn = %v, want the node add and the scoped download", imp.DependsOn)
	}
}

func TestPackageDriftWarnings(t *testing.T) {
	idx := openIndex(t)
	e := New(idx, nil, nil)

	m := manifest.New("t")
	m.Constraints = []manifest.Constraint{
		{Package: "torch", Op: "==", Version: "2.3.1"},
		{Package: "numpy", Op: "==", Version: "1.26.0"},
		{Package: "pillow", Op: "==", Version: "10.0.0"},
		{Package: "requests", Op: ">=", Version: "2.0"},
	}

	snap := &scan.Snapshot{
		Root: t.TempDir(),
		Packages: []manifest.Constraint{
			{Package: "torch", Op: "==", Version: "2.3.1+cu121"},
			{Package: "numpy", Op: "==", Version: "1.25.0"},
		},
	}

	plan, err := e.Compute(context.Background(), m, snap)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	for _, w := range plan.Warnings {
		if strings.Contains(w, "torch") {
			t.Errorf("torch build suffix should not count as drift: %q", w)
		}
	}
	if !hasWarning(plan.Warnings, "numpy") {
		t.Errorf("numpy version drift should warn: %v", plan.Warnings)
	}
	if !hasWarning(plan.Warnings, "pillow") {
		t.Errorf("missing pinned package should warn: %v", plan.Warnings)
	}
	if hasWarning(plan.Warnings, "requests") {
		t.Errorf("range constraints are not checked: %v", plan.Warnings)
	}
}

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestWorkflowDepsScopedToReferencedPacks(t *testing.T) {
	idx := openIndex(t)
	e := New(idx, nil, nil)

	root := t.TempDir()
	wfDir := filepath.Join(root, "workflows")
	if err := os.MkdirAll(wfDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	// One workflow references used-pack; the other only stock nodes.
	writeGraph := func(name, graph string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(wfDir, name), []byte(graph), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	writeGraph("custom.json", `{"nodes": [{"type": "X", "properties": {"cnr_id": "used-pack"}}]}`)
	writeGraph("stock.json", `{"nodes": [{"type": "KSampler", "properties": {}}]}`)

	m := manifest.New("t")
	m.AddNode(manifest.NodeEntry{ID: "used-pack", Source: "used-pack"})
	m.AddNode(manifest.NodeEntry{ID: "unrelated-pack", Source: "unrelated-pack"})
	m.TrackWorkflow("custom", "workflows/custom.json")
	m.TrackWorkflow("stock", "workflows/stock.json")

	plan, err := e.Compute(context.Background(), m, &scan.Snapshot{Root: root})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	custom, ok := plan.Find("workflow-import:custom")
	if !ok {
		t.Fatal("custom import not planned")
	}
	if len(custom.DependsOn) != 1 || custom.DependsOn[0] != "node-add:used-pack" {
		t.Errorf("custom DependsOn = %v, want only node-add:used-pack", custom.DependsOn)
	}

	stock, ok := plan.Find("workflow-import:stock")
	if !ok {
		t.Fatal("stock import not planned")
	}
	if len(stock.DependsOn) != 0 {
		t.Errorf("stock DependsOn = %v, want none: its graph references no planned pack", stock.DependsOn)
	}
}

func TestResolvePending(t *testing.T) {
	m := manifest.New("t")

	if err := ResolvePending(m, PendingAddition{Workflow: "wf", NodePack: "pack"}, ""); err != nil {
		t.Fatalf("ResolvePending node failed: %v", err)
	}
	if _, ok := m.FindNode("pack"); !ok {
		t.Error("resolved pack should be declared")
	}

	h := cas.SumB3([]byte("resolved")).String()
	if err := ResolvePending(m, PendingAddition{Workflow: "wf", ModelFile: "m.safetensors", Hash: h}, ""); err != nil {
		t.Fatalf("ResolvePending model failed: %v", err)
	}
	if _, ok := m.FindModel(h); !ok {
		t.Error("resolved model should be declared")
	}

	amb := PendingAddition{
		ModelFile:  "dup.safetensors",
		Candidates: []string{h, cas.SumB3([]byte("other")).String()},
	}
	if err := ResolvePending(m, amb, ""); err == nil {
		t.Error("ambiguous addition without a choice should fail")
	}
	if err := ResolvePending(m, amb, amb.Candidates[1]); err != nil {
		t.Errorf("ambiguous addition with a choice should succeed: %v", err)
	}

	if err := ResolvePending(m, PendingAddition{ModelFile: "unknown.ckpt"}, ""); err == nil {
		t.Error("addition with no hash should fail")
	}
}
