package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func buildInstall(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "requirements.txt"),
		"torch==2.3.1+cu121\nnumpy>=1.26\n# comment\n")

	nodes := filepath.Join(root, CustomNodesDir)
	writeFile(t, filepath.Join(nodes, "ComfyUI-Impact-Pack", "pyproject.toml"),
		"[project]\nname = \"comfyui-impact-pack\"\nversion = \"8.0.1\"\n")
	writeFile(t, filepath.Join(nodes, "was-node-suite", ".git", "HEAD"),
		"ref: refs/heads/main\n")
	writeFile(t, filepath.Join(nodes, "was-node-suite", ".git", "refs", "heads", "main"),
		"a1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6a7b8c9d0\n")
	writeFile(t, filepath.Join(nodes, "__pycache__", "junk.pyc"), "x")
	writeFile(t, filepath.Join(nodes, "examples", "demo.py"), "x")
	writeFile(t, filepath.Join(nodes, "old-pack.disabled", "node.py"), "x")
	writeFile(t, filepath.Join(nodes, ".hidden", "node.py"), "x")

	writeFile(t, filepath.Join(root, "user", "default", "workflows", "portrait.json"), "{}")
	writeFile(t, filepath.Join(root, "workflows", "landscape.json"), "{}")
	writeFile(t, filepath.Join(root, "workflows", "readme.md"), "not a workflow")

	return root
}

func TestScan(t *testing.T) {
	root := buildInstall(t)
	snap, err := New(root, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if len(snap.Nodes) != 2 {
		t.Fatalf("found %d nodes, want 2: %+v", len(snap.Nodes), snap.Nodes)
	}
	impact, ok := snap.FindNode("comfyui-impact-pack")
	if !ok || impact.Version != "8.0.1" {
		t.Errorf("impact pack = %+v, ok=%v", impact, ok)
	}
	was, ok := snap.FindNode("was-node-suite")
	if !ok || was.Commit != "a1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6a7b8c9d0" {
		t.Errorf("was-node-suite = %+v, ok=%v", was, ok)
	}

	if len(snap.Packages) != 2 {
		t.Errorf("found %d packages, want 2", len(snap.Packages))
	}
	if snap.Platform.AcceleratorTag != "cu121" {
		t.Errorf("AcceleratorTag = %q, want cu121", snap.Platform.AcceleratorTag)
	}

	if len(snap.Workflows) != 2 {
		t.Errorf("found %d workflows, want 2: %+v", len(snap.Workflows), snap.Workflows)
	}
	if _, ok := snap.FindWorkflow("portrait"); !ok {
		t.Error("portrait workflow should be detected")
	}
}

func TestScanMissingRootFatal(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope"), nil).Scan(context.Background()); err == nil {
		t.Error("Scan should fail on a missing root")
	}
}

func TestScanBareRoot(t *testing.T) {
	// A root with no custom_nodes, requirements or workflows scans clean.
	snap, err := New(t.TempDir(), nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(snap.Nodes) != 0 || len(snap.Packages) != 0 || len(snap.Workflows) != 0 {
		t.Errorf("bare root snapshot = %+v", snap)
	}
	if len(snap.Warnings) != 0 {
		t.Errorf("bare root should produce no warnings: %+v", snap.Warnings)
	}
}

func TestScanCancellation(t *testing.T) {
	root := buildInstall(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(root, nil).Scan(ctx); err == nil {
		t.Error("Scan with a cancelled context should fail")
	}
}

func TestDetectRecreateDetect(t *testing.T) {
	// Scanning an installation, rebuilding one from the detected
	// packages on a different accelerator, and scanning again yields
	// equivalent constraints modulo build suffixes.
	first, err := New(buildInstall(t), nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	rebuilt := t.TempDir()
	var reqs string
	for _, c := range first.Packages {
		version := c.Version
		if base, tag := SplitBuildTag(version); tag != "" {
			version = base + "+rocm6.0"
		}
		reqs += c.Package + c.Op + version + "\n"
	}
	writeFile(t, filepath.Join(rebuilt, "requirements.txt"), reqs)

	second, err := New(rebuilt, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if len(second.Packages) != len(first.Packages) {
		t.Fatalf("rebuilt install has %d packages, want %d", len(second.Packages), len(first.Packages))
	}
	for i, want := range first.Packages {
		got := second.Packages[i]
		if got.Package != want.Package || got.Op != want.Op {
			t.Errorf("package %d = %+v, want %+v", i, got, want)
		}
		if !VersionsEquivalent(want.Package, got.Version, want.Version) {
			t.Errorf("%s versions %q and %q should be equivalent", want.Package, got.Version, want.Version)
		}
	}
	if VersionsEquivalent("numpy", "1.26", "1.25") {
		t.Error("non-accelerator versions must match exactly")
	}
}

func TestNormalizeVersion(t *testing.T) {
	cases := []struct {
		pkg, version, want string
	}{
		{"torch", "2.3.1+cu121", "2.3.1"},
		{"torch", "2.3.1", "2.3.1"},
		{"xformers", "0.0.27+rocm6.0", "0.0.27"},
		{"numpy", "1.26+weird", "1.26+weird"},
	}
	for _, tc := range cases {
		if got := NormalizeVersion(tc.pkg, tc.version); got != tc.want {
			t.Errorf("NormalizeVersion(%s, %s) = %s, want %s", tc.pkg, tc.version, got, tc.want)
		}
	}

	if !VersionsEquivalent("torch", "2.3.1+cu121", "2.3.1+cpu") {
		t.Error("accelerator builds of the same version should be equivalent")
	}
	if VersionsEquivalent("torch", "2.3.1+cu121", "2.4.0") {
		t.Error("different base versions should not be equivalent")
	}
}
