package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"comfyenv/internal/diff"
	"comfyenv/internal/manifest"
	"comfyenv/internal/scan"
)

// httpDownloader fetches model files over HTTP into a temp file.
type httpDownloader struct {
	client *http.Client
}

func newDownloader() *httpDownloader {
	return &httpDownloader{client: &http.Client{Timeout: 30 * time.Minute}}
}

func (d *httpDownloader) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp("", "comfyenv-download-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// gitInstaller installs and updates node packs by shelling out to git,
// the same tool ComfyUI Manager itself uses for git-sourced packs.
type gitInstaller struct{}

func (gitInstaller) Install(ctx context.Context, root string, entry manifest.NodeEntry) error {
	dest := filepath.Join(root, scan.CustomNodesDir, entry.ID)
	if err := run(ctx, "", "git", "clone", "--recursive", entry.Source, dest); err != nil {
		return err
	}
	return checkout(ctx, dest, entry)
}

func (gitInstaller) Update(ctx context.Context, root string, entry manifest.NodeEntry) error {
	dest := filepath.Join(root, scan.CustomNodesDir, entry.ID)
	if err := run(ctx, dest, "git", "fetch", "--tags", "origin"); err != nil {
		return err
	}
	return checkout(ctx, dest, entry)
}

// checkout pins the working tree to the entry's commit, else its
// version tag, else the remote default branch.
func checkout(ctx context.Context, dir string, entry manifest.NodeEntry) error {
	switch {
	case entry.Commit != "":
		return run(ctx, dir, "git", "checkout", "--detach", entry.Commit)
	case entry.Version != "":
		if err := run(ctx, dir, "git", "checkout", "--detach", entry.Version); err != nil {
			// ComfyUI registry packs commonly tag with a v prefix.
			return run(ctx, dir, "git", "checkout", "--detach", "v"+entry.Version)
		}
		return nil
	default:
		return run(ctx, dir, "git", "pull", "--ff-only")
	}
}

func run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// gitRemote reads the origin URL of a checked-out pack.
func gitRemote(dir string) (string, error) {
	cmd := exec.Command("git", "-C", dir, "remote", "get-url", "origin")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("remote get-url: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// gitValidator checks a pinned version against the source repository's
// tags via git ls-remote. Network failures annotate the plan instead of
// blocking it, per diff.RegistryValidator.
type gitValidator struct{}

func (gitValidator) Validate(ctx context.Context, source, version string) (diff.Validation, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", "--tags", source)
	out, err := cmd.Output()
	if err != nil {
		return diff.Validation{}, fmt.Errorf("ls-remote %s: %w", source, err)
	}

	v := diff.Validation{}
	seen := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		_, ref, ok := strings.Cut(line, "refs/tags/")
		if !ok {
			continue
		}
		tag := strings.TrimSuffix(ref, "^{}")
		if tag == version || tag == "v"+version {
			v.Confirmed = true
			return v, nil
		}
		if plain := strings.TrimPrefix(tag, "v"); !seen[plain] {
			seen[plain] = true
			v.SuggestedVersions = append(v.SuggestedVersions, plain)
		}
	}
	return v, nil
}
