package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"comfyenv/internal/colors"
	"comfyenv/internal/diff"
	"comfyenv/internal/manifest"
	"comfyenv/internal/scan"
	"comfyenv/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the installation with the manifest",
	Long: `Computes the difference between the manifest and the installed
state and applies it: installs or updates node packs, downloads missing
models, imports tracked workflows.

Sync is idempotent. Re-running after a partial failure only performs the
remaining work.`,
	RunE: runSync,
}

var (
	syncDryRun   bool
	syncAdopt    bool
	syncValidate bool
)

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Report what would change without changing it")
	syncCmd.Flags().BoolVar(&syncAdopt, "adopt", false, "Add untracked installed node packs to the manifest")
	syncCmd.Flags().BoolVar(&syncValidate, "validate", false, "Check pinned versions against source repositories")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	e, err := openEnv()
	if err != nil {
		return err
	}
	m, err := e.LoadManifest()
	if err != nil {
		return err
	}

	index, err := e.OpenIndex(logger)
	if err != nil {
		return err
	}
	defer index.Close()

	// Refresh the index first so the diff sees current model state.
	dirs, err := index.Directories()
	if err != nil {
		return err
	}
	for _, d := range dirs {
		report, err := index.Sync(ctx, d.Path)
		if err != nil {
			return fmt.Errorf("index sync %s: %w", d.Path, err)
		}
		for _, f := range report.Failures {
			logger.Warn("unreadable model file", "path", f.Path, "err", f.Err)
		}
	}

	snap, err := scan.New(e.Root, logger).Scan(ctx)
	if err != nil {
		return err
	}
	for _, w := range snap.Warnings {
		logger.Warn("scan warning", "path", w.Path, "err", w.Err)
	}

	var validator diff.RegistryValidator
	if syncValidate {
		validator = gitValidator{}
	}
	engine := diff.New(index, validator, logger)

	plan, err := engine.Compute(ctx, m, snap)
	if err != nil {
		return err
	}

	if syncAdopt && len(plan.Untracked) > 0 {
		adopted := adoptUntracked(m, snap, plan.Untracked)
		for _, id := range adopted {
			logger.Info("adopted node pack", "id", id)
		}
		if !syncDryRun {
			if err := e.SaveManifest(m); err != nil {
				return err
			}
		}
		// Adopted packs are installed already; recompute so the plan
		// stops proposing them.
		if plan, err = engine.Compute(ctx, m, snap); err != nil {
			return err
		}
	}

	if plan.Empty() {
		printPlan(plan)
		return nil
	}

	executor := sync.New(e.Root, index, newDownloader(), gitInstaller{}, logger)
	executor.DryRun = syncDryRun

	report, err := executor.Apply(ctx, plan)
	if err != nil {
		return err
	}

	for _, res := range report.Results {
		op, _ := plan.Find(res.ID)
		line := res.ID
		if op != nil {
			line = op.Describe()
		}
		fmt.Printf("  %-10s %s", colors.StatusMark(string(res.Status)), line)
		if res.Note != "" {
			fmt.Printf("  %s", colors.Dim(res.Note))
		}
		if res.Err != "" {
			fmt.Printf("  %s", colors.ErrorText(res.Err))
		}
		fmt.Println()
	}

	ok, failed, skipped := report.Counts()
	fmt.Printf("\n%d succeeded, %d failed, %d skipped\n", ok, failed, skipped)
	if len(plan.Pending) > 0 {
		printPlan(&diff.Plan{Pending: plan.Pending})
	}
	if report.Failed() {
		return fmt.Errorf("sync finished with failures")
	}
	return nil
}

// adoptUntracked records installed-but-untracked node packs in the
// manifest, pinned to what is on disk. Packs without a resolvable
// source are left untracked.
func adoptUntracked(m *manifest.Manifest, snap *scan.Snapshot, untracked []string) []string {
	var adopted []string
	for _, id := range untracked {
		node, ok := snap.FindNode(id)
		if !ok {
			continue
		}
		entry := manifest.NodeEntry{
			ID:      node.ID,
			Version: node.Version,
			Commit:  node.Commit,
		}
		if remote, err := gitRemote(node.Dir); err == nil {
			entry.Source = remote
		} else {
			logger.Warn("cannot adopt pack without a source remote", "id", id, "err", err)
			continue
		}
		m.AddNode(entry)
		adopted = append(adopted, id)
	}
	return adopted
}
