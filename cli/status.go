package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"comfyenv/internal/colors"
	"comfyenv/internal/diff"
	"comfyenv/internal/history"
	"comfyenv/internal/scan"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the environment status",
	Long: `Compares the manifest against the installed state and the last
commit. Lists the operations a sync would perform, untracked node packs,
and workflow dependencies awaiting confirmation.`,
	RunE: runStatus,
}

var statusValidate bool

func init() {
	statusCmd.Flags().BoolVar(&statusValidate, "validate", false, "Check pinned versions against source repositories")
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}

	m, err := e.LoadManifest()
	if err != nil {
		return err
	}

	hist, err := e.OpenHistory()
	if err != nil {
		return err
	}
	defer hist.Close()

	fmt.Printf("Environment %s at %s\n", colors.Bold(e.Name), e.Root)

	state, err := hist.Status(m)
	if err != nil {
		return err
	}
	head, err := hist.Head()
	if err != nil {
		return err
	}
	switch {
	case head == nil:
		fmt.Println(colors.Dim("No commits yet."))
	case state == history.Clean:
		fmt.Printf("Manifest %s with commit %s (%s)\n",
			colors.SuccessText("clean"), colors.Hash(head.Hash[:12]), head.Message)
	default:
		fmt.Printf("Manifest %s since commit %s (%s)\n",
			colors.Pending("modified"), colors.Hash(head.Hash[:12]), head.Message)
	}

	index, err := e.OpenIndex(logger)
	if err != nil {
		return err
	}
	defer index.Close()

	snap, err := scan.New(e.Root, logger).Scan(cmd.Context())
	if err != nil {
		return err
	}
	for _, w := range snap.Warnings {
		logger.Warn("scan warning", "path", w.Path, "err", w.Err)
	}

	var validator diff.RegistryValidator
	if statusValidate {
		validator = gitValidator{}
	}
	plan, err := diff.New(index, validator, logger).Compute(cmd.Context(), m, snap)
	if err != nil {
		return err
	}

	printPlan(plan)

	stats, err := index.Status()
	if err != nil {
		return err
	}
	fmt.Printf("\nModel index: %d models across %d files in %d directories (%.1f GiB)\n",
		stats.Records, stats.Paths, stats.Directories, float64(stats.TotalBytes)/(1<<30))
	return nil
}

func printPlan(plan *diff.Plan) {
	if plan.Empty() {
		fmt.Println("\nInstallation matches the manifest.")
	} else {
		fmt.Printf("\nSync would perform %d operation(s):\n", len(plan.Ops))
		for i := range plan.Ops {
			op := &plan.Ops[i]
			fmt.Println(colors.OpLine(string(op.Kind), op.Describe()))
			for _, w := range op.Warnings {
				fmt.Printf("       %s\n", colors.Dim(w))
			}
		}
	}

	if len(plan.Untracked) > 0 {
		fmt.Println("\nInstalled but not in the manifest (sync --adopt to track):")
		for _, id := range plan.Untracked {
			fmt.Printf("  %s  %s\n", colors.Pending("?"), id)
		}
	}

	if len(plan.Unresolved) > 0 {
		fmt.Println("\nOptional models not planned:")
		for _, u := range plan.Unresolved {
			fmt.Printf("  %s  %s (%s)\n", colors.Dim("-"), u.Ref.Hash[:12], u.Reason)
		}
	}

	if len(plan.Pending) > 0 {
		fmt.Println("\nWorkflow dependencies awaiting confirmation:")
		for _, p := range plan.Pending {
			switch {
			case p.NodePack != "":
				fmt.Printf("  %s  node pack %s (from workflow %s)\n",
					colors.Pending("?"), p.NodePack, p.Workflow)
			case p.Ambiguous():
				fmt.Printf("  %s  model %s is ambiguous: %s (from workflow %s)\n",
					colors.Pending("?"), p.ModelFile, strings.Join(shorten(p.Candidates), ", "), p.Workflow)
			case p.Hash != "":
				fmt.Printf("  %s  model %s = %s (from workflow %s)\n",
					colors.Pending("?"), p.ModelFile, colors.Hash(p.Hash[:12]), p.Workflow)
			default:
				fmt.Printf("  %s  model %s not in the index (from workflow %s)\n",
					colors.Pending("?"), p.ModelFile, p.Workflow)
			}
		}
	}

	for _, w := range plan.Warnings {
		logger.Warn(w)
	}
}

func shorten(hashes []string) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		if len(h) > 12 {
			h = h[:12]
		}
		out[i] = h
	}
	return out
}
