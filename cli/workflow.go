package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"comfyenv/internal/colors"
	"comfyenv/internal/diff"
	"comfyenv/internal/scan"
	"comfyenv/internal/workflow"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage tracked workflows",
}

var workflowTrackCmd = &cobra.Command{
	Use:   "track <path>",
	Short: "Track a workflow file in the manifest",
	Long: `Adds a workflow JSON file to the manifest so sync imports it and
status reports its node and model dependencies.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowTrack,
}

var workflowTrackName string

var workflowUntrackCmd = &cobra.Command{
	Use:   "untrack <name>",
	Short: "Stop tracking a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowUntrack,
}

var workflowApproveCmd = &cobra.Command{
	Use:   "approve <workflow> <dependency>",
	Short: "Confirm a detected workflow dependency",
	Long: `Adds a dependency detected from a tracked workflow graph to the
manifest. The dependency is a node pack name or a model filename, as
listed by status. Ambiguous model names need --hash to pick one of the
candidate content hashes.`,
	Args: cobra.ExactArgs(2),
	RunE: runWorkflowApprove,
}

var workflowApproveHash string

func init() {
	workflowTrackCmd.Flags().StringVar(&workflowTrackName, "name", "", "Workflow name (default: file name without extension)")
	workflowApproveCmd.Flags().StringVar(&workflowApproveHash, "hash", "", "Content hash to use for an ambiguous model name")
	workflowCmd.AddCommand(workflowApproveCmd)
}

func runWorkflowTrack(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	m, err := e.LoadManifest()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if _, err := workflow.ParseFile(abs); err != nil {
		return fmt.Errorf("not a workflow file: %w", err)
	}

	rel, err := filepath.Rel(e.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("workflow %s is outside the installation root %s", abs, e.Root)
	}

	name := workflowTrackName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}
	m.TrackWorkflow(name, filepath.ToSlash(rel))

	if err := e.SaveManifest(m); err != nil {
		return err
	}
	fmt.Printf("Tracking workflow %s (%s)\n", colors.Bold(name), rel)
	return nil
}

func runWorkflowUntrack(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	m, err := e.LoadManifest()
	if err != nil {
		return err
	}
	if !m.UntrackWorkflow(args[0]) {
		return fmt.Errorf("no tracked workflow named %q", args[0])
	}
	if err := e.SaveManifest(m); err != nil {
		return err
	}
	fmt.Printf("Stopped tracking workflow %s\n", args[0])
	return nil
}

func runWorkflowApprove(cmd *cobra.Command, args []string) error {
	wfName, dep := args[0], args[1]

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

	snap, err := scan.New(e.Root, logger).Scan(cmd.Context())
	if err != nil {
		return err
	}
	plan, err := diff.New(index, nil, logger).Compute(cmd.Context(), m, snap)
	if err != nil {
		return err
	}

	for _, p := range plan.Pending {
		if p.Workflow != wfName {
			continue
		}
		if p.NodePack != dep && p.ModelFile != dep {
			continue
		}
		if err := diff.ResolvePending(m, p, workflowApproveHash); err != nil {
			return err
		}
		if err := e.SaveManifest(m); err != nil {
			return err
		}
		fmt.Printf("Added %s to the manifest. Run 'comfyenv sync' to apply.\n", dep)
		return nil
	}

	fmt.Fprintf(os.Stderr, "No pending dependency %q for workflow %q.\n", dep, wfName)
	return fmt.Errorf("nothing to approve")
}
