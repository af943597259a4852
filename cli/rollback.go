package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"comfyenv/internal/colors"
	"comfyenv/internal/manifest"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback [commit]",
	Short: "Restore the manifest from a commit",
	Long: `Replaces the manifest with a commit's snapshot. The commit is
named by its id or by an unambiguous hash prefix. Without an argument
the manifest reverts to the head commit, discarding uncommitted edits.

Rollback only changes the manifest. Run 'comfyenv sync' afterwards to
reconcile the installation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	hist, err := e.OpenHistory()
	if err != nil {
		return err
	}
	defer hist.Close()

	target := ""
	if len(args) == 1 {
		target = args[0]
	}

	var m manifest.Manifest
	c, err := hist.Rollback(&m, target)
	if err != nil {
		return err
	}
	if err := e.SaveManifest(&m); err != nil {
		return err
	}

	fmt.Printf("Manifest restored from %s (%s)\n", colors.Hash(c.Hash[:12]), c.Message)
	fmt.Println(colors.Dim("Run 'comfyenv sync' to reconcile the installation."))
	return nil
}
