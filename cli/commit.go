package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"comfyenv/internal/colors"
	"comfyenv/internal/history"
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Record the current manifest in history",
	Long: `Snapshots the manifest as a new commit. Fails when the manifest
is identical to the last commit.`,
	RunE: runCommit,
}

var commitMessage string

func init() {
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "Commit message (required)")
	commitCmd.MarkFlagRequired("message")
}

func runCommit(cmd *cobra.Command, args []string) error {
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

	c, err := hist.Commit(m, commitMessage)
	if errors.Is(err, history.ErrNothingToCommit) {
		fmt.Println("Nothing to commit; the manifest matches the last commit.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Committed %s %s\n", colors.Hash(c.Hash[:12]), c.Message)
	return nil
}
