// Package cli implements the comfyenv command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"comfyenv/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "comfyenv",
	Short: "Reproducible environment management for ComfyUI",
	Long: `comfyenv tracks a ComfyUI installation (custom nodes, models,
workflows, python constraints) in a declarative manifest, syncs the
installation to match it, and versions the manifest like a repository.`,
	SilenceUsage: true,
}

var (
	logger  = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})
	verbose bool
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a comfyenv environment",
	Long: `Initializes a comfyenv environment at the given ComfyUI
installation root (default: current directory). Creates the .comfyenv
workspace directory and an empty manifest, then indexes the models
directories.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

var initName string

var deleteCmd = &cobra.Command{
	Use:   "delete [path]",
	Short: "Delete a comfyenv environment",
	Long: `Removes the .comfyenv workspace directory (model index and commit
history) at the given installation root (default: current directory).
The installation itself and the manifest file are left untouched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDelete,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cobra.OnInitialize(func() {
		if verbose {
			logger.SetLevel(log.DebugLevel)
		}
	})

	initCmd.Flags().StringVar(&initName, "name", "", "Environment name (default: directory name)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(rollbackCmd)

	rootCmd.AddCommand(modelCmd)
	modelCmd.AddCommand(modelSyncCmd, modelFindCmd, modelStatusCmd, modelTrackCmd, modelUntrackCmd)

	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowTrackCmd, workflowUntrackCmd)
}

// openEnv opens the environment containing the current directory.
func openEnv() (*env.Environment, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return env.Open(cwd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	e, err := env.Create(root, initName)
	if err != nil {
		return err
	}
	logger.Info("environment initialized", "name", e.Name, "root", e.Root)

	index, err := e.OpenIndex(logger)
	if err != nil {
		return err
	}
	defer index.Close()

	for _, dir := range e.ModelDirs() {
		report, err := index.AddDirectory(cmd.Context(), dir)
		if err != nil {
			return fmt.Errorf("index %s: %w", dir, err)
		}
		logger.Info("indexed", "dir", dir, "files", report.Scanned, "hashed", report.Hashed)
		for _, f := range report.Failures {
			logger.Warn("skipped during indexing", "path", f.Path, "err", f.Err)
		}
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	if err := env.Delete(root); err != nil {
		return err
	}
	logger.Info("environment deleted", "root", root)
	return nil
}
