package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"comfyenv/internal/colors"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage the content-addressed model index",
}

var modelSyncCmd = &cobra.Command{
	Use:   "sync [dir]",
	Short: "Rescan tracked model directories",
	Long: `Rescans tracked directories and updates the index. Files whose
size and modification time are unchanged are not rehashed. With a
directory argument, only that directory is rescanned.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runModelSync,
}

var modelFindCmd = &cobra.Command{
	Use:   "find <query>",
	Short: "Look up models by hash prefix or filename",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelFind,
}

var modelStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index statistics and tracked directories",
	RunE:  runModelStatus,
}

var modelTrackCmd = &cobra.Command{
	Use:   "track <dir>",
	Short: "Track a directory of model files",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelTrack,
}

var modelUntrackCmd = &cobra.Command{
	Use:   "untrack <dir>",
	Short: "Stop tracking a directory",
	Long: `Removes a directory from the index. Models also present in other
tracked directories remain indexed.`,
	Args: cobra.ExactArgs(1),
	RunE: runModelUntrack,
}

func runModelSync(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	index, err := e.OpenIndex(logger)
	if err != nil {
		return err
	}
	defer index.Close()

	var targets []string
	if len(args) == 1 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		targets = []string{abs}
	} else {
		dirs, err := index.Directories()
		if err != nil {
			return err
		}
		for _, d := range dirs {
			targets = append(targets, d.Path)
		}
	}

	for _, dir := range targets {
		report, err := index.Sync(cmd.Context(), dir)
		if err != nil {
			return fmt.Errorf("sync %s: %w", dir, err)
		}
		fmt.Printf("%s: %d files, %d rehashed, %d pruned\n",
			dir, report.Scanned, report.Hashed, report.Removed)
		for _, f := range report.Failures {
			logger.Warn("unreadable model file", "path", f.Path, "err", f.Err)
		}
	}
	return nil
}

func runModelFind(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	index, err := e.OpenIndex(logger)
	if err != nil {
		return err
	}
	defer index.Close()

	matches, err := index.Find(args[0])
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, m := range matches {
		rec := m.Record
		fmt.Printf("%s  %s  %s\n",
			colors.Hash(rec.Hash[:12]),
			humanSize(rec.Size),
			strings.Join(rec.Filenames(), ", "))
		for _, p := range rec.Paths {
			fmt.Printf("    %s\n", colors.Dim(p))
		}
	}
	return nil
}

func runModelStatus(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	index, err := e.OpenIndex(logger)
	if err != nil {
		return err
	}
	defer index.Close()

	stats, err := index.Status()
	if err != nil {
		return err
	}
	fmt.Printf("%d models, %d files, %s\n",
		stats.Records, stats.Paths, humanSize(stats.TotalBytes))

	dirs, err := index.Directories()
	if err != nil {
		return err
	}
	for _, d := range dirs {
		scanned := "never scanned"
		if !d.LastScan.IsZero() {
			scanned = "scanned " + d.LastScan.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("  %s (%s)\n", d.Path, colors.Dim(scanned))
	}
	return nil
}

func runModelTrack(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	index, err := e.OpenIndex(logger)
	if err != nil {
		return err
	}
	defer index.Close()

	abs, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	report, err := index.AddDirectory(cmd.Context(), abs)
	if err != nil {
		return err
	}
	fmt.Printf("Tracking %s: %d files indexed\n", abs, report.Scanned)
	for _, f := range report.Failures {
		logger.Warn("unreadable model file", "path", f.Path, "err", f.Err)
	}
	return nil
}

func runModelUntrack(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	index, err := e.OpenIndex(logger)
	if err != nil {
		return err
	}
	defer index.Close()

	abs, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if err := index.RemoveDirectory(abs); err != nil {
		return err
	}
	fmt.Printf("Stopped tracking %s\n", abs)
	return nil
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
