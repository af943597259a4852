package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"comfyenv/internal/colors"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show manifest history",
	Long: `Displays the commit chain from head to root, newest first.

Examples:
  comfyenv log               # Full history
  comfyenv log --oneline     # One line per commit
  comfyenv log --limit 10    # Last 10 commits`,
	RunE: runLog,
}

var (
	logOneline bool
	logLimit   int
)

func init() {
	logCmd.Flags().BoolVar(&logOneline, "oneline", false, "Show one line per commit")
	logCmd.Flags().IntVar(&logLimit, "limit", 0, "Limit number of commits to show")
}

func runLog(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	hist, err := e.OpenHistory()
	if err != nil {
		return err
	}
	defer hist.Close()

	it, err := hist.Log()
	if err != nil {
		return err
	}

	shown := 0
	for {
		if logLimit > 0 && shown >= logLimit {
			break
		}
		c, err := it.Next()
		if err != nil {
			return err
		}
		if c == nil {
			break
		}
		shown++

		if logOneline {
			fmt.Printf("%s %s\n", colors.Hash(c.Hash[:12]), c.Message)
			continue
		}
		fmt.Printf("%s %s\n", colors.Bold("commit"), colors.Hash(c.Hash))
		fmt.Printf("Id:   %d\n", c.ID)
		fmt.Printf("Date: %s\n", c.Time.Local().Format("Mon Jan 2 15:04:05 2006"))
		fmt.Printf("\n    %s\n\n", c.Message)
	}

	if shown == 0 {
		fmt.Println("No commits yet.")
	}
	return nil
}
