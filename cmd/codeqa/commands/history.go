package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewHistoryCmd constructs the `codeqa history` command, which lists the most
// recent recorded exchanges for a repository.
func NewHistoryCmd() *cobra.Command {
	var dir string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent questions and answers for a repository",
		Long: `Print the most recent exchanges recorded for --dir, newest first.

Exchanges are recorded only when CODEQA_HISTORY_DB names a SQLite file.

Examples:
  CODEQA_HISTORY_DB=~/.codeqa/history.db codeqa history --dir ./myproject
  codeqa history --dir . --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, log, stop := commandContext(cmd.Context())
			defer stop()

			if limit <= 0 {
				return fmt.Errorf("history: --limit must be positive")
			}
			repo, err := repoPath(dir)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}

			hs, closeHistory := openHistory(log)
			defer closeHistory()
			if hs == nil {
				return fmt.Errorf("history: no history store, set CODEQA_HISTORY_DB")
			}

			exchanges, err := hs.Recent(ctx, repo, limit)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(exchanges) == 0 {
				fmt.Fprintf(out, "No questions recorded for %s.\n", repo)
				return nil
			}
			for _, ex := range exchanges {
				fmt.Fprintf(out, "[%s] Q: %s\n", ex.CreatedAt.Local().Format("2006-01-02 15:04"), ex.Question)
				fmt.Fprintf(out, "A: %s\n", strings.TrimSpace(ex.Answer))
				if len(ex.Sources) > 0 {
					fmt.Fprintf(out, "Sources: %s\n", strings.Join(ex.Sources, ", "))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Repository whose history to list")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of exchanges to show")

	return cmd
}
