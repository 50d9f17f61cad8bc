package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/codeqa-go/internal/provider"
	"github.com/54b3r/codeqa-go/internal/rag"
	"github.com/54b3r/codeqa-go/internal/tracing"
)

// NewAskCmd constructs the `codeqa ask` command, which answers a single
// question against an already indexed repository and streams the answer to
// stdout.
func NewAskCmd() *cobra.Command {
	var dir string
	var showSources bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question about an indexed repository",
		Long: `Retrieve the code snippets nearest to the question from the vector store
and stream the model's answer to stdout. Index the repository first with
'codeqa index' or 'codeqa chat'.

--dir names the repository the question is about; it keys the history record
when CODEQA_HISTORY_DB is set.

Examples:
  codeqa ask --dir ./myproject "where is the HTTP server started?"
  codeqa ask --sources "how are embeddings batched?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, log, stop := commandContext(cmd.Context())
			defer stop()

			out := cmd.OutOrStdout()

			repo, err := repoPath(dir)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			flush := tracing.SetupGlobal(log)
			defer flush()

			db, err := openVectorDB(ctx, cmd.ErrOrStderr(), log, false)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer db.close()

			emb, err := newEmbedder(log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			history, closeHistory := openHistory(log)
			defer closeHistory()

			builder := &answerBuilder{
				emb:      emb,
				store:    db.store,
				provider: provider.ConfigFromEnv(),
				history:  history,
				log:      log,
			}
			svc, err := builder.build(ctx, repo)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			docs, err := svc.Stream(ctx, strings.Join(args, " "), out)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			fmt.Fprintln(out)

			if showSources {
				printSources(cmd, docs)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Repository the question is about")
	cmd.Flags().BoolVarP(&showSources, "sources", "s", false, "List the retrieved files after the answer")

	return cmd
}

// printSources lists the files an answer was built from, nearest first.
func printSources(cmd *cobra.Command, docs []rag.Document) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nSources:")
	for _, d := range docs {
		path := d.Metadata[rag.MetaFilePath]
		if path == "" {
			path = d.Source
		}
		fmt.Fprintf(out, "  %s (score %.3f)\n", path, d.Score)
	}
}
