package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/codeqa-go/internal/ingestion"
	"github.com/54b3r/codeqa-go/internal/loader"
)

// NewIndexCmd constructs the `codeqa index` command, which loads a directory
// and stores its embeddings without starting the question loop.
func NewIndexCmd() *cobra.Command {
	var dir string
	var watch bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index a code directory into the vector store",
		Long: `Load every eligible source file under --dir, embed it, and upsert it into
the vector store. The repository's previous index is replaced, so the command
can be re-run after edits and deleted files drop out. Each directory is kept
in its own partition of the store.

With --watch the command keeps running and re-indexes files as they are
written, removing them from the index when deleted or renamed.

Examples:
  codeqa index --dir ./myproject
  codeqa index --dir ./myproject --watch
  VECTOR_STORE=sqlite codeqa index --dir .`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, log, stop := commandContext(cmd.Context())
			defer stop()

			out := cmd.OutOrStdout()

			root, err := repoPath(dir)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}

			db, err := openVectorDB(ctx, out, log, false)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			defer db.close()

			emb, err := newEmbedder(log)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}

			pipeline, err := ingestion.NewPipeline(emb, db.store, &ingestion.Config{Logger: log})
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}

			l := newLoader(cmd.ErrOrStderr(), log)
			docs, err := l.Load(ctx, root)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			fmt.Fprintf(out, "Found %d code files.\n", loader.CountFiles(docs))

			log.Info("starting ingestion", slog.String("dir", root), slog.Int("documents", len(docs)))
			err = pipeline.Reindex(ctx, root, docs, func(n, total int) {
				log.Info("ingestion progress", slog.Int("done", n), slog.Int("total", total))
			})
			if err != nil {
				return fmt.Errorf("index: pipeline failed: %w", err)
			}
			if len(docs) > 0 {
				fmt.Fprintf(out, "Indexed %d documents from %s.\n", len(docs), root)
			}

			if !watch {
				return nil
			}

			fmt.Fprintf(out, "Watching %s for changes (Ctrl+C to stop)...\n", root)
			w := ingestion.NewWatcher(pipeline.ForRepo(root), l, root, loader.RelPath, log)
			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("index: watch: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Code directory to index (required)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep running and re-index files as they change")
	_ = cmd.MarkFlagRequired("dir")

	return cmd
}
