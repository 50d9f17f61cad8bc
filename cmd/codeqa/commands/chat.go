package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/54b3r/codeqa-go/internal/ingestion"
	"github.com/54b3r/codeqa-go/internal/provider"
	"github.com/54b3r/codeqa-go/internal/session"
	"github.com/54b3r/codeqa-go/internal/tracing"
)

// NewChatCmd constructs the `codeqa chat` command, which runs the interactive
// loop: pick a directory, index it, then answer questions until "exit".
func NewChatCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Index a directory and answer questions about it interactively",
		Long: `Start the vector database, index a code directory, and answer questions
about it in a console loop. Type 'exit' (any case) to quit.

The directory is prompted for unless --dir is given. With VECTOR_STORE=qdrant
(the default) a local Qdrant container is started with docker and removed on
exit; set VECTORDB_MODE=external to use a running instance, or
VECTOR_STORE=sqlite for an embedded store under ~/.codeqa.

Examples:
  codeqa
  codeqa chat --dir ./myproject
  VECTOR_STORE=sqlite MODEL_PROVIDER=openai codeqa chat`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, log, stop := commandContext(cmd.Context())
			defer stop()

			out := cmd.OutOrStdout()

			flush := tracing.SetupGlobal(log)
			defer flush()

			db, err := openVectorDB(ctx, out, log, true)
			if err != nil {
				return err
			}
			defer db.close()

			emb, err := newEmbedder(log)
			if err != nil {
				return err
			}

			pipeline, err := ingestion.NewPipeline(emb, db.store, &ingestion.Config{Logger: log})
			if err != nil {
				return err
			}

			history, closeHistory := openHistory(log)
			defer closeHistory()

			providerCfg := provider.ConfigFromEnv()
			builder := &answerBuilder{
				emb:      emb,
				store:    db.store,
				provider: providerCfg,
				history:  history,
				log:      log,
			}

			sess, err := session.New(session.Config{
				In:      cmd.InOrStdin(),
				Out:     out,
				Loader:  newLoader(out, log),
				Indexer: pipeline,
				NewAnswerer: func(ctx context.Context, repo string) (session.Answerer, error) {
					svc, err := builder.build(ctx, repo)
					if err != nil {
						return nil, err
					}
					return svc, nil
				},
				ModelName: providerCfg.ModelName(),
				Dir:       dir,
				Styler:    session.StylerFor(out),
				Logger:    log,
			})
			if err != nil {
				return err
			}
			return sess.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Code directory to index (prompted for when omitted)")

	return cmd
}
