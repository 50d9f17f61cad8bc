package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/54b3r/codeqa-go/internal/provider"
	"github.com/54b3r/codeqa-go/internal/server"
	"github.com/54b3r/codeqa-go/internal/tracing"
)

// NewServeCmd constructs the `codeqa serve` command, which starts the HTTP
// server answering questions about an indexed repository.
func NewServeCmd() *cobra.Command {
	var dir string
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the codeqa HTTP server",
		Long: `Start the codeqa HTTP server on localhost.

The server answers questions about an already indexed repository:

  POST /api/ask       {"question": "..."} streamed as Server-Sent Events
  GET  /api/history   recent exchanges (when CODEQA_HISTORY_DB is set)
  GET  /api/health    liveness
  GET  /api/ready     vector store and model reachability
  GET  /metrics       Prometheus metrics

Set CODEQA_API_KEY to require "Authorization: Bearer <key>" on /api/ask and
/api/history.

Examples:
  codeqa serve --dir ./myproject
  codeqa serve --dir . --port 9090
  MODEL_PROVIDER=azure codeqa serve --dir .`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, log, stop := commandContext(cmd.Context())
			defer stop()

			repo, err := repoPath(dir)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			providerCfg := provider.ConfigFromEnv()
			log.Info("serve starting",
				slog.String("provider", string(providerCfg.Backend)),
				slog.String("repo", repo),
			)

			flush := tracing.SetupGlobal(log)
			defer flush()

			db, err := openVectorDB(ctx, cmd.ErrOrStderr(), log, false)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer db.close()

			emb, err := newEmbedder(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			history, closeHistory := openHistory(log)
			defer closeHistory()

			builder := &answerBuilder{
				emb:      emb,
				store:    db.store,
				provider: providerCfg,
				history:  history,
				log:      log,
			}
			svc, err := builder.build(ctx, repo)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			pingers := []server.Pinger{
				server.NewLLMPinger(provider.NewHealthChecker(providerCfg), string(providerCfg.Backend)),
				db.pinger,
			}

			srv, err := server.New(svc, &server.Config{
				Host:      host,
				Port:      port,
				Logger:    log,
				Pingers:   pingers,
				APIKey:    os.Getenv("CODEQA_API_KEY"),
				History:   history,
				Repo:      repo,
				Documents: db.store.WithRepo(repo).Count,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Repository the served index belongs to")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
