// Package commands defines all Cobra CLI commands for the codeqa binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/codeqa-go/internal/audit"
	"github.com/54b3r/codeqa-go/internal/config"
	"github.com/54b3r/codeqa-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
// Without a subcommand it runs the interactive question loop.
func NewRootCmd() *cobra.Command {
	chat := NewChatCmd()

	root := &cobra.Command{
		Use:   "codeqa",
		Short: "Ask questions about a code repository",
		Long: `codeqa indexes the source files of a repository into a vector store and
answers natural language questions about the code using retrieved snippets
and a chat model.

Run without a subcommand to start the interactive loop. The model provider is
selected via the MODEL_PROVIDER environment variable or a YAML config file
(~/.codeqa/config.yaml). A .env file in the working directory is also read.
See 'codeqa --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          chat.RunE,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// .env first so its values take precedence over the YAML file;
			// neither overrides variables already set in the process.
			if _, err := config.LoadDotEnv(config.DefaultDotEnvFile, log); err != nil {
				return err
			}

			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.codeqa/config.yaml)")
	root.Flags().AddFlagSet(chat.Flags())

	root.AddCommand(
		chat,
		NewIndexCmd(),
		NewAskCmd(),
		NewServeCmd(),
		NewHistoryCmd(),
		NewVersionCmd(),
	)

	return root
}
