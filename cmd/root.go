package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"unigate/internal/config"
	"unigate/internal/logging"
)

// Version is stamped at build time with -ldflags "-X unigate/cmd.Version=...".
var Version = "dev"

// Options holds global CLI options.
type Options struct {
	ConfigPath string
	EnvFile    string
}

// NewRootCmd constructs the base CLI command tree.
func NewRootCmd() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:           "unigate",
		Short:         "Unified completion gateway for Ollama, Gemini and OpenAI-compatible backends",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config.toml", "Path to TOML or YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "Dotenv file loaded before the configuration")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// loadConfig reads the dotenv file, loads the configuration and installs the
// process logger. The returned closer releases the log file.
func loadConfig(opts *Options) (config.Config, io.Closer, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}

	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("configure logging: %w", err)
	}
	return cfg, closer, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show unigate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
