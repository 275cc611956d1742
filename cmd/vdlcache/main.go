package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath  string
	envFile     string
	metricsAddr string
	logLevel    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "vdlcache",
		Short:         "Content-addressed caches for LLM completions, embeddings and blobs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.envFile == "" {
				return nil
			}
			if err := godotenv.Load(flags.envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to config file")
	pf.StringVar(&flags.envFile, "env-file", "", "dotenv file loaded before the config")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	pf.StringVar(&flags.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newConfigCmd(flags),
		newBlobCmd(flags),
		newPromptCmd(flags),
		newCompleteCmd(flags),
		newEmbedCmd(flags),
		newUsageCmd(flags),
	)
	return root
}
