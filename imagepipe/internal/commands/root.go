// Package commands implements the imagepipe command-line interface.
package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/client"
	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/output"
)

// Version is stamped at build time.
var Version = "0.1.0"

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	cfgFile   string
	serverURL string
	output    string
	timeout   time.Duration
}

// NewRootCommand builds the full command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "imagepipe",
		Short: "Event-driven image lifecycle pipeline",
		Long: `imagepipe routes object-store notifications to subscriber groups,
keeps image metadata in sync, and alerts on failures that exhaust retries.

Run "imagepipe serve" to start the pipeline and its HTTP API. The other
commands talk to a running service.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.cfgFile, "config", "", "config file (default: ./config.yaml or /etc/imagepipe/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&g.serverURL, "server", "http://localhost:8090", "imagepipe API base URL")
	rootCmd.PersistentFlags().StringVarP(&g.output, "output", "o", output.FormatTable, "output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "API request timeout")

	rootCmd.AddCommand(
		newServeCmd(g),
		newPublishCmd(g),
		newSeedCmd(g),
		newImageCmd(g),
		newDLQCmd(g),
		newMigrateCmd(g),
		newConfigCmd(g),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		output.NewPrinter(rootCmd.OutOrStdout(), rootCmd.ErrOrStderr(), "").Error("%v", err)
		return err
	}
	return nil
}

func (g *globals) loadConfig() (*config.Config, error) {
	return config.Load(g.cfgFile)
}

func (g *globals) printer(cmd *cobra.Command) (*output.Printer, error) {
	if err := output.ValidateFormat(g.output); err != nil {
		return nil, err
	}
	return output.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), g.output), nil
}

func (g *globals) client() *client.Client {
	return client.New(g.serverURL, g.timeout)
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
}
