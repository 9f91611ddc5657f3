package commands

import (
	"github.com/spf13/cobra"

	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/output"
)

const redacted = "******"

func newConfigCmd(g *globals) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect service configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Validate and print the effective configuration",
		Long: `Loads the configuration the way serve does (file, then IMAGEPIPE_*
environment overrides, then defaults), validates it and prints it with
secrets redacted. Table output prints YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			redact(cfg)
			if g.output == output.FormatJSON {
				return output.JSON(cmd.OutOrStdout(), cfg)
			}
			return output.YAML(cmd.OutOrStdout(), cfg)
		},
	})
	return configCmd
}

func redact(cfg *config.Config) {
	for _, s := range []*string{
		&cfg.Store.Postgres.Password,
		&cfg.Store.OpenSearch.Password,
		&cfg.Notifier.WebhookSecret,
		&cfg.Source.Minio.SecretKey,
	} {
		if *s != "" {
			*s = redacted
		}
	}
}
