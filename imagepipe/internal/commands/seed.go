package commands

import (
	"github.com/spf13/cobra"

	"github.com/imagepipe/imagepipe/imagepipe/internal/seed"
)

func newSeedCmd(g *globals) *cobra.Command {
	var opts seed.Options

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Publish generated notifications for development",
		Long: `Generates realistic bucket notifications and posts them one by one to a
running service: creations first, then malformed creations, then removals
of the first created images.

Examples:
  imagepipe seed --count 100
  imagepipe seed --count 20 --removals 5 --malformed 2 --seed 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}

			api := g.client()
			result := PublishResult{}
			for _, n := range seed.NewGenerator(opts).Notifications() {
				result.Notifications++
				published, err := api.Publish(cmd.Context(), n)
				if err != nil {
					result.Failed++
					p.Error("publish %s: %v", n.Records[0].S3.Object.Key, err)
					continue
				}
				result.Published += published
			}

			if p.Structured() {
				return p.Value(result)
			}
			p.Success("Published %d records from %d notifications", result.Published, result.Notifications)
			if result.Failed > 0 {
				p.Warn("%d notifications failed", result.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Bucket, "bucket", "images", "bucket name")
	cmd.Flags().IntVar(&opts.Count, "count", 10, "images to create")
	cmd.Flags().IntVar(&opts.Removals, "removals", 0, "created images to remove afterwards")
	cmd.Flags().IntVar(&opts.Malformed, "malformed", 0, "creations with undecodable keys")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed (0 = time based)")
	return cmd
}
