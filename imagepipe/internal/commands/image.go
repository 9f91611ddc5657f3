package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/imagepipe/imagepipe/imagepipe/internal/client"
)

func newImageCmd(g *globals) *cobra.Command {
	imageCmd := &cobra.Command{
		Use:   "image",
		Short: "Inspect image metadata",
	}

	imageCmd.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Show the metadata record of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}

			rec, err := g.client().GetImage(cmd.Context(), args[0])
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("image %q not found", args[0])
			}
			if err != nil {
				return err
			}

			if p.Structured() {
				return p.Value(rec)
			}
			p.Info("ID:       %s", rec.ID)
			p.Info("Status:   %s", rec.Status)
			p.Info("Created:  %s", rec.CreatedAt.Format(time.RFC3339))
			p.Info("Updated:  %s", rec.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	})
	return imageCmd
}
