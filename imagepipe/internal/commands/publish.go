package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
	"github.com/imagepipe/imagepipe/imagepipe/internal/seed"
)

// PublishResult is the structured output of publish and seed.
type PublishResult struct {
	Notifications int `json:"notifications" yaml:"notifications"`
	Published     int `json:"published" yaml:"published"`
	Failed        int `json:"failed" yaml:"failed"`
}

func newPublishCmd(g *globals) *cobra.Command {
	var (
		event   string
		bucket  string
		encoded bool
	)

	cmd := &cobra.Command{
		Use:   "publish KEY...",
		Short: "Publish a bucket notification to a running service",
		Long: `Builds one notification with a record per image and posts it to the
service. Image names are encoded the way bucket notifications carry keys
unless --encoded is set.

Examples:
  imagepipe publish --event created "albums/summer trip.jpg"
  imagepipe publish --event removed --encoded albums/summer+trip.jpg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			eventName, err := eventNameFor(event)
			if err != nil {
				return err
			}

			n := model.Notification{}
			for _, arg := range args {
				key := arg
				if !encoded {
					key = seed.EncodeKey(arg)
				}
				n.Records = append(n.Records, model.NewNotification(eventName, bucket, key).Records...)
			}

			published, err := g.client().Publish(cmd.Context(), n)
			if err != nil {
				return fmt.Errorf("publish failed: %w", err)
			}

			if p.Structured() {
				return p.Value(PublishResult{Notifications: 1, Published: published})
			}
			p.Success("Published %d of %d records", published, len(n.Records))
			if skipped := len(n.Records) - published; skipped > 0 {
				p.Warn("%d records were skipped by the router", skipped)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&event, "event", "created", "lifecycle event: created or removed")
	cmd.Flags().StringVar(&bucket, "bucket", "images", "bucket name recorded on the notification")
	cmd.Flags().BoolVar(&encoded, "encoded", false, "keys are already notification-encoded")
	return cmd
}

// eventNameFor maps a CLI event name to the notification event name.
func eventNameFor(event string) (string, error) {
	et, err := model.ParseEventName(event)
	if err != nil {
		return "", fmt.Errorf("invalid --event %q: want created or removed", event)
	}
	if et == model.EventRemoved {
		return seed.EventDelete, nil
	}
	return seed.EventPut, nil
}
