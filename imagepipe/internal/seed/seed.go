// Package seed generates realistic upstream bucket notifications for
// exercising a running pipeline.
package seed

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

// Event names the generator emits.
const (
	EventPut    = "ObjectCreated:Put"
	EventDelete = "ObjectRemoved:Delete"
)

var (
	folders    = []string{"albums", "avatars", "uploads", "products", "screenshots"}
	extensions = []string{"jpg", "jpeg", "png", "gif", "webp"}
)

// Options controls what a Generator produces.
type Options struct {
	Bucket string

	// Count is the number of images to create.
	Count int

	// Removals deletes that many of the created images afterwards.
	Removals int

	// Malformed adds creations whose keys cannot be decoded, which the
	// processor rejects and the dead-letter path reports.
	Malformed int

	// Seed makes output reproducible. Zero picks a time-based seed.
	Seed int64
}

// Generator builds notifications with gofakeit data.
type Generator struct {
	faker *gofakeit.Faker
	opts  Options
	now   func() time.Time
}

// NewGenerator returns a Generator for opts.
func NewGenerator(opts Options) *Generator {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if opts.Bucket == "" {
		opts.Bucket = "images"
	}
	return &Generator{faker: gofakeit.New(seed), opts: opts, now: time.Now}
}

// ImageName returns a fresh decoded image id such as
// "albums/brave otter 42.jpg".
func (g *Generator) ImageName() string {
	return fmt.Sprintf("%s/%s %s %d.%s",
		g.faker.RandomString(folders),
		g.faker.Adjective(),
		g.faker.Noun(),
		g.faker.Number(1, 9999),
		g.faker.RandomString(extensions),
	)
}

// EncodeKey encodes an image id the way bucket notifications carry it:
// spaces become '+', other reserved characters are percent escaped and
// path separators are kept.
func EncodeKey(id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = url.QueryEscape(p)
	}
	return strings.Join(parts, "/")
}

// Notifications returns creations, then malformed creations, then removals
// of the first Removals created images. Each notification holds one record.
func (g *Generator) Notifications() []model.Notification {
	out := make([]model.Notification, 0, g.opts.Count+g.opts.Malformed+g.opts.Removals)
	created := make([]string, 0, g.opts.Count)
	base := g.now().UTC()

	for i := 0; i < g.opts.Count; i++ {
		key := EncodeKey(g.ImageName())
		created = append(created, key)
		out = append(out, g.record(EventPut, key, base.Add(time.Duration(len(out))*time.Millisecond), i))
	}
	for i := 0; i < g.opts.Malformed; i++ {
		key := fmt.Sprintf("broken/%s%%zz%d.jpg", g.faker.Noun(), i)
		out = append(out, g.record(EventPut, key, base.Add(time.Duration(len(out))*time.Millisecond), g.opts.Count+i))
	}
	for i := 0; i < g.opts.Removals && i < len(created); i++ {
		out = append(out, g.record(EventDelete, created[i], base.Add(time.Duration(len(out))*time.Millisecond), len(out)))
	}
	return out
}

func (g *Generator) record(event, key string, at time.Time, seq int) model.Notification {
	n := model.NewNotification(event, g.opts.Bucket, key)
	r := &n.Records[0]
	r.EventVersion = "2.1"
	r.AWSRegion = "eu-west-1"
	r.EventTime = at.Format(time.RFC3339Nano)
	r.S3.Object.Sequencer = fmt.Sprintf("%016X", seq+1)
	if event == EventPut {
		r.S3.Object.Size = int64(g.faker.Number(1<<10, 8<<20))
		r.S3.Object.ETag = strings.ReplaceAll(g.faker.UUID(), "-", "")
	}
	return n
}
