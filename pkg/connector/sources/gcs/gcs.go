// Package gcs harvests object listings from a Google Cloud Storage bucket
// prefix, skipping objects seen in earlier ticks.
package gcs

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/plugin"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
)

const (
	pluginType  = "gcs"
	maxPerFetch = 500
)

func init() {
	registry.Register(plugin.Descriptor{
		Metadata: plugin.Metadata{
			ID:          pluginType,
			Name:        "Google Cloud Storage",
			Description: "Reads new objects under a GCS bucket prefix",
			Icon:        "cloud",
		},
		CredentialFields: []plugin.CredentialField{
			{Name: "bucket", Label: "Bucket", Type: plugin.FieldTypeText, Required: true},
			{Name: "prefix", Label: "Prefix", Type: plugin.FieldTypeText},
			{Name: "credentials_json", Label: "Service Account JSON", Type: plugin.FieldTypePassword,
				Help: "Empty uses application default credentials"},
		},
		New: New,
	})
}

// Source lists one bucket prefix per sync tick
type Source struct {
	sourceID string
	creds    plugin.Credentials
	client   *storage.Client
	since    time.Time
	logger   *zap.Logger
}

// New creates a GCS source
func New(sourceID string, creds plugin.Credentials) plugin.Source {
	return &Source{
		sourceID: sourceID,
		creds:    creds,
		logger: logger.Get().With(
			zap.String("plugin", pluginType),
			zap.String("source_id", sourceID)),
	}
}

func (s *Source) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: pluginType, Name: "Google Cloud Storage",
		Description: "Reads new objects under a GCS bucket prefix", Icon: "cloud"}
}

func (s *Source) buildClient(ctx context.Context) (*storage.Client, error) {
	var opts []option.ClientOption
	if raw := s.creds.Get("credentials_json", ""); raw != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(raw)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}
	return client, nil
}

func (s *Source) Connect(ctx context.Context) error {
	client, err := s.buildClient(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if _, err := client.Bucket(s.creds.Get("bucket", "")).Attrs(ctx); err != nil {
		client.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "cannot access bucket")
	}
	s.client = client
	return nil
}

func (s *Source) Disconnect(_ context.Context) error {
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

func (s *Source) Connected() bool {
	return s.client != nil
}

func (s *Source) TestConnection(ctx context.Context) (bool, string) {
	client, err := s.buildClient(ctx)
	if err != nil {
		return false, errors.Message(err)
	}
	defer client.Close()

	bucket := s.creds.Get("bucket", "")
	attrs, err := client.Bucket(bucket).Attrs(ctx)
	if err != nil {
		return false, fmt.Sprintf("cannot access bucket %s: %v", bucket, err)
	}
	return true, fmt.Sprintf("bucket %s reachable (location %s)", bucket, attrs.Location)
}

// Fetch streams objects updated since the previous tick
func (s *Source) Fetch(ctx context.Context) (*plugin.Stream, error) {
	if s.client == nil {
		return nil, errors.New(errors.ErrorTypeConnection, "not connected")
	}

	bucket := s.creds.Get("bucket", "")
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{
		Prefix: s.creds.Get("prefix", ""),
	})
	since := s.since

	records := make(chan plugin.DataRecord, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		newest := since
		count := 0

		for count < maxPerFetch {
			attrs, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				errs <- errors.Wrap(err, errors.ErrorTypeConnection, "list objects failed")
				return
			}

			if !attrs.Updated.After(since) {
				continue
			}
			if attrs.Updated.After(newest) {
				newest = attrs.Updated
			}

			select {
			case records <- plugin.DataRecord{
				SourceID:   s.sourceID,
				SourceType: pluginType,
				Timestamp:  attrs.Updated.UTC(),
				Data: map[string]interface{}{
					"name":         attrs.Name,
					"size":         attrs.Size,
					"content_type": attrs.ContentType,
					"updated":      attrs.Updated.UTC().Format(time.RFC3339),
					"generation":   attrs.Generation,
				},
				Metadata: map[string]interface{}{"bucket": bucket},
			}:
				count++
			case <-ctx.Done():
				return
			}
		}

		s.since = newest
	}()

	return plugin.NewStream(records, errs), nil
}
