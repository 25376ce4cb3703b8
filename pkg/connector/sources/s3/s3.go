// Package s3 harvests object listings and JSON object bodies from an S3
// bucket prefix. Objects already seen in earlier ticks are skipped by
// modification time.
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/plugin"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
)

const (
	pluginType  = "s3"
	maxObjectKB = 4096
	maxPerFetch = 500
)

func init() {
	registry.Register(plugin.Descriptor{
		Metadata: plugin.Metadata{
			ID:          pluginType,
			Name:        "Amazon S3",
			Description: "Reads new objects under an S3 bucket prefix",
			Icon:        "cloud",
		},
		CredentialFields: []plugin.CredentialField{
			{Name: "region", Label: "Region", Type: plugin.FieldTypeText, Required: true,
				Placeholder: "us-east-1"},
			{Name: "bucket", Label: "Bucket", Type: plugin.FieldTypeText, Required: true},
			{Name: "prefix", Label: "Prefix", Type: plugin.FieldTypeText,
				Placeholder: "exports/"},
			{Name: "access_key_id", Label: "Access Key ID", Type: plugin.FieldTypeText,
				Help: "Empty uses the default AWS credential chain"},
			{Name: "secret_access_key", Label: "Secret Access Key", Type: plugin.FieldTypePassword},
			{Name: "endpoint", Label: "Custom Endpoint", Type: plugin.FieldTypeText,
				Help: "For S3-compatible stores such as MinIO"},
			{Name: "parse_json", Label: "Parse Object Bodies As JSON", Type: plugin.FieldTypeCheckbox,
				Default: "true"},
		},
		New: New,
	})
}

// Source lists one bucket prefix per sync tick
type Source struct {
	sourceID string
	creds    plugin.Credentials
	client   *awss3.Client
	since    time.Time
	logger   *zap.Logger
}

// New creates an S3 source
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
	return plugin.Metadata{ID: pluginType, Name: "Amazon S3",
		Description: "Reads new objects under an S3 bucket prefix", Icon: "cloud"}
}

func (s *Source) buildClient(ctx context.Context) (*awss3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.creds.Get("region", "us-east-1")),
	}
	if key := s.creds.Get("access_key_id", ""); key != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, s.creds.Get("secret_access_key", ""), "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid AWS configuration")
	}

	return awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if ep := s.creds.Get("endpoint", ""); ep != "" {
			o.BaseEndpoint = aws.String(ep)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *Source) Connect(ctx context.Context) error {
	client, err := s.buildClient(ctx)
	if err != nil {
		return err
	}
	_, err = client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(s.creds.Get("bucket", "")),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "cannot access bucket")
	}
	s.client = client
	return nil
}

func (s *Source) Disconnect(_ context.Context) error {
	s.client = nil
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

	bucket := s.creds.Get("bucket", "")
	out, err := client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(s.creds.Get("prefix", "")),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Sprintf("cannot list bucket %s: %v", bucket, err)
	}
	return true, fmt.Sprintf("bucket %s reachable, %d object(s) at prefix", bucket, aws.ToInt32(out.KeyCount))
}

// Fetch streams objects modified since the previous tick
func (s *Source) Fetch(ctx context.Context) (*plugin.Stream, error) {
	if s.client == nil {
		return nil, errors.New(errors.ErrorTypeConnection, "not connected")
	}

	records := make(chan plugin.DataRecord, 64)
	errs := make(chan error, 1)

	bucket := s.creds.Get("bucket", "")
	prefix := s.creds.Get("prefix", "")
	parseJSON := s.creds.Get("parse_json", "true") == "true"
	since := s.since

	go func() {
		defer close(records)
		defer close(errs)

		newest := since
		count := 0

		paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		})

		for paginator.HasMorePages() && count < maxPerFetch {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				errs <- errors.Wrap(err, errors.ErrorTypeConnection, "list objects failed")
				return
			}

			for _, obj := range page.Contents {
				if count >= maxPerFetch || ctx.Err() != nil {
					break
				}
				mod := aws.ToTime(obj.LastModified)
				if !mod.After(since) {
					continue
				}
				if mod.After(newest) {
					newest = mod
				}

				data := map[string]interface{}{
					"key":           aws.ToString(obj.Key),
					"size":          aws.ToInt64(obj.Size),
					"last_modified": mod.UTC().Format(time.RFC3339),
					"etag":          strings.Trim(aws.ToString(obj.ETag), `"`),
				}

				if parseJSON && aws.ToInt64(obj.Size) <= maxObjectKB*1024 {
					if body := s.readJSONBody(ctx, bucket, aws.ToString(obj.Key)); body != nil {
						data["content"] = body
					}
				}

				select {
				case records <- plugin.DataRecord{
					SourceID:   s.sourceID,
					SourceType: pluginType,
					Timestamp:  mod.UTC(),
					Data:       data,
					Metadata:   map[string]interface{}{"bucket": bucket},
				}:
					count++
				case <-ctx.Done():
					return
				}
			}
		}

		s.since = newest
	}()

	return plugin.NewStream(records, errs), nil
}

// readJSONBody downloads and decodes one object body, best effort
func (s *Source) readJSONBody(ctx context.Context, bucket, key string) map[string]interface{} {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Warn("cannot read object body", zap.String("key", key), zap.Error(err))
		return nil
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(out.Body, maxObjectKB*1024))
	if err != nil {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}
