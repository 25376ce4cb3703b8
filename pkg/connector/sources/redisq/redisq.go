// Package redisq harvests entries from a Redis list used as a work queue.
// Entries are popped, so each one is observed exactly once.
package redisq

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/plugin"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
)

const (
	pluginType  = "redisq"
	maxPerFetch = 1000
)

func init() {
	registry.Register(plugin.Descriptor{
		Metadata: plugin.Metadata{
			ID:          pluginType,
			Name:        "Redis Queue",
			Description: "Pops entries from a Redis list",
			Icon:        "inbox",
		},
		CredentialFields: []plugin.CredentialField{
			{Name: "addr", Label: "Address", Type: plugin.FieldTypeText, Required: true,
				Placeholder: "localhost:6379"},
			{Name: "password", Label: "Password", Type: plugin.FieldTypePassword},
			{Name: "db", Label: "Database", Type: plugin.FieldTypeNumber, Default: "0"},
			{Name: "key", Label: "List Key", Type: plugin.FieldTypeText, Required: true,
				Placeholder: "events"},
		},
		New: New,
	})
}

// Source pops one list per sync tick
type Source struct {
	sourceID string
	creds    plugin.Credentials
	client   *redis.Client
	logger   *zap.Logger
}

// New creates a Redis queue source
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
	return plugin.Metadata{ID: pluginType, Name: "Redis Queue",
		Description: "Pops entries from a Redis list", Icon: "inbox"}
}

func (s *Source) options() *redis.Options {
	db := 0
	fmt.Sscanf(s.creds.Get("db", "0"), "%d", &db)
	return &redis.Options{
		Addr:         s.creds.Get("addr", "localhost:6379"),
		Password:     s.creds.Get("password", ""),
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (s *Source) Connect(ctx context.Context) error {
	client := redis.NewClient(s.options())
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach Redis")
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
	client := redis.NewClient(s.options())
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return false, fmt.Sprintf("ping failed: %v", err)
	}

	key := s.creds.Get("key", "")
	n, err := client.LLen(ctx, key).Result()
	if err != nil {
		return false, fmt.Sprintf("cannot read list %s: %v", key, err)
	}
	return true, fmt.Sprintf("connected, list %s holds %d entries", key, n)
}

// Fetch pops queued entries until the list is empty or the batch cap hits
func (s *Source) Fetch(ctx context.Context) (*plugin.Stream, error) {
	if s.client == nil {
		return nil, errors.New(errors.ErrorTypeConnection, "not connected")
	}

	key := s.creds.Get("key", "")
	records := make(chan plugin.DataRecord, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		for i := 0; i < maxPerFetch; i++ {
			if ctx.Err() != nil {
				return
			}

			raw, err := s.client.LPop(ctx, key).Result()
			if err == redis.Nil {
				return
			}
			if err != nil {
				errs <- errors.Wrap(err, errors.ErrorTypeConnection, "pop failed")
				return
			}

			data := map[string]interface{}{}
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				data = map[string]interface{}{"raw": raw}
			}

			select {
			case records <- plugin.DataRecord{
				SourceID:   s.sourceID,
				SourceType: pluginType,
				Timestamp:  time.Now().UTC(),
				Data:       data,
				Metadata:   map[string]interface{}{"key": key},
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return plugin.NewStream(records, errs), nil
}
