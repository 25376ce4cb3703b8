// Package kafka harvests messages from a Kafka topic. Each sync tick drains
// the messages accumulated since the previous tick; partition offsets are
// tracked in memory for the lifetime of the adapter.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/plugin"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
)

const (
	pluginType    = "kafka"
	maxBatch      = 5000
	idleDrainWait = 2 * time.Second
)

func init() {
	registry.Register(plugin.Descriptor{
		Metadata: plugin.Metadata{
			ID:          pluginType,
			Name:        "Kafka",
			Description: "Consumes messages from a Kafka topic",
			Icon:        "layers",
		},
		CredentialFields: []plugin.CredentialField{
			{Name: "brokers", Label: "Brokers", Type: plugin.FieldTypeText, Required: true,
				Placeholder: "broker1:9092,broker2:9092",
				Help:        "Comma separated broker addresses"},
			{Name: "topic", Label: "Topic", Type: plugin.FieldTypeText, Required: true},
			{Name: "start_from", Label: "Start From", Type: plugin.FieldTypeSelect,
				Default: "newest", Options: []plugin.Option{
					{Value: "newest", Label: "Newest messages"},
					{Value: "oldest", Label: "Oldest messages"},
				}},
		},
		New: New,
	})
}

// Source consumes one topic, resuming at remembered offsets each tick
type Source struct {
	sourceID string
	creds    plugin.Credentials
	client   sarama.Client
	consumer sarama.Consumer
	offsets  map[int32]int64
	logger   *zap.Logger
}

// New creates a Kafka source
func New(sourceID string, creds plugin.Credentials) plugin.Source {
	return &Source{
		sourceID: sourceID,
		creds:    creds,
		offsets:  make(map[int32]int64),
		logger: logger.Get().With(
			zap.String("plugin", pluginType),
			zap.String("source_id", sourceID)),
	}
}

func (s *Source) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: pluginType, Name: "Kafka",
		Description: "Consumes messages from a Kafka topic", Icon: "layers"}
}

func (s *Source) brokers() []string {
	parts := strings.Split(s.creds.Get("brokers", ""), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Source) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "relay-agent-" + s.sourceID
	cfg.Consumer.Return.Errors = true
	cfg.Net.DialTimeout = 10 * time.Second
	return cfg
}

func (s *Source) Connect(_ context.Context) error {
	client, err := sarama.NewClient(s.brokers(), s.saramaConfig())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to Kafka")
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create consumer")
	}
	s.client = client
	s.consumer = consumer
	return nil
}

func (s *Source) Disconnect(_ context.Context) error {
	if s.consumer != nil {
		s.consumer.Close()
		s.consumer = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

func (s *Source) Connected() bool {
	return s.client != nil && !s.client.Closed()
}

func (s *Source) TestConnection(_ context.Context) (bool, string) {
	client, err := sarama.NewClient(s.brokers(), s.saramaConfig())
	if err != nil {
		return false, "connection failed: " + err.Error()
	}
	defer client.Close()

	topic := s.creds.Get("topic", "")
	partitions, err := client.Partitions(topic)
	if err != nil {
		return false, "cannot read topic metadata: " + err.Error()
	}
	if len(partitions) == 0 {
		return false, "topic has no partitions: " + topic
	}
	return true, fmt.Sprintf("connected, topic has %d partition(s)", len(partitions))
}

// startOffset resolves the initial offset for a partition on first sight
func (s *Source) startOffset(partition int32) int64 {
	if off, ok := s.offsets[partition]; ok {
		return off
	}
	if s.creds.Get("start_from", "newest") == "oldest" {
		return sarama.OffsetOldest
	}
	return sarama.OffsetNewest
}

// Fetch drains messages available right now from every partition. The drain
// stops per partition when the high-water mark is reached, the idle window
// passes, or the batch cap hits.
func (s *Source) Fetch(ctx context.Context) (*plugin.Stream, error) {
	if s.consumer == nil {
		return nil, errors.New(errors.ErrorTypeConnection, "not connected")
	}

	topic := s.creds.Get("topic", "")
	partitions, err := s.consumer.Partitions(topic)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "cannot read topic metadata")
	}

	records := make(chan plugin.DataRecord, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		total := 0
		for _, partition := range partitions {
			if ctx.Err() != nil || total >= maxBatch {
				return
			}
			n, err := s.drainPartition(ctx, topic, partition, maxBatch-total, records)
			total += n
			if err != nil {
				errs <- err
				return
			}
		}
	}()

	return plugin.NewStream(records, errs), nil
}

func (s *Source) drainPartition(ctx context.Context, topic string, partition int32, budget int, records chan<- plugin.DataRecord) (int, error) {
	pc, err := s.consumer.ConsumePartition(topic, partition, s.startOffset(partition))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "cannot consume partition")
	}
	defer pc.Close()

	idle := time.NewTimer(idleDrainWait)
	defer idle.Stop()

	count := 0
	for count < budget {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				return count, nil
			}
			s.offsets[partition] = msg.Offset + 1

			rec := plugin.DataRecord{
				SourceID:   s.sourceID,
				SourceType: pluginType,
				Timestamp:  msg.Timestamp.UTC(),
				Data:       decodeValue(msg.Value),
				Metadata: map[string]interface{}{
					"topic":     topic,
					"partition": partition,
					"offset":    msg.Offset,
					"key":       string(msg.Key),
				},
			}
			select {
			case records <- rec:
			case <-ctx.Done():
				return count, nil
			}
			count++

			if msg.Offset+1 >= pc.HighWaterMarkOffset() {
				return count, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleDrainWait)
		case kerr := <-pc.Errors():
			if kerr != nil {
				return count, errors.Wrap(kerr, errors.ErrorTypeConnection, "consume failed")
			}
		case <-idle.C:
			return count, nil
		case <-ctx.Done():
			return count, nil
		}
	}
	return count, nil
}

// decodeValue unwraps JSON message bodies; anything else is carried raw
func decodeValue(value []byte) map[string]interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal(value, &obj); err == nil {
		return obj
	}
	return map[string]interface{}{"raw": string(value)}
}
