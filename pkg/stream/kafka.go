package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// annotationHeaders are the record headers stamped by the hub rather than by
// the publishing device.
var annotationHeaders = sets.New[string](
	DeviceIDAnnotation,
	"iothub-connection-module-id",
	"iothub-connection-auth-method",
	"iothub-connection-auth-generation-id",
	"iothub-enqueuedtime",
	"iothub-message-source",
)

const annotationPrefix = "x-opt-"

// KafkaConfig holds the settings for a Kafka-protocol stream.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	// Opts are appended to every client the source creates.
	Opts []kgo.Opt
}

// KafkaSource reads telemetry from a Kafka-protocol topic, one consumer
// client per partition.
type KafkaSource struct {
	config *KafkaConfig
	admin  *kgo.Client
}

// NewKafkaSource creates the metadata client used for partition discovery.
// Consumers are created lazily by Receive.
func NewKafkaSource(config *KafkaConfig) (*KafkaSource, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if config.Topic == "" {
		return nil, errors.New("topic is required")
	}

	admin, err := kgo.NewClient(config.clientOpts("metadata")...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata client: %w", err)
	}

	return &KafkaSource{
		config: config,
		admin:  admin,
	}, nil
}

func (c *KafkaConfig) clientOpts(role string, extra ...kgo.Opt) []kgo.Opt {
	clientID := c.ClientID
	if clientID == "" {
		clientID = "telemetryrelay"
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(clientID),
		kgo.WithLogger(NewKlogLogger(role)),
	}
	opts = append(opts, c.Opts...)
	return append(opts, extra...)
}

// PartitionIDs returns the topic's partitions in ascending order. A topic
// without partitions yields an empty list and no error.
func (s *KafkaSource) PartitionIDs(ctx context.Context) ([]string, error) {
	req := kmsg.NewPtrMetadataRequest()
	topic := kmsg.NewMetadataRequestTopic()
	topic.Topic = kmsg.StringPtr(s.config.Topic)
	req.Topics = append(req.Topics, topic)

	resp, err := req.RequestWith(ctx, s.admin)
	if err != nil {
		return nil, fmt.Errorf("metadata request for topic %s: %w", s.config.Topic, err)
	}

	var partitions []int32
	for _, t := range resp.Topics {
		if t.Topic == nil || *t.Topic != s.config.Topic {
			continue
		}
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			return nil, fmt.Errorf("topic %s: %w", s.config.Topic, err)
		}
		for _, p := range t.Partitions {
			partitions = append(partitions, p.Partition)
		}
	}
	return partitionIDs(partitions), nil
}

func partitionIDs(partitions []int32) []string {
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	ids := make([]string, 0, len(partitions))
	for _, p := range partitions {
		ids = append(ids, strconv.FormatInt(int64(p), 10))
	}
	return ids
}

// Receive consumes a single partition from the first record whose timestamp
// is at or after from.
func (s *KafkaSource) Receive(ctx context.Context, partitionID string, from time.Time, handler RecordHandler) error {
	partition, err := strconv.ParseInt(partitionID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid partition id %q: %w", partitionID, err)
	}

	consumer, err := kgo.NewClient(s.config.clientOpts("partition-"+partitionID,
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			s.config.Topic: {int32(partition): kgo.NewOffset().AfterMilli(from.UnixMilli())},
		}),
	)...)
	if err != nil {
		return fmt.Errorf("failed to create consumer for partition %s: %w", partitionID, err)
	}
	defer consumer.Close()

	klog.InfoS("Listening on partition", "topic", s.config.Topic, "partition", partitionID, "from", from)

	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		fetches.EachRecord(func(r *kgo.Record) {
			handler(recordFromKafka(r))
		})

		for _, fetchErr := range fetches.Errors() {
			if errors.Is(fetchErr.Err, context.Canceled) || errors.Is(fetchErr.Err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("fetch from %s/%d: %w", fetchErr.Topic, fetchErr.Partition, fetchErr.Err)
		}
	}
}

// Close closes the metadata client. Consumers close when Receive returns.
func (s *KafkaSource) Close() error {
	s.admin.Close()
	return nil
}

func recordFromKafka(r *kgo.Record) *Record {
	record := &Record{
		Partition:    strconv.FormatInt(int64(r.Partition), 10),
		Offset:       r.Offset,
		EnqueuedTime: r.Timestamp,
		Body:         r.Value,
		Properties:   map[string]any{},
		Annotations:  map[string]any{},
	}

	for _, h := range r.Headers {
		if annotationHeaders.Has(h.Key) || strings.HasPrefix(h.Key, annotationPrefix) {
			record.Annotations[h.Key] = string(h.Value)
			continue
		}
		record.Properties[h.Key] = string(h.Value)
	}

	if _, ok := record.Annotations[DeviceIDAnnotation]; !ok && len(r.Key) > 0 {
		record.Annotations[DeviceIDAnnotation] = string(r.Key)
	}

	return record
}
