package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"

	"github.com/beech80/clipt-sub000/pkg/log"
)

const (
	kafkaPollMillis   = 500
	kafkaFlushMillis  = 5000
	kafkaSubscriberCh = 256
)

// kafkaTopics lists the fixed topics backing the per-stream channels.
var kafkaTopics = []string{"chat-changes", "presence-events", "moderation-events"}

// channelToTopicAndKey maps a per-stream channel onto a shared topic keyed by
// stream, so one stream's events stay ordered within a partition.
//
//	"chat:stream:S1:changes"      -> chat-changes / S1
//	"presence:stream:S1:events"   -> presence-events / S1
//	"moderation:stream:S1:events" -> moderation-events / S1
func channelToTopicAndKey(channel string) (topic, key string, err error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "stream" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid channel format: %s", channel)
	}
	return parts[0] + "-" + strings.ReplaceAll(parts[3], "_", "-"), parts[2], nil
}

// topicReader is the single consumer this process runs for a topic. It
// routes records by key to the channels subscribed on that topic.
type topicReader struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
	subs     map[string]chan *Event // stream id -> subscriber
}

// KafkaPubSub implements PubSub on Kafka. GroupID must be unique per
// instance: every instance needs every stream's events.
type KafkaPubSub struct {
	producer *kafka.Producer
	config   KafkaConfig
	delivery chan struct{}

	mu      sync.RWMutex
	readers map[string]*topicReader
	closed  bool
}

func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	if cfg.GroupID == "" {
		cfg.GroupID = "chat-service"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 4
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	k := &KafkaPubSub{
		producer: p,
		config:   cfg,
		delivery: make(chan struct{}),
		readers:  make(map[string]*topicReader),
	}
	go k.watchDelivery()

	if err := k.createTopics(); err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("kafka topic setup failed, assuming topics exist")
	}
	return k, nil
}

func (k *KafkaPubSub) createTopics() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	specs := make([]kafka.TopicSpecification, len(kafkaTopics))
	for i, t := range kafkaTopics {
		specs[i] = kafka.TopicSpecification{Topic: t, NumPartitions: k.config.Partitions, ReplicationFactor: 1}
	}
	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		return err
	}
	for _, r := range results {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			l := log.L()
			l.Warn().Str("topic", r.Topic).Str("error", r.Error.String()).Msg("kafka topic not created")
		}
	}
	return nil
}

func (k *KafkaPubSub) watchDelivery() {
	defer close(k.delivery)
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l := log.L()
			l.Error().Err(m.TopicPartition.Error).Str("topic", *m.TopicPartition.Topic).Msg("kafka delivery failed")
		}
	}
}

func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	topic, key, err := channelToTopicAndKey(channel)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          data,
	}
	if err := k.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers the channel's subscriber, replacing any previous one.
// The topic's consumer starts with the first subscriber; it reads from the
// latest offset, so only events published after subscribing arrive.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	topic, streamID, err := channelToTopicAndKey(channel)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, ErrClosed
	}
	r, ok := k.readers[topic]
	if !ok {
		if r, err = k.startReader(topic); err != nil {
			return nil, err
		}
		k.readers[topic] = r
	}
	if old, ok := r.subs[streamID]; ok {
		close(old)
	}
	ch := make(chan *Event, kafkaSubscriberCh)
	r.subs[streamID] = ch

	go func() {
		select {
		case <-ctx.Done():
			k.drop(topic, streamID, ch)
		case <-r.done:
		}
	}()
	return ch, nil
}

// startReader must be called with k.mu held.
func (k *KafkaPubSub) startReader(topic string) (*topicReader, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  k.config.Brokers,
		"group.id":           k.config.GroupID + "-" + topic,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &topicReader{consumer: c, cancel: cancel, done: make(chan struct{}), subs: make(map[string]chan *Event)}
	go k.read(ctx, topic, r)
	return r, nil
}

func (k *KafkaPubSub) read(ctx context.Context, topic string, r *topicReader) {
	defer close(r.done)
	l := log.L()
	logger := l.With().Str("topic", topic).Logger()

	for ctx.Err() == nil {
		switch e := r.consumer.Poll(kafkaPollMillis).(type) {
		case *kafka.Message:
			k.route(r, e, logger)
		case kafka.Error:
			logger.Error().Err(e).Bool("fatal", e.IsFatal()).Msg("kafka consumer error")
			if e.IsFatal() {
				k.mu.Lock()
				owned := k.readers[topic] == r
				if owned {
					k.stopReader(topic, r)
				}
				k.mu.Unlock()
				if owned {
					r.consumer.Close()
				}
				return
			}
		}
	}
}

func (k *KafkaPubSub) route(r *topicReader, m *kafka.Message, logger zerolog.Logger) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ch, ok := r.subs[string(m.Key)]
	if !ok {
		return
	}
	var ev Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		logger.Warn().Err(err).Msg("dropping malformed event")
		return
	}
	select {
	case ch <- &ev:
	default:
		logger.Warn().Str(log.FieldStreamID, string(m.Key)).Str("event_type", ev.Type).Msg("subscriber full, dropping event")
	}
}

// stopReader closes every subscriber of the topic; k.mu must be held.
func (k *KafkaPubSub) stopReader(topic string, r *topicReader) {
	if k.readers[topic] == r {
		delete(k.readers, topic)
	}
	r.cancel()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}

func (k *KafkaPubSub) drop(topic, streamID string, ch chan *Event) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.readers[topic]
	if !ok || r.subs[streamID] != ch {
		return
	}
	close(ch)
	delete(r.subs, streamID)
}

func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	topic, streamID, err := channelToTopicAndKey(channel)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if r, ok := k.readers[topic]; ok {
		if ch, ok := r.subs[streamID]; ok {
			close(ch)
			delete(r.subs, streamID)
		}
	}
	return nil
}

// Close stops every reader, then flushes pending produces.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	readers := make([]*topicReader, 0, len(k.readers))
	for topic, r := range k.readers {
		k.stopReader(topic, r)
		readers = append(readers, r)
	}
	k.mu.Unlock()

	var firstErr error
	for _, r := range readers {
		<-r.done
		if err := r.consumer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close kafka consumer: %w", err)
		}
	}

	k.producer.Flush(kafkaFlushMillis)
	k.producer.Close()
	<-k.delivery
	return firstErr
}
