// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kafkaqueue implements queue.Queue over a Kafka topic.
//
// Values are CBOR-encoded with lib/codec. Every partition of the topic
// is consumed and merged into one delivery channel. The record key is
// the entry id and the attempts header counts earlier deliveries.
// Abandoning an entry produces it again with the header incremented;
// on its last attempt it is logged and dropped instead.
//
// Offsets are not committed: a restarted consumer starts from the
// configured initial offset. Complete only settles the entry locally.
package kafkaqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/bureau-foundation/eventsink/lib/codec"
	"github.com/bureau-foundation/eventsink/lib/queue"
)

// attemptsHeader counts deliveries before the current one.
const attemptsHeader = "eventsink-attempts"

// Config configures a Queue.
type Config struct {
	Brokers []string
	Topic   string

	// MaxAttempts bounds deliveries per value. Defaults to 3.
	MaxAttempts int

	// FromOldest starts new partition consumers at the oldest retained
	// offset instead of the newest.
	FromOldest bool

	// Logger receives consumer errors and dead letters. Nil discards.
	Logger *slog.Logger
}

// Queue is a Kafka-backed queue of T.
type Queue[T any] struct {
	topic       string
	maxAttempts int
	initial     int64
	logger      *slog.Logger

	consumer sarama.Consumer
	producer sarama.SyncProducer
	client   sarama.Client

	messages  chan *sarama.ConsumerMessage
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu         sync.Mutex
	partitions []sarama.PartitionConsumer
}

var _ queue.Queue[codec.EventPost] = (*Queue[codec.EventPost])(nil)

// SaramaConfig returns the client configuration Dial uses.
func SaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	return config
}

// Dial connects to the brokers and starts consuming the topic.
func Dial[T any](ctx context.Context, config Config) (*Queue[T], error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafkaqueue: no brokers configured")
	}
	client, err := sarama.NewClient(config.Brokers, SaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafkaqueue: connecting to %v: %w", config.Brokers, err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafkaqueue: creating consumer: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		consumer.Close()
		client.Close()
		return nil, fmt.Errorf("kafkaqueue: creating producer: %w", err)
	}

	q, err := New[T](ctx, config, consumer, producer)
	if err != nil {
		producer.Close()
		consumer.Close()
		client.Close()
		return nil, err
	}
	q.client = client
	return q, nil
}

// New starts consuming config.Topic with an existing consumer and
// producer. The queue owns both and closes them on Close.
func New[T any](ctx context.Context, config Config, consumer sarama.Consumer, producer sarama.SyncProducer) (*Queue[T], error) {
	if config.Topic == "" {
		return nil, fmt.Errorf("kafkaqueue: topic is required")
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	initial := sarama.OffsetNewest
	if config.FromOldest {
		initial = sarama.OffsetOldest
	}

	q := &Queue[T]{
		topic:       config.Topic,
		maxAttempts: maxAttempts,
		initial:     initial,
		logger:      logger.With("topic", config.Topic),
		consumer:    consumer,
		producer:    producer,
		messages:    make(chan *sarama.ConsumerMessage),
		done:        make(chan struct{}),
	}
	if err := q.start(ctx); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue[T]) start(ctx context.Context) error {
	partitions, err := q.consumer.Partitions(q.topic)
	if err != nil {
		return fmt.Errorf("kafkaqueue: listing partitions of %s: %w", q.topic, err)
	}
	for _, partition := range partitions {
		partitionConsumer, err := q.consumer.ConsumePartition(q.topic, partition, q.initial)
		if err != nil {
			return fmt.Errorf("kafkaqueue: consuming %s/%d: %w", q.topic, partition, err)
		}
		q.mu.Lock()
		q.partitions = append(q.partitions, partitionConsumer)
		q.mu.Unlock()

		q.wg.Add(1)
		go q.forward(ctx, partition, partitionConsumer)
	}
	q.logger.Info("kafka queue consuming", "partitions", len(partitions))
	return nil
}

// forward copies one partition's messages into the shared channel
// until the partition consumer closes or the queue shuts down.
func (q *Queue[T]) forward(ctx context.Context, partition int32, consumer sarama.PartitionConsumer) {
	defer q.wg.Done()
	messages, errs := consumer.Messages(), consumer.Errors()
	for messages != nil || errs != nil {
		select {
		case message, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			select {
			case q.messages <- message:
			case <-q.done:
				return
			case <-ctx.Done():
				return
			}
		case consumerErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			q.logger.Error("kafka consumer error",
				"partition", partition,
				"error", consumerErr,
			)
		case <-q.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Enqueue produces value as a new first-attempt record.
func (q *Queue[T]) Enqueue(ctx context.Context, value T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.produce(uuid.NewString(), value, 0)
}

func (q *Queue[T]) produce(id string, value T, previousAttempts int) error {
	payload, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafkaqueue: encoding %s: %w", id, err)
	}
	_, _, err = q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(id),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(attemptsHeader), Value: []byte(strconv.Itoa(previousAttempts))},
		},
	})
	if err != nil {
		return fmt.Errorf("kafkaqueue: producing %s to %s: %w", id, q.topic, err)
	}
	return nil
}

// Dequeue returns the next decodable record. Records that do not
// decode are logged and skipped.
func (q *Queue[T]) Dequeue(ctx context.Context) (*queue.Entry[T], error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, queue.ErrClosed
		case message := <-q.messages:
			entry, err := q.decode(message)
			if err != nil {
				diagnostic, _ := codec.Diagnose(message.Value)
				q.logger.Error("dropping undecodable record",
					"partition", message.Partition,
					"offset", message.Offset,
					"error", err,
					"diagnostic", diagnostic,
				)
				continue
			}
			return entry, nil
		}
	}
}

func (q *Queue[T]) decode(message *sarama.ConsumerMessage) (*queue.Entry[T], error) {
	var value T
	if err := codec.Unmarshal(message.Value, &value); err != nil {
		return nil, err
	}
	id := string(message.Key)
	if id == "" {
		id = fmt.Sprintf("%s/%d/%d", message.Topic, message.Partition, message.Offset)
	}
	previous := 0
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == attemptsHeader {
			parsed, err := strconv.Atoi(string(header.Value))
			if err != nil {
				return nil, fmt.Errorf("attempts header %q: %w", header.Value, err)
			}
			previous = parsed
		}
	}
	attempts := previous + 1

	return queue.NewEntry(id, value, attempts,
		func(context.Context) error { return nil },
		func(context.Context) error {
			if attempts >= q.maxAttempts {
				q.logger.Warn("queue entry dead-lettered",
					"entry_id", id,
					"attempts", attempts,
				)
				return nil
			}
			return q.produce(id, value, attempts)
		},
	), nil
}

// Close stops consumption and closes the consumer and producer, and
// the client when the queue was dialed.
func (q *Queue[T]) Close() error {
	var errs []error
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		for _, partition := range q.partitions {
			if err := partition.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		q.mu.Unlock()
		q.wg.Wait()
		if err := q.consumer.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := q.producer.Close(); err != nil {
			errs = append(errs, err)
		}
		if q.client != nil {
			if err := q.client.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kafkaqueue: closing %s: %w", q.topic, err)
	}
	return nil
}
