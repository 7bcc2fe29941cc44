// Package kafka provides a Kafka-based transport implementation.
//
// Each mailbox is a single-partition topic, which gives total order per mailbox.
// The owner reads the partition directly (no consumer group) starting from the
// oldest offset, so messages published before the owner subscribed are kept.
//
// Features:
//   - Persistent mailboxes via single-partition topics
//   - Optional topic management through a ClusterAdmin
//   - Publish retries while a topic is being created
//   - Health checks
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/distmap/transport"
	"github.com/rbaliyan/distmap/transport/codec"
	"go.opentelemetry.io/otel/trace"
)

// Errors
var (
	ErrClientRequired = errors.New("kafka producer and consumer are required")
	ErrProducerFailed = errors.New("failed to create kafka producer")
	ErrConsumerFailed = errors.New("failed to create kafka consumer")
)

// Transport implements transport.Transport using Kafka
type Transport struct {
	status      int32
	client      sarama.Client // optional, set by NewFromClient
	producer    sarama.SyncProducer
	consumer    sarama.Consumer
	admin       sarama.ClusterAdmin
	topicPrefix string
	codec       codec.Codec
	mailboxes   sync.Map // map[string]struct{}
	logger      *slog.Logger
	onError     func(error)

	// Topic configuration
	replication  int16
	retention    time.Duration // Message retention time (0 = use broker default)
	startOffset  int64
	publishRetry time.Duration
}

// subscription implements transport.Subscription for Kafka
type subscription struct {
	id       string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	pc       sarama.PartitionConsumer
	codec    codec.Codec
	onError  func(error)
	wg       sync.WaitGroup
}

// Default configuration
var (
	DefaultReplication = int16(1)
	DefaultBufferSize  = 100
)

// mailboxPartition is the only partition of every mailbox topic
const mailboxPartition int32 = 0

// topicPrefix is the fixed prefix for Kafka topics to avoid clashing with user data
const topicPrefix = "distmap."

// New creates a Kafka transport from a producer and a consumer.
//
//	producer, _ := sarama.NewSyncProducerFromClient(client)
//	consumer, _ := sarama.NewConsumerFromClient(client)
//	tr, err := kafka.New(producer, consumer, kafka.WithAdmin(admin))
//
// The producer must be configured with Producer.Return.Successes = true, as
// sarama requires for sync producers.
func New(producer sarama.SyncProducer, consumer sarama.Consumer, opts ...Option) (*Transport, error) {
	if producer == nil || consumer == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:      1,
		producer:    producer,
		consumer:    consumer,
		topicPrefix: topicPrefix,
		codec:       codec.Default(),
		replication: DefaultReplication,
		startOffset: sarama.OffsetOldest,
		logger:      transport.Logger("transport>kafka"),
		onError:     func(error) {},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// NewFromClient creates a Kafka transport whose producer, consumer and admin
// share client. Close releases all three but not the client.
func NewFromClient(client sarama.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		producer.Close()
		return nil, errors.Join(ErrConsumerFailed, err)
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		consumer.Close()
		return nil, err
	}

	t, err := New(producer, consumer, append([]Option{WithAdmin(admin)}, opts...)...)
	if err != nil {
		return nil, err
	}
	t.client = client
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// topicName maps a mailbox to a legal topic name
func (t *Transport) topicName(mailbox string) string {
	return t.topicPrefix + strings.NewReplacer("/", "_", " ", "_", ":", "_").Replace(mailbox)
}

// Register creates the single-partition mailbox topic when an admin is configured
func (t *Transport) Register(ctx context.Context, mailbox string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, loaded := t.mailboxes.LoadOrStore(mailbox, struct{}{}); loaded {
		return transport.ErrMailboxAlreadyExists
	}

	if t.admin == nil {
		t.logger.Debug("registered mailbox without admin", "mailbox", mailbox)
		return nil
	}

	topicDetail := &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: t.replication,
	}
	if t.retention > 0 {
		retentionMs := fmt.Sprintf("%d", t.retention.Milliseconds())
		topicDetail.ConfigEntries = map[string]*string{
			"retention.ms": &retentionMs,
		}
	}

	err := t.admin.CreateTopic(t.topicName(mailbox), topicDetail, false)
	if err != nil {
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
			err = nil
		}
	}
	if err != nil {
		t.mailboxes.Delete(mailbox)
		return err
	}

	t.logger.Debug("registered mailbox", "mailbox", mailbox, "topic", t.topicName(mailbox))
	return nil
}

// Unregister forgets a mailbox and deletes its topic when an admin is configured
func (t *Transport) Unregister(ctx context.Context, mailbox string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, ok := t.mailboxes.LoadAndDelete(mailbox); !ok {
		return transport.ErrMailboxNotRegistered
	}

	if t.admin != nil {
		if err := t.admin.DeleteTopic(t.topicName(mailbox)); err != nil &&
			!errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
			return err
		}
	}

	t.logger.Debug("unregistered mailbox", "mailbox", mailbox)
	return nil
}

// Publish produces a message to the mailbox topic, retrying while the topic does
// not exist yet
func (t *Transport) Publish(ctx context.Context, mailbox string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	if t.publishRetry > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.publishRetry)
		defer cancel()
	}

	backoff := 50 * time.Millisecond
	maxBackoff := 2 * time.Second
	for {
		_, _, err = t.producer.SendMessage(&sarama.ProducerMessage{
			Topic:     t.topicName(mailbox),
			Partition: mailboxPartition,
			Key:       sarama.StringEncoder(msg.ID()),
			Value:     sarama.ByteEncoder(data),
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
			t.onError(err)
			return err
		}

		wait := transport.Jitter(backoff, 0.3)
		t.logger.Debug("mailbox topic not ready, retrying", "mailbox", mailbox, "backoff", wait)
		select {
		case <-ctx.Done():
			t.onError(err)
			return errors.Join(ctx.Err(), err)
		case <-time.After(wait):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Subscribe consumes the mailbox partition from the configured start offset
func (t *Transport) Subscribe(ctx context.Context, mailbox string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	subOpts := transport.ApplySubscribeOptions(opts...)

	if _, ok := t.mailboxes.Load(mailbox); !ok {
		return nil, transport.ErrMailboxNotRegistered
	}

	pc, err := t.consumer.ConsumePartition(t.topicName(mailbox), mailboxPartition, t.startOffset)
	if err != nil {
		return nil, err
	}

	bufSize := DefaultBufferSize
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	sub := &subscription{
		id:       transport.NewID(),
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		pc:       pc,
		codec:    t.codec,
		onError:  t.onError,
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(t.logger)
	}()

	t.logger.Debug("added subscriber", "mailbox", mailbox, "subscriber", sub.id)
	return sub, nil
}

// Close shuts down the transport
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	var errs []error
	if err := t.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	if t.admin != nil && t.client != nil {
		// admin created by NewFromClient; a caller-supplied admin is left open
		if err := t.admin.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// Health performs a health check on the Kafka transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	var mailboxCount int
	t.mailboxes.Range(func(key, value any) bool {
		mailboxCount++
		return true
	})
	result.Details["type"] = "kafka"
	result.Details["mailboxes"] = mailboxCount

	if t.client != nil {
		if t.client.Closed() {
			result.Status = transport.HealthStatusUnhealthy
			result.Message = "kafka client is closed"
			result.Latency = time.Since(start)
			return result
		}
		brokers := t.client.Brokers()
		result.Details["brokers"] = len(brokers)
		if len(brokers) == 0 {
			result.Status = transport.HealthStatusDegraded
			result.Message = "no kafka brokers available"
			result.Latency = time.Since(start)
			return result
		}
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "kafka transport is healthy"
	result.Latency = time.Since(start)
	return result
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

func (s *subscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		s.pc.AsyncClose()
		s.wg.Wait()
		close(s.ch)
	}
	return nil
}

func (s *subscription) consumeLoop(logger *slog.Logger) {
	errs := s.pc.Errors()
	for {
		select {
		case <-s.closedCh:
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Error("partition consumer error", "error", err)
			s.onError(err)
		case km, ok := <-s.pc.Messages():
			if !ok {
				return
			}
			decoded, err := s.codec.Decode(km.Value)
			if err != nil {
				logger.Error("failed to decode message", "error", err, "offset", km.Offset)
				s.onError(&transport.DecodeError{RawData: km.Value, Err: err, MsgID: fmt.Sprint(km.Offset)})
				continue
			}
			out := transport.NewMessage(decoded.ID(), decoded.Source(), decoded.ContextID(),
				decoded.Tag(), decoded.Payload(), trace.SpanContext{})
			select {
			case <-s.closedCh:
				return
			case s.ch <- out:
			}
		}
	}
}

// Compile-time checks
var _ transport.Transport = (*Transport)(nil)
var _ transport.HealthChecker = (*Transport)(nil)
var _ transport.Subscription = (*subscription)(nil)
