package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/domain/ledger"
	"github.com/hospharm/medcore/pkg/workerpool"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeoutMS is the group session timeout
	SessionTimeoutMS int64
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
	// Pool processes the records of each fetch concurrently
	Pool workerpool.Config
}

// DefaultConsumerConfig returns defaults for the audit consumer group.
func DefaultConsumerConfig(brokers []string, groupID string, topics ...string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:          brokers,
		GroupID:          groupID,
		Topics:           topics,
		SessionTimeoutMS: 30000,
		StartOffset:      "earliest",
		Pool:             workerpool.DefaultConfig(),
	}
}

// MessageHandler is called for each consumed message. A nil error commits
// the record's offset.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// EventType returns the ledger event type carried in the headers.
func (m *ConsumedMessage) EventType() ledger.EventType {
	return ledger.EventType(m.Headers[HeaderEventType])
}

// Event decodes the message value as a ledger event.
func (m *ConsumedMessage) Event() (*ledger.Event, error) {
	var ev ledger.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return nil, fmt.Errorf("decode event at %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return &ev, nil
}

// Consumer reads ledger events. Records of a fetch are handled on a worker
// pool; per partition, offsets are committed up to the first failed record.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	pool    *workerpool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	errorCount     int64
	lastCommitTime time.Time
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	c.pool, err = workerpool.New(cfg.Pool, c.processTask, logger.Named("workers"))
	if err != nil {
		client.Close()
		cancel()
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.pool.Start()
	c.wg.Add(1)
	go c.consumeLoop()
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	if err := c.pool.Stop(); err != nil {
		c.logger.Warn("worker pool stop", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.incrementErrorCount()
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.processBatch(records)
	}
}

func (c *Consumer) processBatch(records []*kgo.Record) {
	tasks := make([]*workerpool.Task, len(records))
	for i, r := range records {
		tasks[i] = &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d@%d", r.Topic, r.Partition, r.Offset),
			Payload: r,
		}
	}

	results, err := c.pool.Run(c.ctx, tasks)
	if err != nil {
		// shutting down; nothing past the last commit is marked
		return
	}

	ok := make([]bool, len(records))
	for i, res := range results {
		ok[i] = res != nil && res.Success
		if !ok[i] {
			c.incrementErrorCount()
		}
	}

	commit := committable(records, ok)
	if len(commit) == 0 {
		return
	}
	c.client.MarkCommitRecords(commit...)
	if err := c.client.CommitMarkedOffsets(c.ctx); err != nil {
		c.logger.Error("failed to commit offsets", zap.Int("records", len(commit)), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.messagesRead += int64(len(commit))
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
}

// committable returns, for each partition, the records before the first
// failure. Failed records are redelivered after a restart or rebalance.
func committable(records []*kgo.Record, ok []bool) []*kgo.Record {
	type tp struct {
		topic     string
		partition int32
	}
	blocked := make(map[tp]bool)
	var out []*kgo.Record
	for i, r := range records {
		key := tp{r.Topic, r.Partition}
		if blocked[key] {
			continue
		}
		if !ok[i] {
			blocked[key] = true
			continue
		}
		out = append(out, r)
	}
	return out
}

func (c *Consumer) processTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	record := task.Payload.(*kgo.Record)
	err := c.processRecord(ctx, record)
	return &workerpool.Result{TaskID: task.ID, Success: err == nil, Error: err}
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		return err
	}
	return nil
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		ErrorCount:     c.errorCount,
		LastCommitTime: c.lastCommitTime,
	}
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	ErrorCount     int64
	LastCommitTime time.Time
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}
