package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Record is one decoded Kafka message.
type Record struct {
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers,omitempty"`
	Topic     string            `json:"topic"`
	Key       []byte            `json:"key,omitempty"`
	Value     []byte            `json:"value,omitempty"`
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
}

// Consumer is the minimal consume surface a session worker drives.
// Implementations are not safe for concurrent use: a consumer is owned by
// exactly one worker.
type Consumer interface {
	// Poll returns the records fetched within timeout. An empty batch with a
	// nil error means the timeout elapsed without traffic.
	Poll(ctx context.Context, timeout time.Duration) ([]Record, error)
	// Commit marks the given partition -> last-consumed-offset pairs. When the
	// consumer was opened with autoCommit the flush is left to the client's
	// periodic commit; otherwise offsets are flushed synchronously.
	Commit(ctx context.Context, offsets map[int32]int64) error
	Pause()
	Resume()
	Close() error
}

// ConsumerOptions configures a session-scoped consumer.
type ConsumerOptions struct {
	Topic       string
	GroupID     string
	Partition   *int32 // nil means all partitions of the topic
	StartOffset *int64 // nil means committed offset, falling back to newest
	AutoCommit  bool
}

const pollBatchMax = 256

// saramaConsumer merges one partition consumer per assigned partition behind
// the poll-style Consumer interface. It owns a dedicated sarama.Client so
// Close never tears down the registry's shared handles.
type saramaConsumer struct {
	client     sarama.Client
	consumer   sarama.Consumer
	om         sarama.OffsetManager
	logger     *zap.Logger
	topic      string
	autoCommit bool

	mu   sync.Mutex
	pcs  map[int32]sarama.PartitionConsumer
	poms map[int32]sarama.PartitionOffsetManager

	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
	closing  chan struct{}
}

// NewSessionConsumer opens a consumer for one session. The returned Consumer
// is exclusively owned by the caller.
func (c *Client) NewSessionConsumer(opts ConsumerOptions) (Consumer, error) {
	conf, err := c.config.ToSaramaConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}
	conf.Consumer.Offsets.AutoCommit.Enable = opts.AutoCommit
	conf.Consumer.Offsets.Initial = sarama.OffsetNewest

	client, err := sarama.NewClient(c.config.GetBrokers(), conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer client: %w", err)
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	om, err := sarama.NewOffsetManagerFromClient(opts.GroupID, client)
	if err != nil {
		consumer.Close()
		client.Close()
		return nil, fmt.Errorf("failed to create offset manager: %w", err)
	}

	sc := &saramaConsumer{
		client:     client,
		consumer:   consumer,
		om:         om,
		logger:     c.logger.With(zap.String("topic", opts.Topic), zap.String("group", opts.GroupID)),
		topic:      opts.Topic,
		autoCommit: opts.AutoCommit,
		pcs:        make(map[int32]sarama.PartitionConsumer),
		poms:       make(map[int32]sarama.PartitionOffsetManager),
		messages:   make(chan *sarama.ConsumerMessage, pollBatchMax),
		errs:       make(chan *sarama.ConsumerError, 8),
		closing:    make(chan struct{}),
	}

	if err := sc.assign(opts); err != nil {
		sc.Close()
		return nil, err
	}
	return sc, nil
}

func (s *saramaConsumer) assign(opts ConsumerOptions) error {
	var partitions []int32
	if opts.Partition != nil {
		partitions = []int32{*opts.Partition}
	} else {
		all, err := s.client.Partitions(opts.Topic)
		if err != nil {
			return fmt.Errorf("failed to list partitions for %s: %w", opts.Topic, err)
		}
		partitions = all
	}

	for _, p := range partitions {
		pom, err := s.om.ManagePartition(opts.Topic, p)
		if err != nil {
			return fmt.Errorf("failed to manage offsets for partition %d: %w", p, err)
		}
		s.poms[p] = pom

		offset := sarama.OffsetNewest
		if opts.StartOffset != nil {
			offset = *opts.StartOffset
		} else if next, _ := pom.NextOffset(); next >= 0 {
			offset = next
		}

		if err := s.open(p, offset); err != nil {
			return err
		}
	}
	return nil
}

// open starts a partition consumer and its forwarding goroutine. It runs
// during assign, before the consumer is handed to its worker.
func (s *saramaConsumer) open(partition int32, offset int64) error {
	pc, err := s.consumer.ConsumePartition(s.topic, partition, offset)
	if err != nil {
		return fmt.Errorf("failed to consume partition %d at offset %d: %w", partition, offset, err)
	}
	s.pcs[partition] = pc

	go func() {
		for msg := range pc.Messages() {
			select {
			case s.messages <- msg:
			case <-s.closing:
				return
			}
		}
	}()
	go func() {
		for cerr := range pc.Errors() {
			select {
			case s.errs <- cerr:
			case <-s.closing:
				return
			}
		}
	}()
	return nil
}

func (s *saramaConsumer) Poll(ctx context.Context, timeout time.Duration) ([]Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var records []Record
	for len(records) < pollBatchMax {
		select {
		case msg := <-s.messages:
			records = append(records, recordFromMessage(msg))
		case cerr := <-s.errs:
			return records, fmt.Errorf("consume error on partition %d: %w", cerr.Partition, cerr.Err)
		case <-timer.C:
			return records, nil
		case <-ctx.Done():
			return records, ctx.Err()
		}
	}
	return records, nil
}

func recordFromMessage(msg *sarama.ConsumerMessage) Record {
	rec := Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			if h != nil {
				rec.Headers[string(h.Key)] = string(h.Value)
			}
		}
	}
	return rec
}

func (s *saramaConsumer) Commit(_ context.Context, offsets map[int32]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for partition, offset := range offsets {
		pom, ok := s.poms[partition]
		if !ok {
			return fmt.Errorf("partition %d not assigned", partition)
		}
		pom.MarkOffset(offset+1, "")
	}
	if !s.autoCommit {
		s.om.Commit()
	}
	return nil
}

func (s *saramaConsumer) Pause() {
	s.consumer.PauseAll()
}

func (s *saramaConsumer) Resume() {
	s.consumer.ResumeAll()
}

func (s *saramaConsumer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closing:
		return nil
	default:
		close(s.closing)
	}

	for p, pc := range s.pcs {
		if err := pc.Close(); err != nil {
			s.logger.Warn("Failed to close partition consumer",
				zap.Int32("partition", p),
				zap.Error(err))
		}
	}
	for p, pom := range s.poms {
		if err := pom.Close(); err != nil {
			s.logger.Warn("Failed to close partition offset manager",
				zap.Int32("partition", p),
				zap.Error(err))
		}
	}

	var firstErr error
	if err := s.om.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.consumer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
