package kafka

import (
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Client handles produce, consume and topic-metadata operations against one cluster.
//
// The embedded SyncProducer and sarama.Client are shared and safe for concurrent
// use; consumers are created per session and owned by their session's worker.
type Client struct {
	config   *Config
	logger   *zap.Logger
	mu       sync.Mutex
	client   sarama.Client
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
}

// NewClient creates a new Client. No connection is made until first use.
func NewClient(config *Config, logger *zap.Logger) *Client {
	return &Client{
		config: config,
		logger: logger,
	}
}

// saramaClient lazily dials the cluster and caches the shared sarama.Client.
func (c *Client) saramaClient() (sarama.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && !c.client.Closed() {
		return c.client, nil
	}

	conf, err := c.config.ToSaramaConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}

	client, err := sarama.NewClient(c.config.GetBrokers(), conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	c.client = client
	return client, nil
}

// Producer returns the shared SyncProducer, creating it on first use.
func (c *Client) Producer() (sarama.SyncProducer, error) {
	client, err := c.saramaClient()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.producer != nil {
		return c.producer, nil
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync producer: %w", err)
	}
	c.producer = producer
	return producer, nil
}

// clusterAdmin returns the shared ClusterAdmin, creating it on first use.
// It is not closed per call: closing an admin built from a client would also
// close the shared client under the producer.
func (c *Client) clusterAdmin() (sarama.ClusterAdmin, error) {
	client, err := c.saramaClient()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.admin != nil {
		return c.admin, nil
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster admin: %w", err)
	}
	c.admin = admin
	return admin, nil
}

// ProduceMessage produces a message to a topic. A nil value produces a
// tombstone for the given key.
func (c *Client) ProduceMessage(topic string, key, value []byte, headers map[string]string) (int32, int64, error) {
	producer, err := c.Producer()
	if err != nil {
		return 0, 0, err
	}

	msg := &sarama.ProducerMessage{Topic: topic}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	if value != nil {
		msg.Value = sarama.ByteEncoder(value)
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	partition, offset, err := producer.SendMessage(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to send message: %w", err)
	}
	c.logger.Info("Message produced",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return partition, offset, nil
}

// ListTopics lists all topics
func (c *Client) ListTopics() (map[string]sarama.TopicDetail, error) {
	admin, err := c.clusterAdmin()
	if err != nil {
		return nil, err
	}

	topics, err := admin.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	return topics, nil
}

// CreateTopic creates a new topic
func (c *Client) CreateTopic(topicName string, detail *sarama.TopicDetail) error {
	admin, err := c.clusterAdmin()
	if err != nil {
		return err
	}

	err = admin.CreateTopic(topicName, detail, false)
	if err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}

	c.logger.Info("Topic created", zap.String("topic", topicName))
	return nil
}

// DeleteTopic deletes a topic
func (c *Client) DeleteTopic(topicName string) error {
	admin, err := c.clusterAdmin()
	if err != nil {
		return err
	}

	if err := admin.DeleteTopic(topicName); err != nil {
		return fmt.Errorf("failed to delete topic: %w", err)
	}

	c.logger.Info("Topic deleted", zap.String("topic", topicName))
	return nil
}

// PartitionInfo describes one partition's offset bounds.
type PartitionInfo struct {
	Partition    int32 `json:"partition"`
	OldestOffset int64 `json:"oldestOffset"`
	NewestOffset int64 `json:"newestOffset"`
}

// TopicPartitions returns offset watermarks for every partition of a topic.
func (c *Client) TopicPartitions(topic string) ([]PartitionInfo, error) {
	client, err := c.saramaClient()
	if err != nil {
		return nil, err
	}

	partitions, err := client.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to get partitions for topic %s: %w", topic, err)
	}

	infos := make([]PartitionInfo, 0, len(partitions))
	for _, p := range partitions {
		oldest, err := client.GetOffset(topic, p, sarama.OffsetOldest)
		if err != nil {
			return nil, fmt.Errorf("failed to get oldest offset: %w", err)
		}
		newest, err := client.GetOffset(topic, p, sarama.OffsetNewest)
		if err != nil {
			return nil, fmt.Errorf("failed to get newest offset: %w", err)
		}
		infos = append(infos, PartitionInfo{Partition: p, OldestOffset: oldest, NewestOffset: newest})
	}
	return infos, nil
}

// Close tears down the shared producer and client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			return fmt.Errorf("failed to close producer: %w", err)
		}
		c.producer = nil
	}
	if c.client != nil && !c.client.Closed() {
		if err := c.client.Close(); err != nil {
			return fmt.Errorf("failed to close client: %w", err)
		}
	}
	c.client = nil
	c.admin = nil
	return nil
}
