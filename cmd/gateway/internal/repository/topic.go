package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type KafkaDialer interface {
	DialContext(ctx context.Context, network, address string) (KafkaConn, error)
}

type KafkaConn interface {
	Controller() (kafka.Broker, error)
	Close() error
	CreateTopics(topics ...kafka.TopicConfig) error
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
}

// RealKafkaDialer adapts *kafka.Dialer
type RealKafkaDialer struct{ *kafka.Dialer }

func (d *RealKafkaDialer) DialContext(ctx context.Context, network, address string) (KafkaConn, error) {
	conn, err := d.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var ErrTopicNotReady = errors.New("topic not ready")

// TopicCreator makes sure the alert event topic exists before the publisher
// starts writing to it.
type TopicCreator struct {
	logger     *zap.Logger
	dialer     KafkaDialer
	partitions int
	retries    int
	backoff    time.Duration
}

func NewTopicCreator(logger *zap.Logger, dialer KafkaDialer, partitions int) *TopicCreator {
	if partitions <= 0 {
		partitions = 1
	}
	return &TopicCreator{
		logger:     logger,
		dialer:     dialer,
		partitions: partitions,
		retries:    5,
		backoff:    200 * time.Millisecond,
	}
}

// SetBackoff overrides the readiness polling schedule. Used by tests.
func (tc *TopicCreator) SetBackoff(retries int, backoff time.Duration) {
	tc.retries = retries
	tc.backoff = backoff
}

func (tc *TopicCreator) Ensure(ctx context.Context, brokers []string, topic string) error {
	var (
		conn KafkaConn
		err  error
	)
	for _, addr := range brokers {
		conn, err = tc.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
	}
	if conn == nil {
		if err == nil {
			err = errors.New("no brokers configured")
		}
		return fmt.Errorf("dial brokers: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("get controller: %w", err)
	}

	controllerAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	controllerConn, err := tc.dialer.DialContext(ctx, "tcp", controllerAddr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", controllerAddr, err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     tc.partitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		tc.logger.Info("Topic creation finished (might already exist)", zap.String("topic", topic), zap.Error(err))
	} else {
		tc.logger.Info("Topic creation request sent", zap.String("topic", topic))
	}

	return tc.waitForTopic(ctx, conn, topic)
}

func (tc *TopicCreator) waitForTopic(ctx context.Context, conn KafkaConn, topic string) error {
	for i := 0; i < tc.retries; i++ {
		partitions, err := conn.ReadPartitions(topic)
		if err == nil && len(partitions) > 0 {
			tc.logger.Info("Topic is ready", zap.String("topic", topic), zap.Int("partitions", len(partitions)))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tc.backoff):
		}
	}
	return fmt.Errorf("%w: %s", ErrTopicNotReady, topic)
}
