package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/pkg/book"
)

// KafkaSettler hands transfers to a downstream settlement service through a
// Kafka topic. Messages are keyed by order id so consumers can deduplicate
// and a partition sees every transfer of an order in order.
type KafkaSettler struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewKafkaSettler(brokers []string, topic string, log *zap.SugaredLogger) *KafkaSettler {
	return &KafkaSettler{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		log: log,
	}
}

func transferMessage(t Transfer) (kafka.Message, error) {
	value, err := json.Marshal(t)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(t.OrderID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "lock-id", Value: []byte(t.LockID)},
		},
		Time: t.At,
	}, nil
}

func (s *KafkaSettler) Commit(ctx context.Context, t Transfer) error {
	msg, err := transferMessage(t)
	if err != nil {
		return fmt.Errorf("%w: encode transfer %s: %v", book.ErrSettlement, t.OrderID, err)
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: publish transfer %s: %v", book.ErrSettlement, t.OrderID, err)
	}
	s.log.Debugw("transfer_published", "order", t.OrderID.String(), "lock", t.LockID)
	return nil
}

func (s *KafkaSettler) Close() error {
	return s.writer.Close()
}
