package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// Rows are written one at a time and synchronously, so a message must not
// wait for a batch to fill.
const kafkaBatchTimeout = 5 * time.Millisecond

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// rowMessage is the Kafka payload for one row.
type rowMessage struct {
	Table   string            `json:"table"`
	Columns []string          `json:"columns"`
	Values  []string          `json:"values"`
	Fields  map[string]string `json:"fields"`
}

// KafkaWriter publishes every row as one JSON message keyed by table.
type KafkaWriter struct {
	writer messageWriter
	topic  string
	log    *logger.Log
}

func NewKafkaWriter(cfg appconfig.KafkaConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := newKafkaWriter(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    1,
		BatchTimeout: kafkaBatchTimeout,
	}, cfg.Topic)

	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(w messageWriter, topic string) *KafkaWriter {
	return &KafkaWriter{writer: w, topic: topic, log: logger.GetLogger()}
}

func (kw *KafkaWriter) Write(ctx context.Context, row models.Row) error {
	data, err := json.Marshal(rowMessage{
		Table:   row.Table,
		Columns: row.Columns,
		Values:  row.Values,
		Fields:  row.Map(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	msg := kafka.Message{Key: []byte(row.Table), Value: data}
	if err := kw.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to %s: %w", kw.topic, err)
	}
	return nil
}

func (kw *KafkaWriter) Close() error {
	kw.log.WithComponent("kafka_writer").Debug("stopping kafka writer")
	return kw.writer.Close()
}
