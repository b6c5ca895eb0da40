package source

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"lobreplay/pkg/exception"
)

// KafkaConfig selects the topic carrying raw rows as JSON message values.
type KafkaConfig struct {
	Brokers  []string      `json:"brokers" yaml:"brokers"`
	Topic    string        `json:"topic" yaml:"topic"`
	GroupID  string        `json:"groupId" yaml:"groupId"`
	MinBytes int           `json:"minBytes" yaml:"minBytes"`
	MaxBytes int           `json:"maxBytes" yaml:"maxBytes"`
	MaxWait  time.Duration `json:"maxWait" yaml:"maxWait"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes one topic through a consumer group. Offsets are committed only
// through Commit.
type KafkaSource struct {
	topic   string
	reader  messageReader
	pending []kafka.Message
}

// NewKafkaSource creates a group reader for cfg.
func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka brokers and topic are required", exception.ErrInvalidArgument)
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "lobreplay-" + cfg.Topic
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})
	return newKafkaSource(cfg.Topic, reader), nil
}

func newKafkaSource(topic string, reader messageReader) *KafkaSource {
	return &KafkaSource{topic: topic, reader: reader}
}

// Next blocks until a message arrives or ctx ends.
func (s *KafkaSource) Next(ctx context.Context) (Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	s.pending = append(s.pending, m)
	msg := Message{
		File:   fmt.Sprintf("%s/%d", m.Topic, m.Partition),
		Offset: m.Offset + 1,
	}
	row, err := decodeRow(m.Value)
	if err != nil {
		return msg, fmt.Errorf("%w: %s@%d: %v", exception.ErrMalformedEventBody, msg.File, m.Offset, err)
	}
	msg.Row = row
	return msg, nil
}

// Commit acknowledges every message returned by Next so far.
func (s *KafkaSource) Commit(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, s.pending...); err != nil {
		return err
	}
	s.pending = s.pending[:0]
	return nil
}

// Close stops the reader without committing.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
