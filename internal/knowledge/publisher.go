// Package knowledge publishes closed cases to the knowledge base topic.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/config"
	"github.com/supportdesk/case-service/internal/domain"
)

// ErrDisabled is returned when no brokers are configured.
var ErrDisabled = errors.New("knowledge publishing disabled: KB_KAFKA_BROKERS not set")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one JSON article per closed case, keyed by case id.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher builds a publisher for the configured brokers and topic.
func NewKafkaPublisher(cfg config.KnowledgeConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrDisabled
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(writer, logger), nil
}

func newKafkaPublisher(writer messageWriter, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

// Publish writes article. Retries are left to the caller.
func (p *KafkaPublisher) Publish(ctx context.Context, article domain.KnowledgeArticle) error {
	value, err := json.Marshal(article)
	if err != nil {
		return fmt.Errorf("encode article: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(article.CaseID),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write article: %w", err)
	}
	p.logger.Info("knowledge article published", zap.String("case_id", article.CaseID), zap.String("title", article.Title))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Disabled rejects every publish.
type Disabled struct{}

func (Disabled) Publish(context.Context, domain.KnowledgeArticle) error {
	return ErrDisabled
}
