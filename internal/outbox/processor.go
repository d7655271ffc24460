package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fulfillment/internal/domain"
	kafka_infra "fulfillment/internal/infrastructure/kafka"
	"fulfillment/internal/repository/outbox_repo"
)

const pollBatchSize = 10

// Processor relays terminal order events from the outbox table to Kafka.
// Rows are locked for the duration of a poll (FOR UPDATE SKIP LOCKED), so
// multiple instances never publish the same event twice.
type Processor struct {
	txm          domain.TxManager
	outboxRepo   outbox_repo.OutboxRepository
	producer     kafka_infra.Producer
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewProcessor(
	txm domain.TxManager,
	outboxRepo outbox_repo.OutboxRepository,
	producer kafka_infra.Producer,
	pollInterval time.Duration,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		txm:          txm,
		outboxRepo:   outboxRepo,
		producer:     producer,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Outbox processor started", zap.Duration("poll_interval", p.pollInterval))
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopped")
			return
		case <-ticker.C:
			p.publishPending(ctx)
		}
	}
}

func (p *Processor) publishPending(ctx context.Context) {
	err := p.txm.WithTx(ctx, func(tx domain.Querier) error {
		messages, err := p.outboxRepo.GetPendingMessages(ctx, tx, pollBatchSize)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}

		var sent []string
		for _, msg := range messages {
			if err := p.producer.Produce(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
				p.logger.Error("Failed to publish outbox message, leaving pending",
					zap.String("message_id", msg.ID),
					zap.String("topic", msg.Topic),
					zap.Error(err),
				)
				continue
			}
			sent = append(sent, msg.ID)
		}
		if len(sent) > 0 {
			p.logger.Info("Published outbox messages", zap.Int("count", len(sent)))
		}
		return p.outboxRepo.MarkMessagesAsSent(ctx, tx, sent)
	})
	if err != nil {
		p.logger.Error("Outbox poll failed", zap.Error(err))
	}
}
