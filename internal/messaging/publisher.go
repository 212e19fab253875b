package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.EventPublisher = (*rabbitMQEventPublisher)(nil)

type rabbitMQEventPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewRabbitMQEventPublisher объявляет durable topic exchange для событий
// жизненного цикла слотов. Routing key — тип события (slot.locked и т.д.),
// консьюмеры (websocket-шлюз, аналитика) подписываются по маске slot.*.
func NewRabbitMQEventPublisher(conn *amqp.Connection, exchange string, logger *zap.Logger) (interfaces.EventPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("event publisher: не удалось открыть канал: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("event publisher: не удалось объявить exchange '%s': %w", exchange, err)
	}

	logger.Info("RabbitMQEventPublisher инициализирован", zap.String("exchange", exchange))
	return &rabbitMQEventPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger.Named("event_publisher"),
	}, nil
}

func (p *rabbitMQEventPublisher) PublishSlotEvent(ctx context.Context, event models.SlotEvent) error {
	if p.channel == nil {
		return errors.New("канал RabbitMQ не инициализирован")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Ошибка маршалинга SlotEvent", zap.Error(err))
		return fmt.Errorf("marshal slot event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		string(event.Type), // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("Ошибка публикации SlotEvent",
			zap.Error(err), zap.String("type", string(event.Type)), zap.Int64("slotID", event.SlotID))
		return fmt.Errorf("publish slot event: %w", err)
	}

	p.logger.Debug("SlotEvent опубликован",
		zap.String("type", string(event.Type)), zap.Int64("slotID", event.SlotID))
	return nil
}

func (p *rabbitMQEventPublisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
