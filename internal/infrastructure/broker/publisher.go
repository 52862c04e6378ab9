package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	domain "marketprices/internal/domain/entity/marketdata"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher writes JSON messages to one RabbitMQ fanout exchange. The server
// uses it for price change notifications, the producer for quote imports.
type Publisher struct {
	channel  *amqp.Channel
	exchange string
	logger   logrus.FieldLogger
	mu       sync.Mutex
}

func NewPublisher(conn *amqp.Connection, exchange string, logger logrus.FieldLogger) (*Publisher, error) {
	if exchange == "" {
		return nil, errors.New("exchange name cannot be empty")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger.WithField("component", "publisher").WithField("exchange", exchange),
	}, nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.channel.Close(); err != nil {
		p.logger.WithError(err).Error("close rabbitmq channel")
	}
}

// OnPriceChanged publishes one message per call. Failures are logged; a lost
// notification never fails the round that caused it.
func (p *Publisher) OnPriceChanged(ctx context.Context, region domain.RegionID, items []domain.ItemID) {
	body, err := encodeChange(region, items, time.Now())
	if err != nil {
		p.logger.WithError(err).Error("encode price change")
		return
	}
	if err := p.publish(ctx, body); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"region": region,
			"items":  len(items),
		}).Warn("publish price change failed")
	}
}

// PublishQuotes sends quotes to the exchange as one QuoteMessage.
func (p *Publisher) PublishQuotes(ctx context.Context, quotes []domain.Quote) error {
	body, err := json.Marshal(QuoteMessage{Quotes: quotes})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return p.publish(ctx, body)
}

func (p *Publisher) publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func encodeChange(region domain.RegionID, items []domain.ItemID, at time.Time) ([]byte, error) {
	body, err := json.Marshal(ChangeMessage{
		Region:    region,
		Items:     items,
		ChangedAt: at.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return body, nil
}
