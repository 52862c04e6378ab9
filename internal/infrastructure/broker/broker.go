package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	domain "marketprices/internal/domain/entity/marketdata"
	"marketprices/internal/config"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Consumer subscribes to the imports fanout exchange and forwards quotes to
// the importer via a buffered batch writer.
type Consumer struct {
	cfg    config.RabbitMQConfig
	logger logrus.FieldLogger

	conn    *amqp.Connection
	channel *amqp.Channel
	tag     string
	wg      sync.WaitGroup
	batcher *ImportWriter
}

// NewConsumer prepares a consumer for the given configuration.
func NewConsumer(cfg config.RabbitMQConfig, importer QuoteImporter, logger logrus.FieldLogger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.ImportsExchange == "" {
		return nil, errors.New("imports exchange is required")
	}
	batchCfg := BatchConfig{
		Size:    cfg.BatchSize,
		Timeout: cfg.BatchTimeout,
	}
	return &Consumer{
		cfg:     cfg,
		logger:  logger.WithField("component", "import_consumer"),
		tag:     "marketprices-import-" + uuid.NewString(),
		batcher: NewImportWriter(batchCfg, importer, logger),
	}, nil
}

// Start establishes the AMQP connection and begins consuming.
func (c *Consumer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	c.conn = conn
	c.batcher.Run(ctx)

	deliveries, err := c.subscribe(c.cfg.ImportsExchange)
	if err != nil {
		c.Close(ctx)
		return err
	}
	c.wg.Add(1)
	go c.consumeLoop(ctx, deliveries)

	c.logger.WithField("exchange", c.cfg.ImportsExchange).Info("rabbitmq consumer started")
	return nil
}

// Close stops consumption, imports the buffered messages while the channel
// can still ack them, and releases resources. Messages left unacked are
// redelivered by the broker.
func (c *Consumer) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.channel != nil {
		if err := c.channel.Cancel(c.tag, false); err != nil {
			c.logger.WithError(err).Warn("cancel consumer")
		}
	}
	c.wg.Wait()
	err := c.batcher.Stop(ctx)

	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return err
}

func (c *Consumer) subscribe(exchange string) (<-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue for %s: %w", exchange, err)
	}
	if err := ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue %s to %s: %w", queue.Name, exchange, err)
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos for %s: %w", exchange, err)
	}
	deliveries, err := ch.Consume(queue.Name, c.tag, false, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("start consume for %s: %w", exchange, err)
	}
	c.channel = ch
	return deliveries, nil
}

func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(delivery, delivery.Body)
		}
	}
}

var errMalformedMessage = errors.New("malformed message")

// acknowledger is the settling side of amqp.Delivery.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// handleDelivery buffers the quotes of one message. The message is acked
// only once its batch was imported.
func (c *Consumer) handleDelivery(d acknowledger, body []byte) {
	quotes, err := decodeQuotes(body)
	if err != nil {
		c.settle(d, err)
		return
	}
	if err := c.batcher.Add(quotes, func(err error) { c.settle(d, err) }); err != nil {
		c.settle(d, err)
	}
}

// settle acks a delivery or nacks it. Undecodable or invalid messages would
// fail again and are dropped; anything else is requeued.
func (c *Consumer) settle(d acknowledger, err error) {
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.WithError(ackErr).Warn("failed to ack delivery")
		}
		return
	}
	requeue := !errors.Is(err, errMalformedMessage)
	c.logger.WithError(err).WithField("requeue", requeue).Warn("failed to process message")
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		c.logger.WithError(nackErr).Warn("failed to nack delivery")
	}
}

// decodeQuotes checks the whole message before any quote is buffered.
func decodeQuotes(body []byte) ([]*domain.Quote, error) {
	var payload QuoteMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %w", errMalformedMessage, err)
	}
	if len(payload.Quotes) == 0 {
		return nil, fmt.Errorf("%w: no quotes", errMalformedMessage)
	}
	quotes := make([]*domain.Quote, 0, len(payload.Quotes))
	for i := range payload.Quotes {
		q := &payload.Quotes[i]
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("%w: quote %d: %w", errMalformedMessage, i, err)
		}
		if q.Source == "" {
			q.Source = domain.SourceLog
		}
		if !q.Source.IsValid() {
			return nil, fmt.Errorf("%w: quote %d: source %q", errMalformedMessage, i, q.Source)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}
