// Package rabbitmq publishes applied subscription changes to a RabbitMQ topic
// exchange. Publisher.Notify has the subsync.ChangeFunc signature and is meant
// to be set as subsync.Config.OnChange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// DefaultExchange is the topic exchange subscription changes are published to
const DefaultExchange = "subsync.subscriptions"

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config holds publisher configuration
type Config struct {
	// Exchange name (default: DefaultExchange)
	Exchange string

	// Logger (defaults to subsync.NoopLogger)
	Logger subsync.Logger
}

// Publisher publishes subsync.Change messages.
type Publisher struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	logger   subsync.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// ChangeMessage is the JSON body of a published change.
type ChangeMessage struct {
	EventID          string     `json:"event_id,omitempty"`
	EventType        string     `json:"event_type"`
	Outcome          string     `json:"outcome"`
	RecordID         string     `json:"record_id"`
	UserID           string     `json:"user_id"`
	ProviderUserID   string     `json:"provider_user_id"`
	Entitlement      string     `json:"entitlement,omitempty"`
	ProductID        string     `json:"product_id,omitempty"`
	IsActive         bool       `json:"is_active"`
	IsTrial          bool       `json:"is_trial"`
	WillRenew        bool       `json:"will_renew"`
	WasActive        bool       `json:"was_active"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	PublishedAt      time.Time  `json:"published_at"`
}

// Dial connects to RabbitMQ and declares the topic exchange.
func Dial(url string, config Config) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close() // Best-effort cleanup
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p := newPublisher(ch, config)
	err = ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		_ = ch.Close()   // Best-effort cleanup
		_ = conn.Close() // Best-effort cleanup
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	p.conn = conn

	p.logger.Info("RabbitMQ publisher connected", subsync.F("exchange", p.exchange))
	return p, nil
}

func newPublisher(ch channel, config Config) *Publisher {
	exchange := config.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
		now:      time.Now,
	}
}

// RoutingKey returns the routing key for a change, e.g. "subscription.created".
func RoutingKey(change subsync.Change) string {
	return "subscription." + string(change.Outcome)
}

// Message builds the message body for a change.
func Message(change subsync.Change, publishedAt time.Time) ChangeMessage {
	msg := ChangeMessage{
		Outcome:     string(change.Outcome),
		PublishedAt: publishedAt.UTC(),
	}
	if change.Event != nil {
		msg.EventID = change.Event.ID
		msg.EventType = string(change.Event.Type)
	}
	if cur := change.Current; cur != nil {
		msg.RecordID = cur.ID
		msg.UserID = cur.UserID
		msg.ProviderUserID = cur.ProviderUserID
		msg.Entitlement = cur.Entitlement
		msg.ProductID = cur.ProductID
		msg.IsActive = cur.IsActive
		msg.IsTrial = cur.IsTrial
		msg.WillRenew = cur.WillRenew
		msg.CurrentPeriodEnd = cur.CurrentPeriodEnd
	}
	if change.Previous != nil {
		msg.WasActive = change.Previous.IsActive
	}
	return msg
}

// Notify publishes change. It satisfies subsync.ChangeFunc.
func (p *Publisher) Notify(ctx context.Context, change subsync.Change) error {
	body, err := json.Marshal(Message(change, p.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	return p.Publish(ctx, RoutingKey(change), body)
}

// Publish sends a message to the exchange with the given routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    p.now(),
			Body:         payload,
		},
	)
	if err != nil {
		p.logger.Error("failed to publish message",
			subsync.F("routing_key", routingKey),
			subsync.F("error", err.Error()),
		)
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	p.logger.Debug("message published",
		subsync.F("routing_key", routingKey),
		subsync.F("size", len(payload)),
	)
	return nil
}

// Close closes the publisher connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", subsync.F("error", err.Error()))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return err
		}
	}
	return nil
}
