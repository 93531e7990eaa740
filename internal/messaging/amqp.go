package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"chatfabric/pkg/logx"
)

// AMQP hands messages to a broker for an external delivery worker. Each
// message is published persistent as JSON, routed by RoutingKey (default the
// tenant, then "messages").
type AMQP struct {
	cfg AMQPConfig
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQP(cfg AMQPConfig, log logx.Logger) (*AMQP, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = "fabric.messages"
	}
	a := &AMQP{cfg: cfg, log: log.With(logx.Component("messaging"), logx.String("driver", DriverAMQP))}
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a, nil
}

// connect dials and declares the exchange. Caller holds mu or owns a.
func (a *AMQP) connect() error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		a.cfg.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	a.conn, a.ch = conn, ch
	return nil
}

func (a *AMQP) routingKey(m Message) string {
	if k := strings.TrimSpace(a.cfg.RoutingKey); k != "" {
		return k
	}
	if m.Tenant != "" {
		return m.Tenant
	}
	return "messages"
}

func (a *AMQP) Send(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.ChannelID) == "" {
		return ErrInvalidChannel
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		a.log.Warn("amqp connection lost; reconnecting")
		if err := a.connect(); err != nil {
			return err
		}
	}
	err = a.ch.Publish(
		a.cfg.Exchange,
		a.routingKey(m),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn, a.ch = nil, nil
	return err
}
