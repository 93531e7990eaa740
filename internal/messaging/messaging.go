// Package messaging delivers outbound chat messages. Callers pace sends
// through internal/throttle; drivers only perform the transport call.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatfabric/pkg/logx"
)

const (
	DriverLog      = "log"
	DriverTelegram = "telegram"
	DriverAMQP     = "amqp"
)

var ErrInvalidChannel = errors.New("invalid channel id")

// Message is one outbound text to a chat channel.
type Message struct {
	ChannelID string `json:"channelId"`
	Text      string `json:"text"`
	Tenant    string `json:"tenant,omitempty"`
	BotID     string `json:"botId,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Driver is a Sender that holds a connection.
type Driver interface {
	Sender
	Close() error
}

type Config struct {
	Driver   string
	Telegram TelegramConfig
	AMQP     AMQPConfig
}

type TelegramConfig struct {
	Token       string
	SendTimeout time.Duration
	ParseMode   string
}

type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Open builds the driver named by cfg.Driver (default log).
func Open(cfg Config, log logx.Logger) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverLog:
		return NewLogSender(log), nil
	case DriverTelegram:
		return NewTelegram(cfg.Telegram, log)
	case DriverAMQP:
		return NewAMQP(cfg.AMQP, log)
	default:
		return nil, fmt.Errorf("messaging: unsupported driver %q", cfg.Driver)
	}
}
