package messaging

import (
	"context"
	"strings"
	"sync"

	"chatfabric/pkg/logx"
)

// LogSender writes messages to the log instead of a chat platform. It keeps
// the last messages it sent so local runs and tests can inspect them.
type LogSender struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Message
}

const logSenderKeep = 1000

func NewLogSender(log logx.Logger) *LogSender {
	return &LogSender{log: log.With(logx.Component("messaging"), logx.String("driver", DriverLog))}
}

func (s *LogSender) Send(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.ChannelID) == "" {
		return ErrInvalidChannel
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("message sent",
		logx.String("channel", m.ChannelID),
		logx.String("tenant", m.Tenant),
		logx.Int("len", len(m.Text)),
	)
	s.mu.Lock()
	s.sent = append(s.sent, m)
	if len(s.sent) > logSenderKeep {
		s.sent = s.sent[len(s.sent)-logSenderKeep:]
	}
	s.mu.Unlock()
	return nil
}

// Sent returns a copy of the retained messages, oldest first.
func (s *LogSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

func (s *LogSender) Close() error { return nil }
