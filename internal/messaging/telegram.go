package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"chatfabric/internal/jobstore"
	"chatfabric/pkg/logx"
)

// telegramMaxText is the Bot API limit for one message, in characters.
const telegramMaxText = 4096

// Telegram sends through the Bot API. Channel ids are "chatID" or
// "chatID:threadID" for forum topics.
type Telegram struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Send-only: no poller is started, and Offline skips the getMe call.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		cfg: cfg,
		log: log.With(logx.Component("messaging"), logx.String("driver", DriverTelegram)),
		bot: b,
	}, nil
}

func (t *Telegram) Send(ctx context.Context, m Message) error {
	chatID, threadID, err := ParseTelegramChannel(m.ChannelID)
	if err != nil {
		return err
	}
	opts := &tele.SendOptions{ParseMode: t.cfg.ParseMode, ThreadID: threadID}
	for i, part := range SplitText(m.Text, telegramMaxText) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(&tele.Chat{ID: chatID}, part, opts); err != nil {
			t.log.Warn("telegram send failed",
				logx.String("channel", m.ChannelID),
				logx.Int("part", i),
				logx.Err(err),
			)
			return mapTelegramError(err)
		}
	}
	return nil
}

func (t *Telegram) Close() error { return nil }

// mapTelegramError turns flood control replies into a retry hint for the job
// store and bad-request replies into permanent failures.
func mapTelegramError(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return jobstore.RetryAfter(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil && fp.RetryAfter > 0 {
		return jobstore.RetryAfter(err, time.Duration(fp.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusBadRequest {
		return jobstore.NoRetry(err)
	}
	return err
}

// ParseTelegramChannel splits "chatID[:threadID]".
func ParseTelegramChannel(id string) (chatID int64, threadID int, err error) {
	id = strings.TrimSpace(id)
	chatPart, threadPart, hasThread := strings.Cut(id, ":")
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidChannel, id)
	}
	if hasThread {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil || threadID <= 0 {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidChannel, id)
		}
	}
	return chatID, threadID, nil
}

// SplitText cuts text into parts of at most max runes, preferring to break
// after a newline, then after a space.
func SplitText(text string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}
	var parts []string
	for utf8.RuneCountInString(text) > max {
		cut := byteOffset(text, max)
		head := text[:cut]
		if i := strings.LastIndexByte(head, '\n'); i > 0 {
			cut = i + 1
		} else if i := strings.LastIndexByte(head, ' '); i > 0 {
			cut = i + 1
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

func byteOffset(s string, runes int) int {
	n := 0
	for i := range s {
		if n == runes {
			return i
		}
		n++
	}
	return len(s)
}
