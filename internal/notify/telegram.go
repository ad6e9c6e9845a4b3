package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"citas/internal/models"
)

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink delivers to recipients with a Telegram chat id.
type TelegramSink struct {
	api TelegramSender
}

func NewTelegramSink(api TelegramSender) *TelegramSink {
	return &TelegramSink{api: api}
}

func (s *TelegramSink) Channel() models.NotificationChannel { return models.ChannelTelegram }

func (s *TelegramSink) Accepts(r Recipient) bool { return r.TelegramChatID != 0 }

func (s *TelegramSink) Send(ctx context.Context, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID := n.Recipient.TelegramChatID

	var c tgbotapi.Chattable
	if a := n.Attachment; a != nil {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: a.Filename, Bytes: a.Data})
		doc.Caption = n.Message
		c = doc
	} else {
		c = tgbotapi.NewMessage(chatID, n.Message)
	}

	if _, err := s.api.Send(c); err != nil {
		return classifyTelegram(err)
	}
	return nil
}

func classifyTelegram(err error) error {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return err
	}
	se := &SendError{Code: tgErr.Code, Message: tgErr.Message}
	switch tgErr.Code {
	case http.StatusTooManyRequests:
		se.RetryAfter = time.Duration(tgErr.RetryAfter) * time.Second
	case http.StatusForbidden, http.StatusBadRequest:
		// Bot blocked by the user, or a malformed request.
		se.Permanent = true
	}
	return se
}

// LogSink writes notifications to the log. It accepts every recipient and
// serves as the last resort when no other sink can reach one.
type LogSink struct {
	logger *zerolog.Logger
}

func NewLogSink(logger *zerolog.Logger) *LogSink {
	l := logger.With().Str("component", "notify_log").Logger()
	return &LogSink{logger: &l}
}

func (s *LogSink) Channel() models.NotificationChannel { return models.ChannelLog }

func (s *LogSink) Accepts(Recipient) bool { return true }

func (s *LogSink) Send(_ context.Context, n *Notification) error {
	ev := s.logger.Info().
		Str("notification_id", n.ID).
		Int64("user_id", n.Recipient.UserID).
		Str("template", n.Template).
		Str("message", n.Message)
	if n.Attachment != nil {
		ev = ev.Str("attachment", n.Attachment.Filename).Int("attachment_bytes", len(n.Attachment.Data))
	}
	ev.Msg("Notification")
	return nil
}
