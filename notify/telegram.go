package notify

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/warp/recurrence-engine/generic"
)

// BotAPI is the part of *tgbotapi.BotAPI the sender uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender posts reminders to a single chat.
type TelegramSender struct {
	API    BotAPI
	ChatID int64
}

// NewTelegramSender authenticates against the Bot API with token.
func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram token and chat id are required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	log.Printf("[Telegram] Authorized as %s", api.Self.UserName)
	return &TelegramSender{API: api, ChatID: chatID}, nil
}

func (s *TelegramSender) Send(_ context.Context, ob generic.Obligation, reminderType generic.ReminderType) error {
	rendered := RenderReminder(ob, reminderType)

	text := rendered.Subject + "\n\n" + rendered.Body
	if ob.Recipient != "" {
		text += "\nClient: " + ob.Recipient
	}

	msg := tgbotapi.NewMessage(s.ChatID, text)
	msg.DisableWebPagePreview = true

	sent, err := s.API.Send(msg)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	log.Printf("[Telegram] Sent %s reminder for %s (msg_id=%d)", reminderType, ob.ID, sent.MessageID)
	return nil
}
