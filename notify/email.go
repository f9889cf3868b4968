package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/smtp"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/warp/recurrence-engine/generic"
)

// SMTPConfig holds outgoing mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

func (c SMTPConfig) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender mails reminders to the obligation's recipient.
type EmailSender struct {
	Config   SMTPConfig
	SendMail SendMailFunc
	Now      func() time.Time
}

func NewEmailSender(cfg SMTPConfig) *EmailSender {
	return &EmailSender{Config: cfg, SendMail: smtp.SendMail, Now: time.Now}
}

func (s *EmailSender) Send(_ context.Context, ob generic.Obligation, reminderType generic.ReminderType) error {
	if ob.Recipient == "" {
		return fmt.Errorf("obligation %s has no recipient", ob.ID)
	}

	raw, err := s.Compose(ob, reminderType)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if s.Config.Username != "" {
		auth = smtp.PlainAuth("", s.Config.Username, s.Config.Password, s.Config.Host)
	}
	if err := s.SendMail(s.Config.addr(), auth, s.Config.From, []string{ob.Recipient}, raw); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// Compose renders the full message, headers included.
func (s *EmailSender) Compose(ob generic.Obligation, reminderType generic.ReminderType) ([]byte, error) {
	rendered := RenderReminder(ob, reminderType)

	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Name: s.Config.FromName, Address: s.Config.From}})
	h.SetAddressList("To", []*mail.Address{{Address: ob.Recipient}})
	h.SetSubject(rendered.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("X-Reminder-Type", string(reminderType))

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}
	if _, err := io.WriteString(w, rendered.Body); err != nil {
		return nil, fmt.Errorf("writing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *EmailSender) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
