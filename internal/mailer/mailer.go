// Package mailer delivers messages from the contact form.
package mailer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mailgun/mailgun-go/v4"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/logging"
)

// ContactMessage is what a visitor submits through the contact form. Email
// is optional.
type ContactMessage struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"omitempty,email,max=320"`
	Message string `json:"message" validate:"required,max=5000"`
}

type Sender interface {
	SendContact(ctx context.Context, msg ContactMessage) error
}

// messenger is the part of the Mailgun client we use.
type messenger interface {
	NewMessage(from, subject, text string, to ...string) *mailgun.Message
	Send(ctx context.Context, m *mailgun.Message) (string, string, error)
}

// Mailgun sends contact messages to a fixed recipient.
type Mailgun struct {
	client    messenger
	sender    string
	recipient string
	timeout   time.Duration
	logger    *zap.Logger
}

func NewMailgun(domain, apiKey, sender, recipient string, logger *zap.Logger) *Mailgun {
	return newMailgun(mailgun.NewMailgun(domain, apiKey), sender, recipient, logger)
}

func newMailgun(client messenger, sender, recipient string, logger *zap.Logger) *Mailgun {
	return &Mailgun{
		client:    client,
		sender:    sender,
		recipient: recipient,
		timeout:   10 * time.Second,
		logger:    logging.OrNop(logger),
	}
}

func (m *Mailgun) SendContact(ctx context.Context, msg ContactMessage) error {
	ref := uuid.NewString()
	subject := fmt.Sprintf("Contact form: %s", msg.Name)
	email := m.client.NewMessage(m.sender, subject, contactBody(ref, msg), m.recipient)
	if msg.Email != "" {
		email.SetReplyTo(msg.Email)
	}

	c, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, id, err := m.client.Send(c, email)
	if err != nil {
		m.logger.Error("contact email failed", zap.String("ref", ref), zap.Error(err))
		return apperr.Unavailable("mail", err)
	}
	m.logger.Info("contact email sent", zap.String("ref", ref), zap.String("mailgun_id", id))
	return nil
}

func contactBody(ref string, msg ContactMessage) string {
	from := msg.Email
	if from == "" {
		from = "not provided"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", msg.Name)
	fmt.Fprintf(&b, "Email: %s\n", from)
	fmt.Fprintf(&b, "Reference: %s\n\n", ref)
	b.WriteString(msg.Message)
	return b.String()
}

// Nop logs contact messages instead of sending them. It is used when Mailgun
// is not configured.
type Nop struct {
	Logger *zap.Logger
}

func (n Nop) SendContact(_ context.Context, msg ContactMessage) error {
	logging.OrNop(n.Logger).Info("mailer disabled, contact message dropped",
		zap.String("name", msg.Name),
		zap.String("email", msg.Email),
		zap.Int("length", len(msg.Message)),
	)
	return nil
}
