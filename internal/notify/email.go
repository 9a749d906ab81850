package notify

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/email"
)

type ContactLookup interface {
	GetKnowledgebase(ctx context.Context, id string) (*chat.Knowledgebase, error)
	GetSessionBySessionID(ctx context.Context, sessionID string) (*chat.Session, error)
}

type SendFunc func(ctx context.Context, cfg email.SMTPConfig, m email.Message) error

// EmailNotifier mails the knowledgebase owner a visitor's offline message.
// Replies go to the visitor when the session carries an email.
type EmailNotifier struct {
	contacts ContactLookup
	smtp     email.SMTPConfig
	send     SendFunc
}

func NewEmailNotifier(contacts ContactLookup, cfg email.SMTPConfig, send SendFunc) *EmailNotifier {
	if send == nil {
		send = email.Send
	}
	return &EmailNotifier{contacts: contacts, smtp: cfg, send: send}
}

func (n *EmailNotifier) NotifyOffline(ctx context.Context, topicID, sessionID, text string) error {
	kb, err := n.contacts.GetKnowledgebase(ctx, topicID)
	if err != nil {
		return errors.Wrapf(err, "lookup contact for %s", topicID)
	}
	if kb.OwnerEmail == "" {
		return errors.Errorf("knowledgebase %s has no owner email", topicID)
	}

	site := kb.WebsiteURL
	if site == "" {
		site = kb.ID
	}
	msg := email.Message{
		To:      kb.OwnerEmail,
		ReplyTo: n.visitorEmail(ctx, sessionID),
		Subject: fmt.Sprintf("New message on %s", site),
		Body: "Hello,\n\n" +
			"A visitor on " + site + " sent a message while no operator was online:\n\n" +
			text + "\n\n" +
			"Open your dashboard to reply.\n",
	}
	if err := n.send(ctx, n.smtp, msg); err != nil {
		return errors.Wrap(err, "send offline email")
	}
	return nil
}

// visitorEmail is best effort; the owner still gets the mail without it.
func (n *EmailNotifier) visitorEmail(ctx context.Context, sessionID string) string {
	if sessionID == "" {
		return ""
	}
	sess, err := n.contacts.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		log.Debug().Err(err).Str("component", "notify").Str("session_id", sessionID).Msg("visitor lookup failed")
		return ""
	}
	return sess.Email
}
