// Package mailer delivers approved replies.
package mailer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/supportdesk/case-service/internal/config"
	"github.com/supportdesk/case-service/internal/domain"
)

// ErrNotConfigured is returned when Gmail credentials are missing.
var ErrNotConfigured = errors.New("gmail mailer not configured")

type sendFunc func(ctx context.Context, msg *gmail.Message) error

// Gmail sends replies through the Gmail API on the support mailbox.
type Gmail struct {
	from   string
	send   sendFunc
	logger *zap.Logger
	now    func() time.Time
}

// NewOAuthConfig returns the OAuth client used for the support mailbox.
func NewOAuthConfig(cfg config.MailConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Scopes:       []string{gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}
}

// LoadToken reads a stored OAuth token.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var token oauth2.Token
	if err := json.NewDecoder(f).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return &token, nil
}

// NewGmail builds the mailer from a stored token. The token refreshes itself
// through the OAuth client.
func NewGmail(ctx context.Context, cfg config.MailConfig, logger *zap.Logger) (*Gmail, error) {
	if cfg.TokenFile == "" || cfg.OAuthClientID == "" || cfg.OAuthClientSecret == "" {
		return nil, ErrNotConfigured
	}
	token, err := LoadToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	client := NewOAuthConfig(cfg).Client(ctx, token)
	service, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return newGmail(cfg.From, func(ctx context.Context, msg *gmail.Message) error {
		_, err := service.Users.Messages.Send("me", msg).Context(ctx).Do()
		return err
	}, logger), nil
}

func newGmail(from string, send sendFunc, logger *zap.Logger) *Gmail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gmail{from: from, send: send, logger: logger, now: time.Now}
}

// SendReply delivers reply, threading it when the case came from mail.
func (g *Gmail) SendReply(ctx context.Context, reply domain.OutboundReply) error {
	raw, err := BuildMessage(g.from, reply, g.now())
	if err != nil {
		return err
	}
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if reply.ThreadID != nil {
		msg.ThreadId = *reply.ThreadID
	}
	if err := g.send(ctx, msg); err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	g.logger.Info("reply sent",
		zap.String("case_id", reply.CaseID),
		zap.String("to", reply.To),
		zap.String("thread_id", msg.ThreadId))
	return nil
}

// LogMailer only logs replies. It stands in when Gmail is not configured.
type LogMailer struct {
	Logger *zap.Logger
}

func (m LogMailer) SendReply(_ context.Context, reply domain.OutboundReply) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("reply not sent (mail delivery disabled)",
		zap.String("case_id", reply.CaseID),
		zap.String("to", reply.To),
		zap.String("subject", reply.Subject),
		zap.Int("body_bytes", len(reply.Body)))
	return nil
}
