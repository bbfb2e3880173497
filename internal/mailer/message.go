package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/supportdesk/case-service/internal/domain"
)

// BuildMessage renders an RFC 2822 plain-text message. Attachment references
// are listed at the end of the body; the mailer never carries file bytes.
func BuildMessage(from string, reply domain.OutboundReply, now time.Time) ([]byte, error) {
	to, err := mail.ParseAddress(reply.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", reply.To, err)
	}
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", from, err)
	}

	var b bytes.Buffer
	header := func(key, value string) {
		fmt.Fprintf(&b, "%s: %s\r\n", key, value)
	}
	header("From", sender.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", reply.Subject))
	header("Date", now.Format(time.RFC1123Z))
	if reply.InReplyTo != nil && *reply.InReplyTo != "" {
		header("In-Reply-To", *reply.InReplyTo)
		header("References", *reply.InReplyTo)
	}
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="UTF-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	body := strings.ReplaceAll(reply.Body, "\r\n", "\n")
	if len(reply.Attachments) > 0 {
		body += "\n\nAttachments:\n"
		for _, uri := range reply.Attachments {
			body += "- " + uri + "\n"
		}
	}
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes(), nil
}
