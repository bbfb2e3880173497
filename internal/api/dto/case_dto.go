package dto

import (
	"time"

	"github.com/supportdesk/case-service/internal/domain"
)

// TriageRequest payload for POST /cases.
type TriageRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Logs           string   `json:"logs"`
	SenderEmail    string   `json:"sender_email"`
	SenderName     string   `json:"sender_name"`
	AttachmentURIs []string `json:"attachment_uris"`
	ThreadID       string   `json:"thread_id"`
	MessageID      string   `json:"message_id"`
}

// ApproveRequest payload for POST /cases/:id/approve.
type ApproveRequest struct {
	ActionType string  `json:"action_type"`
	ReplyBody  *string `json:"reply_body"`
	NextStatus string  `json:"next_status"`
}

// ReplyRequest payload for POST /cases/:id/reply.
type ReplyRequest struct {
	ReplyText      string   `json:"reply_text"`
	NewLogs        string   `json:"new_logs"`
	FromEmail      string   `json:"from_email"`
	AttachmentURIs []string `json:"attachment_uris"`
}

// CloseRequest payload for POST /cases/:id/close.
type CloseRequest struct {
	ClosureNote string `json:"closure_note"`
	PublishKB   bool   `json:"publish_kb"`
}

// ChatRequest payload for the chat endpoints.
type ChatRequest struct {
	Query string `json:"query"`
}

// InboundEmailRequest payload for POST /webhooks/inbound-email.
type InboundEmailRequest struct {
	Subject        string   `json:"subject"`
	Body           string   `json:"body"`
	FromEmail      string   `json:"from_email"`
	FromName       string   `json:"from_name"`
	ThreadID       string   `json:"thread_id"`
	MessageID      string   `json:"message_id"`
	AttachmentURIs []string `json:"attachment_uris"`
}

// CaseSummary is the list view of a case.
type CaseSummary struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	Status         domain.CaseStatus   `json:"status"`
	Priority       domain.CasePriority `json:"priority"`
	CustomerName   *string             `json:"customer_name"`
	SenderEmail    *string             `json:"sender_email"`
	WaitingFor     []string            `json:"waiting_for"`
	NextContactDue *time.Time          `json:"next_contact_due"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	Revision       int64               `json:"revision"`
}

// NewCaseSummary projects c into its list view.
func NewCaseSummary(c *domain.Case) CaseSummary {
	waiting := c.WaitingFor
	if waiting == nil {
		waiting = []string{}
	}
	return CaseSummary{
		ID:             c.ID,
		Title:          c.Title,
		Status:         c.Status,
		Priority:       c.Priority,
		CustomerName:   c.CustomerName,
		SenderEmail:    c.SenderEmail,
		WaitingFor:     waiting,
		NextContactDue: c.NextContactDue,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		Revision:       c.Revision,
	}
}
