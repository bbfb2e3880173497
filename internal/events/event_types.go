package events

import (
	"time"

	"github.com/supportdesk/case-service/internal/domain"
)

// EventType enumerates committed case mutations announced to handlers.
type EventType string

const (
	EventCaseCreated       EventType = "case_created"
	EventCaseTransitioned  EventType = "case_transitioned"
	EventProposalReplaced  EventType = "proposal_replaced"
	EventReplyReceived     EventType = "reply_received"
	EventReplySent         EventType = "reply_sent"
	EventCaseClosed        EventType = "case_closed"
	EventCollaboratorError EventType = "collaborator_failed"
)

// Event represents a committed mutation emitted by the executor.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	CaseID    string            `json:"case_id"`
	Actor     domain.EventActor `json:"actor"`
	Operator  string            `json:"operator,omitempty"`
	Revision  int64             `json:"revision"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   interface{}       `json:"payload"`
}

// CaseTransitionedPayload payload.
type CaseTransitionedPayload struct {
	Trigger string            `json:"trigger"`
	Class   string            `json:"class"`
	From    domain.CaseStatus `json:"from"`
	To      domain.CaseStatus `json:"to"`
}

// CaseCreatedPayload payload.
type CaseCreatedPayload struct {
	Title       string  `json:"title"`
	SenderEmail *string `json:"sender_email,omitempty"`
}

// ProposalReplacedPayload payload.
type ProposalReplacedPayload struct {
	ConfidenceScore float64 `json:"confidence_score"`
	HasReplyDraft   bool    `json:"has_reply_draft"`
}

// ReplySentPayload payload.
type ReplySentPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

// CaseClosedPayload payload.
type CaseClosedPayload struct {
	PublishRequested bool `json:"publish_requested"`
	Published        bool `json:"published"`
}

// CollaboratorErrorPayload payload.
type CollaboratorErrorPayload struct {
	Collaborator string `json:"collaborator"`
	Fatal        bool   `json:"fatal"`
	Error        string `json:"error"`
}
