package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CaseStatus enumerates lifecycle states for cases.
type CaseStatus string

const (
	CaseStatusNew             CaseStatus = "NEW"
	CaseStatusAnalyzing       CaseStatus = "ANALYZING"
	CaseStatusProposed        CaseStatus = "PROPOSED"
	CaseStatusWaitingCustomer CaseStatus = "WAITING_CUSTOMER"
	CaseStatusWaitingInternal CaseStatus = "WAITING_INTERNAL"
	CaseStatusValidating      CaseStatus = "VALIDATING"
	CaseStatusClosing         CaseStatus = "CLOSING"
	CaseStatusClosed          CaseStatus = "CLOSED"
)

// CaseStatuses lists every lifecycle state in workflow order.
var CaseStatuses = []CaseStatus{
	CaseStatusNew,
	CaseStatusAnalyzing,
	CaseStatusProposed,
	CaseStatusWaitingCustomer,
	CaseStatusWaitingInternal,
	CaseStatusValidating,
	CaseStatusClosing,
	CaseStatusClosed,
}

// Valid reports whether s is a known lifecycle state.
func (s CaseStatus) Valid() bool {
	for _, candidate := range CaseStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseCaseStatus normalizes user input into a CaseStatus.
func ParseCaseStatus(raw string) (CaseStatus, bool) {
	status := CaseStatus(strings.ToUpper(strings.TrimSpace(raw)))
	return status, status.Valid()
}

// CasePriority enumerates urgency; empty means not yet classified.
type CasePriority string

const (
	CasePriorityUnset CasePriority = ""
	CasePriorityP0    CasePriority = "P0"
	CasePriorityP1    CasePriority = "P1"
	CasePriorityP2    CasePriority = "P2"
	CasePriorityP3    CasePriority = "P3"
)

// Valid reports whether p is a classified priority.
func (p CasePriority) Valid() bool {
	switch p {
	case CasePriorityP0, CasePriorityP1, CasePriorityP2, CasePriorityP3:
		return true
	}
	return false
}

// Waiting reason tags describing why a case is paused.
const (
	WaitingEngineerApproval = "Waiting:EngineerApproval"
	WaitingCustomer         = "Waiting:Customer"
	WaitingInternal         = "Waiting:Internal"
	WaitingValidation       = "Waiting:Validation"
	WaitingClosure          = "Waiting:Closure"
)

// Case is the aggregate for a customer support incident.
type Case struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	Logs             string       `json:"logs,omitempty"`
	Status           CaseStatus   `json:"status"`
	Priority         CasePriority `json:"priority"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	NextContactDue   *time.Time   `json:"next_contact_due"`
	SenderEmail      *string      `json:"sender_email"`
	SenderName       *string      `json:"sender_name"`
	CustomerName     *string      `json:"customer_name"`
	EscalationTarget *string      `json:"escalation_target"`
	WaitingFor       []string     `json:"waiting_for"`
	AttachmentURIs   []string     `json:"attachment_uris"`
	// ThreadID and MessageID tie the case to an inbound mail thread.
	ThreadID  *string `json:"thread_id,omitempty"`
	MessageID *string `json:"message_id,omitempty"`
	// Revision increases by one on every committed mutation.
	Revision int64 `json:"revision"`
}

// Clone returns a deep copy safe to mutate.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.NextContactDue = cloneTime(c.NextContactDue)
	out.SenderEmail = cloneString(c.SenderEmail)
	out.SenderName = cloneString(c.SenderName)
	out.CustomerName = cloneString(c.CustomerName)
	out.EscalationTarget = cloneString(c.EscalationTarget)
	out.ThreadID = cloneString(c.ThreadID)
	out.MessageID = cloneString(c.MessageID)
	out.WaitingFor = append([]string{}, c.WaitingFor...)
	out.AttachmentURIs = append([]string{}, c.AttachmentURIs...)
	return &out
}

// NewCaseID generates an opaque, prefixed case identifier.
func NewCaseID() string {
	return "case-" + uuid.NewString()
}

// CaseSnapshot is the consistent read model: case, current proposal and full timeline.
type CaseSnapshot struct {
	Case     Case            `json:"case"`
	Proposal *Proposal       `json:"proposal"`
	Timeline []TimelineEvent `json:"timeline"`
}

// Revision identifies the committed state the snapshot reflects.
func (s *CaseSnapshot) Revision() int64 {
	if s == nil {
		return 0
	}
	return s.Case.Revision
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr returns a pointer to a trimmed string, or nil when empty.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
