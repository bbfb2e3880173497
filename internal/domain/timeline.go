package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies timeline entries.
type EventType string

const (
	EventIngest        EventType = "INGEST"
	EventAIAnalysis    EventType = "AI_ANALYSIS"
	EventHumanApprove  EventType = "HUMAN_APPROVE"
	EventReplyReceived EventType = "REPLY_RECEIVED"
	EventStatusChange  EventType = "STATUS_CHANGE"
)

// EventActor indicates who caused a timeline entry.
type EventActor string

const (
	ActorSystem   EventActor = "SYSTEM"
	ActorAI       EventActor = "AI"
	ActorUser     EventActor = "USER"
	ActorEngineer EventActor = "ENGINEER"
)

// Well-known metadata keys.
const (
	MetaRequestID  = "request_id"
	MetaOperator   = "operator"
	MetaFromStatus = "from_status"
	MetaToStatus   = "to_status"
	MetaNote       = "note"
)

// TimelineEvent is an immutable fact about a case.
type TimelineEvent struct {
	ID       string         `json:"id"`
	CaseID   string         `json:"case_id"`
	Seq      int64          `json:"seq"`
	Time     time.Time      `json:"timestamp"`
	Type     EventType      `json:"type"`
	Actor    EventActor     `json:"actor"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewTimelineEvent builds an event; the ledger assigns Seq on append.
func NewTimelineEvent(eventType EventType, actor EventActor, message string, metadata map[string]any) TimelineEvent {
	return TimelineEvent{
		ID:       "evt-" + uuid.NewString(),
		Type:     eventType,
		Actor:    actor,
		Message:  message,
		Metadata: metadata,
	}
}

// RequestID returns the idempotency key recorded on the event, if any.
func (e TimelineEvent) RequestID() string {
	if e.Metadata == nil {
		return ""
	}
	id, _ := e.Metadata[MetaRequestID].(string)
	return id
}

// Before orders events by time with sequence as tie-break.
func (e TimelineEvent) Before(other TimelineEvent) bool {
	if !e.Time.Equal(other.Time) {
		return e.Time.Before(other.Time)
	}
	return e.Seq < other.Seq
}
