package domain

import "time"

// AnalysisContext is everything the AI engine sees when (re)analyzing a case.
type AnalysisContext struct {
	Case          Case
	PriorProposal *Proposal
	Timeline      []TimelineEvent
	// ReplyText and NewLogs are set on re-analysis after a reply.
	ReplyText string
	NewLogs   string
	Now       time.Time
}

// ChatQuery asks the AI engine about one case, or about all open cases when Snapshot is nil.
type ChatQuery struct {
	Snapshot *CaseSnapshot
	Digest   []Case
	Query    string
	Operator string
	Now      time.Time
}

// ChatAnswer is the engine's response. Revised fields are nil when unchanged.
type ChatAnswer struct {
	Reply              string
	RevisedReplyBody   *string
	RevisedClosureNote *string
}

// OutboundReply is a message handed to the mailer.
type OutboundReply struct {
	CaseID      string
	To          string
	Subject     string
	Body        string
	Attachments []string
	ThreadID    *string
	InReplyTo   *string
}

// KnowledgeArticle is published to the knowledge base when a case closes.
type KnowledgeArticle struct {
	CaseID       string        `json:"case_id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	ClosureNote  string        `json:"closure_note"`
	ClosureDraft *ClosureDraft `json:"closure_draft,omitempty"`
	Priority     CasePriority  `json:"priority,omitempty"`
	ClosedBy     string        `json:"closed_by"`
	ClosedAt     time.Time     `json:"closed_at"`
}
