package service

import (
	"context"

	"github.com/supportdesk/case-service/internal/domain"
)

// Analyzer is the AI engine.
type Analyzer interface {
	// Analyze produces a fresh proposal; it must accept accumulated context on re-analysis.
	Analyze(ctx context.Context, input domain.AnalysisContext) (*domain.Proposal, error)
	// Chat answers an operator and may revise the reply draft or closure note.
	Chat(ctx context.Context, query domain.ChatQuery) (*domain.ChatAnswer, error)
	// DraftClosure summarizes root cause, resolution and prevention for a closing case.
	DraftClosure(ctx context.Context, snapshot domain.CaseSnapshot, closureNote string) (*domain.ClosureDraft, error)
}

// Mailer delivers approved replies.
type Mailer interface {
	SendReply(ctx context.Context, reply domain.OutboundReply) error
}

// KnowledgePublisher exports closed cases to the knowledge base.
type KnowledgePublisher interface {
	Publish(ctx context.Context, article domain.KnowledgeArticle) error
}

// AnalysisScheduler queues background analysis of a case.
type AnalysisScheduler interface {
	Enqueue(caseID string) error
}
