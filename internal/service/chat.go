package service

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/events"
	"github.com/supportdesk/case-service/internal/lifecycle"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

var caseIDPattern = regexp.MustCompile(`case-[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// ChatInput is an operator question, scoped to one case when CaseID is set.
type ChatInput struct {
	CaseID   string
	Query    string
	Operator string
}

// ChatResult carries the engine's answer. Snapshot is set when the case was
// revised (Updated) or when the question focused on a single case.
type ChatResult struct {
	Reply    string               `json:"reply"`
	Snapshot *domain.CaseSnapshot `json:"snapshot,omitempty"`
	Updated  bool                 `json:"updated"`
}

// Chat answers an operator question. On a case with a proposal, the engine may
// revise the reply draft body or the closure note.
func (s *CaseService) Chat(ctx context.Context, in ChatInput) (*ChatResult, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, apperrors.NewValidationError("query is required", map[string]any{"field": "query"})
	}
	if s.analyzer == nil {
		return nil, apperrors.NewCollaboratorError("ai", false, errNotConfigured)
	}
	operator := s.operatorName(in.Operator)
	if strings.TrimSpace(in.CaseID) == "" {
		return s.globalChat(ctx, query, operator)
	}

	snap, err := s.GetCase(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	answer, err := s.askEngine(ctx, domain.ChatQuery{
		Snapshot: snap,
		Query:    query,
		Operator: operator,
		Now:      s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if !revises(answer) || snap.Proposal == nil {
		return &ChatResult{Reply: answer.Reply, Snapshot: snap}, nil
	}

	tr, err := lifecycle.Check(snap.Case.Status, lifecycle.TriggerReviseDraft, snap.Case.Status)
	if err != nil {
		return nil, transitionError(err)
	}

	release, err := s.acquire(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.GetCase(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	if current.Revision() != snap.Revision() {
		return nil, apperrors.NewConflict("case changed while the answer was prepared", map[string]any{
			"case_id":  in.CaseID,
			"expected": snap.Revision(),
			"actual":   current.Revision(),
		})
	}

	proposal := current.Proposal.Clone()
	metadata := map[string]any{
		domain.MetaOperator: operator,
		"query":             query,
		"trigger":           string(tr.Trigger),
	}
	if answer.RevisedReplyBody != nil {
		if proposal.ReplyDraft == nil {
			proposal.ReplyDraft = &domain.ReplyDraft{Subject: ReplySubject(&current.Case), Attachments: []string{}}
			if current.Case.SenderEmail != nil {
				proposal.ReplyDraft.To = *current.Case.SenderEmail
			}
		}
		proposal.ReplyDraft.Body = *answer.RevisedReplyBody
		metadata["revised_reply_body"] = true
	}
	if answer.RevisedClosureNote != nil {
		proposal.ClosureNote = *answer.RevisedClosureNote
		metadata["revised_closure_note"] = true
	}

	event := domain.NewTimelineEvent(domain.EventAIAnalysis, domain.ActorAI, "Draft revised: "+answer.Reply, metadata)
	updated, err := s.commit(ctx, current, change{
		next:     current.Case.Clone(),
		proposal: proposal,
		events:   []domain.TimelineEvent{event},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("draft revised by chat", zap.String("case_id", in.CaseID), zap.String("operator", operator))
	s.emit(ctx, updated, events.EventProposalReplaced, domain.ActorAI, operator, events.ProposalReplacedPayload{
		ConfidenceScore: proposal.ConfidenceScore,
		HasReplyDraft:   proposal.ReplyDraft != nil,
	})
	return &ChatResult{Reply: answer.Reply, Snapshot: updated, Updated: true}, nil
}

// globalChat answers over a digest of open cases; it never mutates.
func (s *CaseService) globalChat(ctx context.Context, query, operator string) (*ChatResult, error) {
	open := make([]domain.CaseStatus, 0, len(domain.CaseStatuses))
	for _, status := range domain.CaseStatuses {
		if !lifecycle.IsTerminal(status) {
			open = append(open, status)
		}
	}
	digest, err := s.ListCases(ctx, CaseListFilter{Statuses: open})
	if err != nil {
		return nil, err
	}

	var focused *domain.CaseSnapshot
	if id := caseIDPattern.FindString(query); id != "" {
		if snap, err := s.GetCase(ctx, id); err == nil {
			focused = snap
		}
	}

	answer, err := s.askEngine(ctx, domain.ChatQuery{
		Snapshot: focused,
		Digest:   digest,
		Query:    query,
		Operator: operator,
		Now:      s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return &ChatResult{Reply: answer.Reply, Snapshot: focused}, nil
}

func (s *CaseService) askEngine(ctx context.Context, q domain.ChatQuery) (*domain.ChatAnswer, error) {
	cctx, cancel := context.WithTimeout(ctx, s.analysisTimeout)
	defer cancel()
	answer, err := s.analyzer.Chat(cctx, q)
	if err != nil {
		caseID := ""
		if q.Snapshot != nil {
			caseID = q.Snapshot.Case.ID
		}
		s.emitCollaboratorFailure(ctx, caseID, "ai", true, err)
		return nil, apperrors.NewCollaboratorError("ai", true, err)
	}
	if answer == nil {
		answer = &domain.ChatAnswer{}
	}
	return answer, nil
}

func revises(a *domain.ChatAnswer) bool {
	return a.RevisedReplyBody != nil || a.RevisedClosureNote != nil
}
