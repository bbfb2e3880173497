package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/events"
	"github.com/supportdesk/case-service/internal/lifecycle"
	"github.com/supportdesk/case-service/internal/repository"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

// ActionType selects what an approval does besides moving status.
type ActionType string

const (
	ActionSendReply        ActionType = "SEND_REPLY"
	ActionExecuteFix       ActionType = "EXECUTE_FIX"
	ActionJustUpdateStatus ActionType = "JUST_UPDATE_STATUS"
)

// Valid reports whether a is a known action.
func (a ActionType) Valid() bool {
	switch a {
	case ActionSendReply, ActionExecuteFix, ActionJustUpdateStatus:
		return true
	}
	return false
}

// TriageInput carries a raw incoming report.
type TriageInput struct {
	Title          string
	Description    string
	Logs           string
	SenderEmail    string
	SenderName     string
	AttachmentURIs []string
	ThreadID       string
	MessageID      string
	Operator       string
}

// ApproveInput is an operator decision on the current proposal.
type ApproveInput struct {
	CaseID     string
	ActionType ActionType
	Operator   string
	ReplyBody  *string
	NextStatus string
	RequestID  string
}

// ReplyInput is a customer or internal reply to an open case.
type ReplyInput struct {
	CaseID         string
	ReplyText      string
	NewLogs        string
	Operator       string
	FromEmail      string
	AttachmentURIs []string
	RequestID      string
}

// CloseInput finishes a case.
type CloseInput struct {
	CaseID      string
	ClosureNote string
	PublishKB   bool
	Operator    string
	RequestID   string
}

// Triage creates a NEW case with its INGEST event and schedules analysis.
func (s *CaseService) Triage(ctx context.Context, in TriageInput) (*domain.CaseSnapshot, error) {
	title := strings.TrimSpace(in.Title)
	description := strings.TrimSpace(in.Description)
	if title == "" {
		return nil, apperrors.NewValidationError("title is required", map[string]any{"field": "title"})
	}
	if description == "" {
		return nil, apperrors.NewValidationError("description is required", map[string]any{"field": "description"})
	}

	tr, err := lifecycle.Check("", lifecycle.TriggerTriage, domain.CaseStatusNew)
	if err != nil {
		return nil, transitionError(err)
	}

	now := s.stamp(time.Time{})
	attachments := nonEmpty(in.AttachmentURIs)
	c := &domain.Case{
		ID:             domain.NewCaseID(),
		Title:          title,
		Description:    description,
		Logs:           strings.TrimSpace(in.Logs),
		Status:         tr.To,
		Priority:       domain.CasePriorityUnset,
		CreatedAt:      now,
		UpdatedAt:      now,
		SenderEmail:    domain.StringPtr(strings.ToLower(in.SenderEmail)),
		SenderName:     domain.StringPtr(in.SenderName),
		WaitingFor:     lifecycle.WaitingFor(tr.To),
		AttachmentURIs: attachments,
		ThreadID:       domain.StringPtr(in.ThreadID),
		MessageID:      domain.StringPtr(in.MessageID),
		Revision:       1,
	}

	metadata := map[string]any{"subject": title}
	if c.SenderEmail != nil {
		metadata["from"] = *c.SenderEmail
	}
	if c.SenderName != nil {
		metadata["sender_name"] = *c.SenderName
	}
	if len(attachments) > 0 {
		metadata["attachments"] = attachments
	}
	if c.ThreadID != nil {
		metadata["thread_id"] = *c.ThreadID
	}
	if c.Logs != "" {
		metadata["has_logs"] = true
	}
	ingest := domain.NewTimelineEvent(domain.EventIngest, domain.ActorUser, description, metadata)
	ingest.Time = now

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	err = s.store.InTx(wctx, func(repos repository.Repositories) error {
		if err := repos.Cases.Create(wctx, c); err != nil {
			return err
		}
		return repos.Timeline.Append(wctx, c.ID, &ingest)
	})
	if err != nil {
		s.logger.Error("failed to create case", zap.Error(err))
		return nil, apperrors.NewInternalError(fmt.Errorf("create case: %w", err))
	}

	snap, err := s.publish(wctx, c.ID)
	if err != nil {
		return nil, err
	}
	operator := s.operatorName(in.Operator)
	s.logger.Info("case triaged", zap.String("case_id", c.ID), zap.String("title", title))
	s.emit(ctx, snap, events.EventCaseCreated, domain.ActorUser, operator, events.CaseCreatedPayload{
		Title:       title,
		SenderEmail: c.SenderEmail,
	})
	s.emitTransition(ctx, snap, tr, domain.ActorUser, operator)

	return s.scheduleAnalysis(ctx, snap), nil
}

// scheduleAnalysis hands a fresh case to the worker pool, or analyzes it
// inline when no pool is installed. Triage has already committed, so failures
// here only leave a note.
func (s *CaseService) scheduleAnalysis(ctx context.Context, snap *domain.CaseSnapshot) *domain.CaseSnapshot {
	scheduler := s.getScheduler()
	if scheduler == nil {
		done, err := s.RunAnalysis(ctx, snap.Case.ID)
		if err != nil {
			s.logger.Warn("inline analysis failed", zap.String("case_id", snap.Case.ID), zap.Error(err))
			if latest, getErr := s.GetCase(ctx, snap.Case.ID); getErr == nil {
				return latest
			}
			return snap
		}
		return done
	}

	err := scheduler.Enqueue(snap.Case.ID)
	if err == nil {
		return snap
	}
	s.logger.Warn("analysis could not be scheduled", zap.String("case_id", snap.Case.ID), zap.Error(err))

	release, lockErr := s.acquire(ctx, snap.Case.ID)
	if lockErr != nil {
		return snap
	}
	defer release()
	current, getErr := s.GetCase(ctx, snap.Case.ID)
	if getErr != nil {
		return snap
	}
	note := domain.NewTimelineEvent(domain.EventStatusChange, domain.ActorSystem,
		"Analysis could not be scheduled; request it again",
		map[string]any{domain.MetaNote: "analysis_not_scheduled", "error": err.Error()})
	noted, commitErr := s.commit(ctx, current, change{next: current.Case.Clone(), events: []domain.TimelineEvent{note}})
	if commitErr != nil {
		return current
	}
	return noted
}

// RequestAnalysis re-requests analysis for a case still in NEW.
func (s *CaseService) RequestAnalysis(ctx context.Context, caseID string) (*domain.CaseSnapshot, error) {
	snap, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if _, err := lifecycle.Check(snap.Case.Status, lifecycle.TriggerAnalysisStart, domain.CaseStatusAnalyzing); err != nil {
		return nil, transitionError(err)
	}

	scheduler := s.getScheduler()
	if scheduler == nil {
		return s.RunAnalysis(ctx, caseID)
	}
	if err := scheduler.Enqueue(caseID); err != nil {
		return nil, apperrors.NewConflict("analysis queue is busy", map[string]any{"case_id": caseID, "reason": err.Error()})
	}
	return snap, nil
}

// RunAnalysis moves a NEW case through ANALYZING to PROPOSED. On failure or
// cancellation the case returns to NEW with a note.
func (s *CaseService) RunAnalysis(ctx context.Context, caseID string) (*domain.CaseSnapshot, error) {
	release, err := s.acquire(ctx, caseID)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	start, err := lifecycle.Check(snap.Case.Status, lifecycle.TriggerAnalysisStart, domain.CaseStatusAnalyzing)
	if err != nil {
		return nil, transitionError(err)
	}

	next := snap.Case.Clone()
	next.Status = start.To
	next.WaitingFor = lifecycle.WaitingFor(start.To)
	analyzing, err := s.commit(ctx, snap, change{next: next})
	if err != nil {
		return nil, err
	}
	s.emitTransition(ctx, analyzing, start, domain.ActorSystem, "")

	proposal, err := s.analyze(ctx, domain.AnalysisContext{
		Case:          analyzing.Case,
		PriorProposal: analyzing.Proposal,
		Timeline:      analyzing.Timeline,
		Now:           s.now().UTC(),
	})
	if err != nil {
		return s.abortAnalysis(ctx, analyzing, err)
	}

	complete, err := lifecycle.Check(analyzing.Case.Status, lifecycle.TriggerAnalysisComplete, domain.CaseStatusProposed)
	if err != nil {
		return s.abortAnalysis(ctx, analyzing, transitionError(err))
	}

	now := s.now().UTC()
	next = analyzing.Case.Clone()
	next.Status = complete.To
	next.WaitingFor = lifecycle.WaitingFor(complete.To)
	s.applyProposal(next, proposal, now)

	event := domain.NewTimelineEvent(domain.EventAIAnalysis, domain.ActorAI, analysisMessage(proposal), map[string]any{
		domain.MetaFromStatus: string(complete.From),
		domain.MetaToStatus:   string(complete.To),
		"confidence_score":    proposal.ConfidenceScore,
		"has_reply_draft":     proposal.ReplyDraft != nil,
	})
	proposed, err := s.commit(ctx, analyzing, change{next: next, proposal: proposal, events: []domain.TimelineEvent{event}})
	if err != nil {
		return s.abortAnalysis(ctx, analyzing, err)
	}

	s.logger.Info("analysis completed",
		zap.String("case_id", caseID),
		zap.Float64("confidence", proposal.ConfidenceScore))
	s.emitTransition(ctx, proposed, complete, domain.ActorAI, "")
	s.emit(ctx, proposed, events.EventProposalReplaced, domain.ActorAI, "", events.ProposalReplacedPayload{
		ConfidenceScore: proposal.ConfidenceScore,
		HasReplyDraft:   proposal.ReplyDraft != nil,
	})
	return proposed, nil
}

// abortAnalysis returns an ANALYZING case to NEW and records why.
func (s *CaseService) abortAnalysis(ctx context.Context, analyzing *domain.CaseSnapshot, cause error) (*domain.CaseSnapshot, error) {
	reason := "failed"
	switch {
	case ctx.Err() != nil || errors.Is(cause, context.Canceled):
		reason = "cancelled"
	case errors.Is(cause, context.DeadlineExceeded):
		reason = "timed out"
	}
	s.emitCollaboratorFailure(ctx, analyzing.Case.ID, "ai", true, cause)

	abort, err := lifecycle.Check(analyzing.Case.Status, lifecycle.TriggerAnalysisAbort, domain.CaseStatusNew)
	if err != nil {
		return nil, transitionError(err)
	}
	next := analyzing.Case.Clone()
	next.Status = abort.To
	next.WaitingFor = lifecycle.WaitingFor(abort.To)
	note := domain.NewTimelineEvent(domain.EventStatusChange, domain.ActorSystem,
		fmt.Sprintf("Analysis %s; status returned to %s", reason, abort.To),
		map[string]any{
			domain.MetaFromStatus: string(abort.From),
			domain.MetaToStatus:   string(abort.To),
			domain.MetaNote:       "analysis_" + strings.ReplaceAll(reason, " ", "_"),
			"error":               cause.Error(),
		})
	reverted, err := s.commit(ctx, analyzing, change{next: next, events: []domain.TimelineEvent{note}})
	if err != nil {
		s.logger.Error("failed to revert interrupted analysis", zap.String("case_id", analyzing.Case.ID), zap.Error(err))
		return nil, err
	}
	s.emitTransition(ctx, reverted, abort, domain.ActorSystem, "")
	return reverted, apperrors.NewCollaboratorError("ai", true, cause)
}

// RecoverInterrupted returns cases left in ANALYZING by a previous process to
// NEW. Cases whose lock is held are skipped.
func (s *CaseService) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := s.store.Repos().Cases.List(ctx, repository.CaseFilter{
		Statuses: []domain.CaseStatus{domain.CaseStatusAnalyzing},
		Limit:    1000,
	})
	if err != nil {
		return 0, apperrors.NewInternalError(fmt.Errorf("list interrupted cases: %w", err))
	}

	recovered := 0
	for _, c := range stale {
		release, err := s.acquire(ctx, c.ID)
		if err != nil {
			continue
		}
		snap, err := s.GetCase(ctx, c.ID)
		if err == nil && snap.Case.Status == domain.CaseStatusAnalyzing {
			if _, err = s.abortAnalysis(ctx, snap, errors.New("analysis interrupted by restart")); apperrors.IsCode(err, apperrors.CodeCollaborator) {
				recovered++
			}
		}
		release()
	}
	if recovered > 0 {
		s.logger.Info("recovered interrupted analyses", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Approve commits an operator decision: optional reply delivery, one
// HUMAN_APPROVE event and the chosen next status.
func (s *CaseService) Approve(ctx context.Context, in ApproveInput) (*domain.CaseSnapshot, error) {
	if !in.ActionType.Valid() {
		return nil, apperrors.NewValidationError("unknown action type", map[string]any{"action_type": string(in.ActionType)})
	}
	target := domain.CaseStatusWaitingCustomer
	if strings.TrimSpace(in.NextStatus) != "" {
		parsed, ok := domain.ParseCaseStatus(in.NextStatus)
		if !ok {
			return nil, apperrors.NewValidationError("unknown next status", map[string]any{"next_status": in.NextStatus})
		}
		target = parsed
	}

	release, err := s.acquire(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	defer release()

	if snap, ok, err := s.replayed(ctx, in.CaseID, in.RequestID); ok || err != nil {
		return snap, err
	}
	snap, err := s.GetCase(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	tr, err := lifecycle.Check(snap.Case.Status, lifecycle.TriggerApprove, target)
	if err != nil {
		return nil, transitionError(err)
	}

	operator := s.operatorName(in.Operator)
	metadata := map[string]any{
		"action_type":         string(in.ActionType),
		domain.MetaOperator:   operator,
		domain.MetaFromStatus: string(tr.From),
		domain.MetaToStatus:   string(tr.To),
		"next_status":         string(tr.To),
	}
	if in.RequestID != "" {
		metadata[domain.MetaRequestID] = in.RequestID
	}

	var sent *domain.OutboundReply
	message := fmt.Sprintf("Action approved by %s. Status changed to %s.", operator, tr.To)
	if in.ActionType == ActionSendReply {
		reply, err := s.prepareReply(&snap.Case, snap.Proposal, in.ReplyBody, operator)
		if err != nil {
			return nil, err
		}
		if err := s.deliver(ctx, reply); err != nil {
			return nil, err
		}
		sent = reply
		message = fmt.Sprintf("Reply sent to %s by %s. Status changed to %s.", reply.To, operator, tr.To)
		metadata["reply_body"] = reply.Body
		metadata["recipient"] = reply.To
		metadata["subject"] = reply.Subject
	} else if in.ReplyBody != nil && strings.TrimSpace(*in.ReplyBody) != "" {
		metadata["approved_content"] = strings.TrimSpace(*in.ReplyBody)
	}

	next := snap.Case.Clone()
	next.Status = tr.To
	next.WaitingFor = lifecycle.WaitingFor(tr.To)
	event := domain.NewTimelineEvent(domain.EventHumanApprove, domain.ActorEngineer, message, metadata)

	updated, err := s.commit(ctx, snap, change{next: next, events: []domain.TimelineEvent{event}})
	if err != nil {
		return nil, err
	}
	s.logger.Info("action approved",
		zap.String("case_id", in.CaseID),
		zap.String("action_type", string(in.ActionType)),
		zap.String("operator", operator),
		zap.String("status", string(tr.To)))
	s.emitTransition(ctx, updated, tr, domain.ActorEngineer, operator)
	if sent != nil {
		s.emit(ctx, updated, events.EventReplySent, domain.ActorEngineer, operator, events.ReplySentPayload{
			To:      sent.To,
			Subject: sent.Subject,
		})
	}
	return updated, nil
}

func (s *CaseService) prepareReply(c *domain.Case, proposal *domain.Proposal, override *string, operator string) (*domain.OutboundReply, error) {
	var draft *domain.ReplyDraft
	if proposal != nil {
		draft = proposal.ReplyDraft
	}

	body := ""
	if override != nil {
		body = strings.TrimSpace(*override)
	}
	if body == "" && draft != nil {
		body = strings.TrimSpace(draft.Body)
	}
	if body == "" {
		return nil, apperrors.NewValidationError("reply body is required", map[string]any{"field": "reply_body"})
	}

	to := ""
	if draft != nil {
		to = strings.TrimSpace(draft.To)
	}
	if to == "" && c.SenderEmail != nil {
		to = *c.SenderEmail
	}
	if to == "" {
		return nil, apperrors.NewValidationError("case has no reply recipient", map[string]any{"case_id": c.ID})
	}

	final, err := s.guardrails.Apply(c, to, body, operator)
	if err != nil {
		return nil, err
	}

	reply := &domain.OutboundReply{
		CaseID:      c.ID,
		To:          to,
		Subject:     ReplySubject(c),
		Body:        final,
		Attachments: []string{},
		ThreadID:    c.ThreadID,
		InReplyTo:   c.MessageID,
	}
	if draft != nil {
		reply.Attachments = append(reply.Attachments, draft.Attachments...)
	}
	return reply, nil
}

func (s *CaseService) deliver(ctx context.Context, reply *domain.OutboundReply) error {
	if s.mailer == nil {
		return apperrors.NewCollaboratorError("mailer", false, errNotConfigured)
	}
	mctx, cancel := context.WithTimeout(ctx, collaboratorCallTimeout)
	defer cancel()
	if err := s.mailer.SendReply(mctx, *reply); err != nil {
		s.emitCollaboratorFailure(ctx, reply.CaseID, "mailer", true, err)
		return apperrors.NewCollaboratorError("mailer", true, err)
	}
	return nil
}

// ReplyIngest records a reply and re-analyzes the case. The reply, the new
// proposal and the status move commit together or not at all.
func (s *CaseService) ReplyIngest(ctx context.Context, in ReplyInput) (*domain.CaseSnapshot, error) {
	replyText := strings.TrimSpace(in.ReplyText)
	if replyText == "" {
		return nil, apperrors.NewValidationError("reply text is required", map[string]any{"field": "reply_text"})
	}

	release, err := s.acquire(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	defer release()

	if snap, ok, err := s.replayed(ctx, in.CaseID, in.RequestID); ok || err != nil {
		return snap, err
	}
	snap, err := s.GetCase(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	tr, err := lifecycle.Check(snap.Case.Status, lifecycle.TriggerReplyIngest, domain.CaseStatusProposed)
	if err != nil {
		return nil, transitionError(err)
	}

	newLogs := strings.TrimSpace(in.NewLogs)
	proposal, err := s.analyze(ctx, domain.AnalysisContext{
		Case:          snap.Case,
		PriorProposal: snap.Proposal,
		Timeline:      snap.Timeline,
		ReplyText:     replyText,
		NewLogs:       newLogs,
		Now:           s.now().UTC(),
	})
	if err != nil {
		s.emitCollaboratorFailure(ctx, in.CaseID, "ai", true, err)
		if interrupted(ctx, err) {
			note := domain.NewTimelineEvent(domain.EventStatusChange, domain.ActorSystem,
				"Re-analysis cancelled; the reply was not applied",
				map[string]any{
					domain.MetaNote: "reanalysis_cancelled",
					"reply_text":    replyText,
					"error":         err.Error(),
				})
			if _, commitErr := s.commit(ctx, snap, change{next: snap.Case.Clone(), events: []domain.TimelineEvent{note}}); commitErr != nil {
				s.logger.Error("failed to record cancelled re-analysis", zap.String("case_id", in.CaseID), zap.Error(commitErr))
			}
		}
		return nil, apperrors.NewCollaboratorError("ai", true, err)
	}

	operator := s.operatorName(in.Operator)
	now := s.now().UTC()
	next := snap.Case.Clone()
	next.Status = tr.To
	next.WaitingFor = lifecycle.WaitingFor(tr.To)
	if newLogs != "" {
		if next.Logs == "" {
			next.Logs = newLogs
		} else {
			next.Logs = next.Logs + "\n\n" + newLogs
		}
	}
	next.AttachmentURIs = append(next.AttachmentURIs, nonEmpty(in.AttachmentURIs)...)
	s.applyProposal(next, proposal, now)

	replyMeta := map[string]any{
		domain.MetaOperator: operator,
		"has_logs":          newLogs != "",
	}
	if from := strings.TrimSpace(in.FromEmail); from != "" {
		replyMeta["from"] = strings.ToLower(from)
	}
	if attachments := nonEmpty(in.AttachmentURIs); len(attachments) > 0 {
		replyMeta["attachments"] = attachments
	}
	if in.RequestID != "" {
		replyMeta[domain.MetaRequestID] = in.RequestID
	}
	received := domain.NewTimelineEvent(domain.EventReplyReceived, domain.ActorUser, replyText, replyMeta)
	analysis := domain.NewTimelineEvent(domain.EventAIAnalysis, domain.ActorAI, analysisMessage(proposal), map[string]any{
		domain.MetaFromStatus: string(tr.From),
		domain.MetaToStatus:   string(tr.To),
		"confidence_score":    proposal.ConfidenceScore,
		"has_reply_draft":     proposal.ReplyDraft != nil,
		"trigger":             string(tr.Trigger),
	})

	updated, err := s.commit(ctx, snap, change{next: next, proposal: proposal, events: []domain.TimelineEvent{received, analysis}})
	if err != nil {
		return nil, err
	}
	s.logger.Info("reply ingested", zap.String("case_id", in.CaseID), zap.String("status", string(tr.To)))
	s.emit(ctx, updated, events.EventReplyReceived, domain.ActorUser, operator, nil)
	s.emitTransition(ctx, updated, tr, domain.ActorAI, operator)
	s.emit(ctx, updated, events.EventProposalReplaced, domain.ActorAI, operator, events.ProposalReplacedPayload{
		ConfidenceScore: proposal.ConfidenceScore,
		HasReplyDraft:   proposal.ReplyDraft != nil,
	})
	return updated, nil
}

// RecordReply appends a REPLY_RECEIVED event without re-analysis, for replies
// arriving while the case cannot be re-analyzed.
func (s *CaseService) RecordReply(ctx context.Context, in ReplyInput) (*domain.CaseSnapshot, error) {
	replyText := strings.TrimSpace(in.ReplyText)
	if replyText == "" {
		return nil, apperrors.NewValidationError("reply text is required", map[string]any{"field": "reply_text"})
	}

	release, err := s.acquire(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := s.GetCase(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	if lifecycle.IsTerminal(snap.Case.Status) {
		return nil, apperrors.NewInvalidTransition("case is closed", map[string]any{
			"trigger": string(lifecycle.TriggerReplyIngest),
			"from":    string(snap.Case.Status),
		})
	}

	metadata := map[string]any{
		domain.MetaOperator: s.operatorName(in.Operator),
		domain.MetaNote:     "received while " + string(snap.Case.Status),
	}
	if from := strings.TrimSpace(in.FromEmail); from != "" {
		metadata["from"] = strings.ToLower(from)
	}
	next := snap.Case.Clone()
	next.AttachmentURIs = append(next.AttachmentURIs, nonEmpty(in.AttachmentURIs)...)
	event := domain.NewTimelineEvent(domain.EventReplyReceived, domain.ActorUser, replyText, metadata)
	updated, err := s.commit(ctx, snap, change{next: next, events: []domain.TimelineEvent{event}})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, updated, events.EventReplyReceived, domain.ActorUser, s.operatorName(in.Operator), nil)
	return updated, nil
}

// Close moves a case to CLOSED. Closure drafting and knowledge publishing are
// best effort; their failures become separate timeline notes.
func (s *CaseService) Close(ctx context.Context, in CloseInput) (*domain.CaseSnapshot, error) {
	closureNote := strings.TrimSpace(in.ClosureNote)
	if closureNote == "" {
		return nil, apperrors.NewValidationError("closure note is required", map[string]any{"field": "closure_note"})
	}

	release, err := s.acquire(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	defer release()

	if snap, ok, err := s.replayed(ctx, in.CaseID, in.RequestID); ok || err != nil {
		return snap, err
	}
	snap, err := s.GetCase(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	tr, err := lifecycle.Check(snap.Case.Status, lifecycle.TriggerClose, domain.CaseStatusClosed)
	if err != nil {
		return nil, transitionError(err)
	}

	operator := s.operatorName(in.Operator)
	var draft *domain.ClosureDraft
	var notes []domain.TimelineEvent
	if s.analyzer != nil {
		dctx, cancel := context.WithTimeout(ctx, s.analysisTimeout)
		generated, err := s.analyzer.DraftClosure(dctx, *snap, closureNote)
		cancel()
		if err != nil {
			s.emitCollaboratorFailure(ctx, in.CaseID, "ai", false, err)
			notes = append(notes, domain.NewTimelineEvent(domain.EventStatusChange, domain.ActorSystem,
				"Closure draft could not be generated",
				map[string]any{domain.MetaNote: "closure_draft_failed", "error": err.Error()}))
		} else {
			draft = generated
		}
	}

	// A case closed before any analysis keeps no proposal; the note and
	// draft live only on the status change event.
	proposal := snap.Proposal.Clone()
	if proposal != nil {
		proposal.ClosureNote = closureNote
		if draft != nil {
			proposal.ClosureDraft = draft
		}
	}

	knowledgeTitle := snap.Case.Title
	if draft != nil && strings.TrimSpace(draft.KnowledgeTitle) != "" {
		knowledgeTitle = strings.TrimSpace(draft.KnowledgeTitle)
	}

	published := false
	if in.PublishKB {
		err := s.publishKnowledge(ctx, domain.KnowledgeArticle{
			CaseID:       snap.Case.ID,
			Title:        knowledgeTitle,
			Description:  snap.Case.Description,
			ClosureNote:  closureNote,
			ClosureDraft: draft,
			Priority:     snap.Case.Priority,
			ClosedBy:     operator,
			ClosedAt:     s.stamp(snap.Case.UpdatedAt),
		})
		if err != nil {
			s.emitCollaboratorFailure(ctx, in.CaseID, "knowledge", false, err)
			notes = append(notes, domain.NewTimelineEvent(domain.EventStatusChange, domain.ActorSystem,
				"Knowledge base publish failed",
				map[string]any{domain.MetaNote: "knowledge_publish_failed", "error": err.Error()}))
		} else {
			published = true
		}
	}

	metadata := map[string]any{
		domain.MetaOperator:   operator,
		domain.MetaFromStatus: string(tr.From),
		domain.MetaToStatus:   string(tr.To),
		"closure_note":        closureNote,
		"publish_kb":          in.PublishKB,
		"published":           published,
		"knowledge_title":     knowledgeTitle,
	}
	if draft != nil {
		metadata["closure_draft"] = map[string]any{
			"root_cause":         draft.RootCause,
			"resolution_steps":   draft.ResolutionSteps,
			"prevention_measure": draft.PreventionMeasure,
			"knowledge_title":    draft.KnowledgeTitle,
		}
	}
	if in.RequestID != "" {
		metadata[domain.MetaRequestID] = in.RequestID
	}
	closed := domain.NewTimelineEvent(domain.EventStatusChange, domain.ActorEngineer, "Case closed: "+closureNote, metadata)

	next := snap.Case.Clone()
	next.Status = tr.To
	next.WaitingFor = lifecycle.WaitingFor(tr.To)
	next.NextContactDue = nil

	updated, err := s.commit(ctx, snap, change{
		next:     next,
		proposal: proposal,
		events:   append([]domain.TimelineEvent{closed}, notes...),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("case closed",
		zap.String("case_id", in.CaseID),
		zap.String("operator", operator),
		zap.Bool("published", published))
	s.emitTransition(ctx, updated, tr, domain.ActorEngineer, operator)
	s.emit(ctx, updated, events.EventCaseClosed, domain.ActorEngineer, operator, events.CaseClosedPayload{
		PublishRequested: in.PublishKB,
		Published:        published,
	})
	return updated, nil
}

func (s *CaseService) publishKnowledge(ctx context.Context, article domain.KnowledgeArticle) error {
	if s.publisher == nil {
		return errNotConfigured
	}
	pctx, cancel := context.WithTimeout(ctx, collaboratorCallTimeout)
	defer cancel()
	return s.publisher.Publish(pctx, article)
}

func nonEmpty(values []string) []string {
	out := []string{}
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
