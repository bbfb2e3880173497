package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/caselock"
	"github.com/supportdesk/case-service/internal/config"
	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/events"
	"github.com/supportdesk/case-service/internal/lifecycle"
	"github.com/supportdesk/case-service/internal/repository"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

const (
	defaultAnalysisTimeout     = 90 * time.Second
	defaultNextContactFallback = 4 * time.Hour
	defaultOperatorName        = "Support Team"
	collaboratorCallTimeout    = config.CollaboratorCallTimeout
	commitTimeout              = config.CommitTimeout
)

var errNotConfigured = errors.New("collaborator not configured")

// CaseService is the action executor. Every case mutation goes through it and
// commits case, proposal and timeline together under the per-case lock.
type CaseService struct {
	store      repository.Store
	locker     caselock.Locker
	hub        *events.Hub
	dispatcher events.Dispatcher
	analyzer   Analyzer
	mailer     Mailer
	publisher  KnowledgePublisher
	guardrails Guardrails
	logger     *zap.Logger
	now        func() time.Time

	analysisTimeout     time.Duration
	nextContactFallback time.Duration
	defaultOperator     string

	mu        sync.RWMutex
	scheduler AnalysisScheduler
}

// CaseDependencies bundles collaborators for the case service.
type CaseDependencies struct {
	Store      repository.Store
	Locker     caselock.Locker
	Hub        *events.Hub
	Dispatcher events.Dispatcher
	Analyzer   Analyzer
	Mailer     Mailer
	Publisher  KnowledgePublisher
	Guardrails Guardrails
	Logger     *zap.Logger
	Clock      func() time.Time

	AnalysisTimeout     time.Duration
	NextContactFallback time.Duration
	DefaultOperator     string
}

// NewCaseService constructs the service, filling in-process defaults for
// anything optional left unset.
func NewCaseService(deps CaseDependencies) *CaseService {
	s := &CaseService{
		store:               deps.Store,
		locker:              deps.Locker,
		hub:                 deps.Hub,
		dispatcher:          deps.Dispatcher,
		analyzer:            deps.Analyzer,
		mailer:              deps.Mailer,
		publisher:           deps.Publisher,
		guardrails:          deps.Guardrails,
		logger:              deps.Logger,
		now:                 deps.Clock,
		analysisTimeout:     deps.AnalysisTimeout,
		nextContactFallback: deps.NextContactFallback,
		defaultOperator:     strings.TrimSpace(deps.DefaultOperator),
	}
	if s.store == nil {
		s.store = repository.NewMemoryStore()
	}
	if s.locker == nil {
		s.locker = caselock.NewLocalLocker()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.hub == nil {
		s.hub = events.NewHub(events.DefaultSubscriptionBuffer, s.logger)
	}
	if s.dispatcher == nil {
		s.dispatcher = events.NewInMemoryDispatcher(s.logger)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.analysisTimeout <= 0 {
		s.analysisTimeout = defaultAnalysisTimeout
	}
	if s.nextContactFallback <= 0 {
		s.nextContactFallback = defaultNextContactFallback
	}
	if s.defaultOperator == "" {
		s.defaultOperator = defaultOperatorName
	}
	return s
}

// SetScheduler installs the background analysis queue used after triage.
func (s *CaseService) SetScheduler(scheduler AnalysisScheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler = scheduler
}

func (s *CaseService) getScheduler() AnalysisScheduler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scheduler
}

// CaseListFilter describes listing filters.
type CaseListFilter struct {
	Statuses   []domain.CaseStatus
	SearchTerm *string
	Limit      int
	Offset     int
}

// GetCase returns the committed snapshot of a case.
func (s *CaseService) GetCase(ctx context.Context, caseID string) (*domain.CaseSnapshot, error) {
	var snap *domain.CaseSnapshot
	err := s.store.ReadTx(ctx, func(repos repository.Repositories) error {
		var err error
		snap, err = loadSnapshot(ctx, repos, caseID)
		return err
	})
	if err != nil {
		return nil, storeError(err, caseID)
	}
	return snap, nil
}

// ListCases returns cases ordered by most recent update.
func (s *CaseService) ListCases(ctx context.Context, filter CaseListFilter) ([]domain.Case, error) {
	cases, err := s.store.Repos().Cases.List(ctx, repository.CaseFilter{
		Statuses:   filter.Statuses,
		SearchTerm: filter.SearchTerm,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("list cases: %w", err))
	}
	if cases == nil {
		cases = []domain.Case{}
	}
	return cases, nil
}

// Subscribe opens a snapshot stream for a case and returns the snapshot it
// starts from. Later deliveries are strictly newer than the returned one.
func (s *CaseService) Subscribe(ctx context.Context, caseID string) (*domain.CaseSnapshot, *events.Subscription, error) {
	sub := s.hub.Subscribe(caseID)
	snap, err := s.GetCase(ctx, caseID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	sub.SkipThrough(caseID, snap.Revision())
	return snap, sub, nil
}

// SubscribeAll opens a stream of snapshots for every case.
func (s *CaseService) SubscribeAll() *events.Subscription {
	return s.hub.SubscribeAll()
}

func loadSnapshot(ctx context.Context, repos repository.Repositories, caseID string) (*domain.CaseSnapshot, error) {
	c, err := repos.Cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	proposal, err := repos.Proposals.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	timeline, err := repos.Timeline.Read(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if timeline == nil {
		timeline = []domain.TimelineEvent{}
	}
	if c.WaitingFor == nil {
		c.WaitingFor = []string{}
	}
	if c.AttachmentURIs == nil {
		c.AttachmentURIs = []string{}
	}
	return &domain.CaseSnapshot{Case: *c, Proposal: proposal, Timeline: timeline}, nil
}

func storeError(err error, caseID string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewNotFound("case", map[string]any{"case_id": caseID})
	}
	if errors.Is(err, repository.ErrStaleRevision) {
		return apperrors.NewConflict("case changed concurrently; retry", map[string]any{"case_id": caseID})
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.NewInternalError(fmt.Errorf("case %s: %w", caseID, err))
}

func transitionError(err error) error {
	var te *lifecycle.TransitionError
	if errors.As(err, &te) {
		return apperrors.NewInvalidTransition(te.Error(), map[string]any{
			"trigger": string(te.Trigger),
			"from":    string(te.From),
			"to":      string(te.To),
			"reason":  te.Reason,
		})
	}
	return err
}

func (s *CaseService) acquire(ctx context.Context, caseID string) (func(), error) {
	release, err := s.locker.Acquire(ctx, caseID)
	if errors.Is(err, caselock.ErrLocked) {
		return nil, apperrors.NewConflict("another operation is in progress for this case", map[string]any{"case_id": caseID})
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("lock case %s: %w", caseID, err))
	}
	return release, nil
}

// replayed returns the current snapshot when requestID was already committed.
func (s *CaseService) replayed(ctx context.Context, caseID, requestID string) (*domain.CaseSnapshot, bool, error) {
	if requestID == "" {
		return nil, false, nil
	}
	event, err := s.store.Repos().Timeline.FindByRequestID(ctx, caseID, requestID)
	if err != nil {
		return nil, false, storeError(err, caseID)
	}
	if event == nil {
		return nil, false, nil
	}
	s.logger.Info("duplicate request; returning committed state",
		zap.String("case_id", caseID),
		zap.String("request_id", requestID),
		zap.String("event_id", event.ID))
	snap, err := s.GetCase(ctx, caseID)
	return snap, true, err
}

// stamp returns a UTC time strictly after prev at microsecond precision,
// which is what Postgres keeps.
func (s *CaseService) stamp(prev time.Time) time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (s *CaseService) operatorName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return s.defaultOperator
}

// change is one atomic unit: the next case record, an optional replacement
// proposal and the events to append.
type change struct {
	next     *domain.Case
	proposal *domain.Proposal
	events   []domain.TimelineEvent
}

// commit writes ch on top of prev and publishes the resulting snapshot. It
// ignores caller cancellation: once collaborators have acted the record must land.
func (s *CaseService) commit(ctx context.Context, prev *domain.CaseSnapshot, ch change) (*domain.CaseSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	now := s.stamp(prev.Case.UpdatedAt)
	next := ch.next
	next.UpdatedAt = now
	next.Revision = prev.Case.Revision + 1

	err := s.store.InTx(ctx, func(repos repository.Repositories) error {
		if ch.proposal != nil {
			if err := repos.Proposals.Set(ctx, next.ID, ch.proposal); err != nil {
				return err
			}
		}
		for i := range ch.events {
			ch.events[i].Time = now
			if err := repos.Timeline.Append(ctx, next.ID, &ch.events[i]); err != nil {
				return err
			}
		}
		return repos.Cases.Update(ctx, next)
	})
	if err != nil {
		s.logger.Error("commit failed", zap.String("case_id", next.ID), zap.Error(err))
		return nil, storeError(err, next.ID)
	}
	return s.publish(ctx, next.ID)
}

func (s *CaseService) publish(ctx context.Context, caseID string) (*domain.CaseSnapshot, error) {
	snap, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	s.hub.Publish(snap)
	return snap, nil
}

func (s *CaseService) emit(ctx context.Context, snap *domain.CaseSnapshot, eventType events.EventType, actor domain.EventActor, operator string, payload interface{}) {
	_ = s.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		CaseID:    snap.Case.ID,
		Actor:     actor,
		Operator:  operator,
		Revision:  snap.Revision(),
		Timestamp: snap.Case.UpdatedAt,
		Payload:   payload,
	})
}

func (s *CaseService) emitTransition(ctx context.Context, snap *domain.CaseSnapshot, tr lifecycle.Transition, actor domain.EventActor, operator string) {
	s.emit(ctx, snap, events.EventCaseTransitioned, actor, operator, events.CaseTransitionedPayload{
		Trigger: string(tr.Trigger),
		Class:   string(tr.Class),
		From:    tr.From,
		To:      tr.To,
	})
}

func (s *CaseService) emitCollaboratorFailure(ctx context.Context, caseID, collaborator string, fatal bool, err error) {
	s.logger.Warn("collaborator failed",
		zap.String("case_id", caseID),
		zap.String("collaborator", collaborator),
		zap.Bool("fatal", fatal),
		zap.Error(err))
	_ = s.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventCollaboratorError,
		CaseID:    caseID,
		Actor:     domain.ActorSystem,
		Timestamp: s.now().UTC(),
		Payload: events.CollaboratorErrorPayload{
			Collaborator: collaborator,
			Fatal:        fatal,
			Error:        err.Error(),
		},
	})
}

// interrupted reports whether err stems from cancellation or a deadline.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *CaseService) analyze(ctx context.Context, input domain.AnalysisContext) (*domain.Proposal, error) {
	if s.analyzer == nil {
		return nil, errNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.analysisTimeout)
	defer cancel()
	proposal, err := s.analyzer.Analyze(ctx, input)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		return nil, errors.New("analyzer returned no proposal")
	}
	return proposal, nil
}

// applyProposal normalizes a fresh proposal and copies its classification
// onto the case. Suggestions stay advisory: none of them changes status.
func (s *CaseService) applyProposal(c *domain.Case, p *domain.Proposal, now time.Time) {
	if p.ConfidenceScore < 0 {
		p.ConfidenceScore = 0
	}
	if p.ConfidenceScore > 1 {
		p.ConfidenceScore = 1
	}
	if p.GeneratedAt.IsZero() {
		p.GeneratedAt = now.UTC().Truncate(time.Microsecond)
	}
	if p.Hypotheses == nil {
		p.Hypotheses = []domain.Hypothesis{}
	}
	if p.MissingInfo == nil {
		p.MissingInfo = []string{}
	}
	if p.EvidencePack == nil {
		p.EvidencePack = []domain.Evidence{}
	}
	if p.NextActionPlan == nil {
		p.NextActionPlan = []domain.ActionStep{}
	}

	due := lifecycle.NormalizeNextContact(p.NextContactDue, now, s.nextContactFallback).Truncate(time.Microsecond)
	p.NextContactDue = &due
	c.NextContactDue = &due

	if c.Priority == domain.CasePriorityUnset && p.SuggestedPriority.Valid() {
		c.Priority = p.SuggestedPriority
	}
	if p.DetectedCustomerName != nil && strings.TrimSpace(*p.DetectedCustomerName) != "" {
		c.CustomerName = domain.StringPtr(*p.DetectedCustomerName)
	}
	if p.EscalationSuggestion != nil {
		c.EscalationTarget = domain.StringPtr(*p.EscalationSuggestion)
	}
	if p.ReplyDraft != nil {
		if strings.TrimSpace(p.ReplyDraft.To) == "" && c.SenderEmail != nil {
			p.ReplyDraft.To = *c.SenderEmail
		}
		if strings.TrimSpace(p.ReplyDraft.Subject) == "" {
			p.ReplyDraft.Subject = ReplySubject(c)
		}
		if p.ReplyDraft.Attachments == nil {
			p.ReplyDraft.Attachments = []string{}
		}
	}
}

func analysisMessage(p *domain.Proposal) string {
	summary := strings.TrimSpace(p.Summary)
	if summary == "" {
		return "Analysis completed"
	}
	return summary
}
