package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/case-service/internal/caselock"
	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/events"
	"github.com/supportdesk/case-service/internal/repository"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

var testNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeAnalyzer struct {
	analyze      func(context.Context, domain.AnalysisContext) (*domain.Proposal, error)
	chat         func(context.Context, domain.ChatQuery) (*domain.ChatAnswer, error)
	draftClosure func(context.Context, domain.CaseSnapshot, string) (*domain.ClosureDraft, error)
	calls        atomic.Int32
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, in domain.AnalysisContext) (*domain.Proposal, error) {
	f.calls.Add(1)
	if f.analyze != nil {
		return f.analyze(ctx, in)
	}
	return sampleProposal(), nil
}

func (f *fakeAnalyzer) Chat(ctx context.Context, q domain.ChatQuery) (*domain.ChatAnswer, error) {
	if f.chat != nil {
		return f.chat(ctx, q)
	}
	return &domain.ChatAnswer{Reply: "ok"}, nil
}

func (f *fakeAnalyzer) DraftClosure(ctx context.Context, snap domain.CaseSnapshot, note string) (*domain.ClosureDraft, error) {
	if f.draftClosure != nil {
		return f.draftClosure(ctx, snap, note)
	}
	return &domain.ClosureDraft{RootCause: "driver", ResolutionSteps: note}, nil
}

type fakeMailer struct {
	send  func(context.Context, domain.OutboundReply) error
	mu    sync.Mutex
	sent  []domain.OutboundReply
	calls atomic.Int32
}

func (f *fakeMailer) SendReply(ctx context.Context, reply domain.OutboundReply) error {
	f.calls.Add(1)
	if f.send != nil {
		if err := f.send(ctx, reply); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, reply)
	f.mu.Unlock()
	return nil
}

type fakePublisher struct {
	err   error
	calls atomic.Int32
}

func (f *fakePublisher) Publish(context.Context, domain.KnowledgeArticle) error {
	f.calls.Add(1)
	return f.err
}

type fakeScheduler struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeScheduler) Enqueue(caseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, caseID)
	return nil
}

func sampleProposal() *domain.Proposal {
	due := testNow.Add(24 * time.Hour)
	return &domain.Proposal{
		Summary:           "Printer driver crashed after update",
		ConfidenceScore:   0.8,
		Hypotheses:        []domain.Hypothesis{{Cause: "driver", Likelihood: domain.LikelihoodHigh}},
		SuggestedPriority: domain.CasePriorityP2,
		NextContactDue:    &due,
		ReplyDraft: &domain.ReplyDraft{
			Body: "Hello, please reinstall the driver. Regards, [OPERATOR_NAME]",
		},
	}
}

type harness struct {
	svc       *CaseService
	store     *repository.MemoryStore
	locker    *caselock.LocalLocker
	analyzer  *fakeAnalyzer
	mailer    *fakeMailer
	publisher *fakePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     repository.NewMemoryStore(),
		locker:    caselock.NewLocalLocker(),
		analyzer:  &fakeAnalyzer{},
		mailer:    &fakeMailer{},
		publisher: &fakePublisher{},
	}
	h.svc = NewCaseService(CaseDependencies{
		Store:      h.store,
		Locker:     h.locker,
		Analyzer:   h.analyzer,
		Mailer:     h.mailer,
		Publisher:  h.publisher,
		Guardrails: Guardrails{InternalDomain: "support.example.com", ForbiddenWords: []string{"Confidential"}},
		Clock:      func() time.Time { return testNow },
	})
	return h
}

func (h *harness) triage(t *testing.T) *domain.CaseSnapshot {
	t.Helper()
	snap, err := h.svc.Triage(context.Background(), TriageInput{
		Title:       "Printer offline",
		Description: "The office printer stopped responding",
		SenderEmail: "Bob@Customer.com",
		SenderName:  "Bob",
	})
	require.NoError(t, err)
	return snap
}

func eventTypes(snap *domain.CaseSnapshot) []domain.EventType {
	out := make([]domain.EventType, len(snap.Timeline))
	for i, e := range snap.Timeline {
		out[i] = e.Type
	}
	return out
}

func TestTriage_ThenAnalysisProposes(t *testing.T) {
	h := newHarness(t)
	sched := &fakeScheduler{}
	h.svc.SetScheduler(sched)

	created := h.triage(t)
	assert.Equal(t, domain.CaseStatusNew, created.Case.Status)
	assert.Nil(t, created.Proposal)
	assert.Equal(t, []domain.EventType{domain.EventIngest}, eventTypes(created))
	assert.Equal(t, []string{created.Case.ID}, sched.ids)
	assert.Equal(t, "bob@customer.com", *created.Case.SenderEmail)

	proposed, err := h.svc.RunAnalysis(context.Background(), created.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusProposed, proposed.Case.Status)
	require.NotNil(t, proposed.Proposal)
	assert.Equal(t, []domain.EventType{domain.EventIngest, domain.EventAIAnalysis}, eventTypes(proposed))
	assert.Equal(t, domain.ActorAI, proposed.Timeline[1].Actor)
	assert.Equal(t, []string{domain.WaitingEngineerApproval}, proposed.Case.WaitingFor)
	assert.Equal(t, domain.CasePriorityP2, proposed.Case.Priority)
	assert.Equal(t, "bob@customer.com", proposed.Proposal.ReplyDraft.To)
	require.NotNil(t, proposed.Case.NextContactDue)
	assert.True(t, proposed.Case.NextContactDue.Equal(testNow.Add(24*time.Hour)))
	assert.Equal(t, int64(3), proposed.Revision())
}

func TestTriage_InlineAnalysisWithoutScheduler(t *testing.T) {
	h := newHarness(t)
	snap := h.triage(t)
	assert.Equal(t, domain.CaseStatusProposed, snap.Case.Status)
	assert.Equal(t, int32(1), h.analyzer.calls.Load())
}

func TestTriage_RequiresTitleAndDescription(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Triage(context.Background(), TriageInput{Title: " ", Description: "x"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
	_, err = h.svc.Triage(context.Background(), TriageInput{Title: "x"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	cases, err := h.svc.ListCases(context.Background(), CaseListFilter{})
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestTriage_QueueFullLeavesNote(t *testing.T) {
	h := newHarness(t)
	h.svc.SetScheduler(&fakeScheduler{err: errors.New("queue full")})

	snap := h.triage(t)
	assert.Equal(t, domain.CaseStatusNew, snap.Case.Status)
	require.Len(t, snap.Timeline, 2)
	assert.Equal(t, domain.EventStatusChange, snap.Timeline[1].Type)
	assert.Equal(t, "analysis_not_scheduled", snap.Timeline[1].Metadata[domain.MetaNote])
}

func TestRunAnalysis_FailureReturnsToNew(t *testing.T) {
	h := newHarness(t)
	h.svc.SetScheduler(&fakeScheduler{})
	created := h.triage(t)
	h.analyzer.analyze = func(context.Context, domain.AnalysisContext) (*domain.Proposal, error) {
		return nil, errors.New("model overloaded")
	}

	snap, err := h.svc.RunAnalysis(context.Background(), created.Case.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCollaborator))
	assert.True(t, apperrors.IsRetryable(err))
	require.NotNil(t, snap)
	assert.Equal(t, domain.CaseStatusNew, snap.Case.Status)
	assert.Nil(t, snap.Proposal)
	last := snap.Timeline[len(snap.Timeline)-1]
	assert.Equal(t, "analysis_failed", last.Metadata[domain.MetaNote])
}

func TestRunAnalysis_CancellationKeepsPreCallStatus(t *testing.T) {
	h := newHarness(t)
	h.svc.SetScheduler(&fakeScheduler{})
	created := h.triage(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.analyzer.analyze = func(ctx context.Context, _ domain.AnalysisContext) (*domain.Proposal, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := h.svc.RunAnalysis(ctx, created.Case.ID)
	require.Error(t, err)

	snap, err := h.svc.GetCase(context.Background(), created.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusNew, snap.Case.Status)
	assert.Nil(t, snap.Proposal)
	last := snap.Timeline[len(snap.Timeline)-1]
	assert.Equal(t, domain.EventStatusChange, last.Type)
	assert.Equal(t, "analysis_cancelled", last.Metadata[domain.MetaNote])
	assert.False(t, h.locker.Held(created.Case.ID))
}

func TestRecoverInterrupted(t *testing.T) {
	h := newHarness(t)
	h.svc.SetScheduler(&fakeScheduler{})
	created := h.triage(t)

	stuck := created.Case.Clone()
	stuck.Status = domain.CaseStatusAnalyzing
	stuck.Revision++
	require.NoError(t, h.store.InTx(context.Background(), func(r repository.Repositories) error {
		return r.Cases.Update(context.Background(), stuck)
	}))

	n, err := h.svc.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	snap, err := h.svc.GetCase(context.Background(), created.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusNew, snap.Case.Status)
}

func TestCommit_ConflictsWhenRevisionMovedUnderneath(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)
	h.mailer.send = func(context.Context, domain.OutboundReply) error {
		return h.store.InTx(context.Background(), func(r repository.Repositories) error {
			current, err := r.Cases.GetByID(context.Background(), proposed.Case.ID)
			if err != nil {
				return err
			}
			current.Revision++
			return r.Cases.Update(context.Background(), current)
		})
	}

	_, err := h.svc.Approve(context.Background(), ApproveInput{
		CaseID: proposed.Case.ID, ActionType: ActionSendReply, Operator: "Alice",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
	assert.True(t, apperrors.IsRetryable(err))

	snap, err := h.svc.GetCase(context.Background(), proposed.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, proposed.Case.Revision+1, snap.Case.Revision)
	assert.Equal(t, domain.CaseStatusProposed, snap.Case.Status)
	assert.Len(t, snap.Timeline, len(proposed.Timeline))
}

func TestApprove_SendReply(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)
	body := "Please restart the spooler. [OPERATOR_NAME]"

	updated, err := h.svc.Approve(context.Background(), ApproveInput{
		CaseID:     proposed.Case.ID,
		ActionType: ActionSendReply,
		Operator:   "Alice",
		ReplyBody:  &body,
		NextStatus: "WAITING_CUSTOMER",
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.mailer.calls.Load())
	require.Len(t, h.mailer.sent, 1)
	sent := h.mailer.sent[0]
	assert.Equal(t, "bob@customer.com", sent.To)
	assert.Equal(t, "Please restart the spooler. Alice", sent.Body)
	assert.Equal(t, "Printer offline [Case: "+proposed.Case.ID+"]", sent.Subject)

	assert.Equal(t, domain.CaseStatusWaitingCustomer, updated.Case.Status)
	assert.Equal(t, []string{domain.WaitingCustomer}, updated.Case.WaitingFor)
	assert.True(t, updated.Case.UpdatedAt.After(proposed.Case.UpdatedAt))
	require.Len(t, updated.Timeline, len(proposed.Timeline)+1)

	approval := updated.Timeline[len(updated.Timeline)-1]
	assert.Equal(t, domain.EventHumanApprove, approval.Type)
	assert.Equal(t, domain.ActorEngineer, approval.Actor)
	assert.Contains(t, approval.Message, "Alice")
	assert.Equal(t, "Please restart the spooler. Alice", approval.Metadata["reply_body"])
	assert.Equal(t, "Alice", approval.Metadata[domain.MetaOperator])
}

func TestApprove_UsesDraftWhenNoBodyGiven(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)

	_, err := h.svc.Approve(context.Background(), ApproveInput{
		CaseID:     proposed.Case.ID,
		ActionType: ActionSendReply,
		Operator:   "Alice",
	})
	require.NoError(t, err)
	require.Len(t, h.mailer.sent, 1)
	assert.Equal(t, "Hello, please reinstall the driver. Regards, Alice", h.mailer.sent[0].Body)
}

func TestApprove_IllegalFromNew(t *testing.T) {
	h := newHarness(t)
	h.svc.SetScheduler(&fakeScheduler{})
	created := h.triage(t)

	_, err := h.svc.Approve(context.Background(), ApproveInput{
		CaseID:     created.Case.ID,
		ActionType: ActionSendReply,
		Operator:   "Alice",
		NextStatus: "CLOSED",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))
	assert.False(t, apperrors.IsRetryable(err))
	assert.Equal(t, int32(0), h.mailer.calls.Load())

	snap, err := h.svc.GetCase(context.Background(), created.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusNew, snap.Case.Status)
	assert.Equal(t, created.Timeline, snap.Timeline)
}

func TestApprove_Validation(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)

	_, err := h.svc.Approve(context.Background(), ApproveInput{CaseID: proposed.Case.ID, ActionType: "DANCE"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = h.svc.Approve(context.Background(), ApproveInput{CaseID: proposed.Case.ID, ActionType: ActionJustUpdateStatus, NextStatus: "SOMEWHERE"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = h.svc.Approve(context.Background(), ApproveInput{CaseID: "case-missing", ActionType: ActionJustUpdateStatus})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestApprove_Guardrails(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)

	leaky := "This is Confidential"
	_, err := h.svc.Approve(context.Background(), ApproveInput{
		CaseID: proposed.Case.ID, ActionType: ActionSendReply, ReplyBody: &leaky,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
	assert.Equal(t, int32(0), h.mailer.calls.Load())

	snap, err := h.svc.GetCase(context.Background(), proposed.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, proposed.Revision(), snap.Revision())
}

func TestApprove_DeliveryFailureCommitsNothing(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)
	h.mailer.send = func(context.Context, domain.OutboundReply) error { return errors.New("smtp down") }

	_, err := h.svc.Approve(context.Background(), ApproveInput{
		CaseID: proposed.Case.ID, ActionType: ActionSendReply, Operator: "Alice",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDelivery))
	assert.True(t, apperrors.IsRetryable(err))

	snap, err := h.svc.GetCase(context.Background(), proposed.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusProposed, snap.Case.Status)
	assert.Equal(t, proposed.Revision(), snap.Revision())
	assert.Len(t, snap.Timeline, len(proposed.Timeline))
}

func TestApprove_IdempotentRequestID(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)
	in := ApproveInput{
		CaseID: proposed.Case.ID, ActionType: ActionSendReply, Operator: "Alice", RequestID: "req-1",
	}

	first, err := h.svc.Approve(context.Background(), in)
	require.NoError(t, err)
	second, err := h.svc.Approve(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.mailer.calls.Load())
	assert.Equal(t, first.Revision(), second.Revision())
	assert.Len(t, second.Timeline, len(first.Timeline))
}

func TestApproveAndClose_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.mailer.send = func(context.Context, domain.OutboundReply) error {
		close(entered)
		<-unblock
		return nil
	}

	var approveErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, approveErr = h.svc.Approve(context.Background(), ApproveInput{
			CaseID: proposed.Case.ID, ActionType: ActionSendReply, Operator: "Alice",
		})
	}()

	<-entered
	_, closeErr := h.svc.Close(context.Background(), CloseInput{CaseID: proposed.Case.ID, ClosureNote: "done"})
	close(unblock)
	<-done

	require.NoError(t, approveErr)
	assert.True(t, apperrors.IsCode(closeErr, apperrors.CodeConflict))
	assert.True(t, apperrors.IsRetryable(closeErr))

	snap, err := h.svc.GetCase(context.Background(), proposed.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusWaitingCustomer, snap.Case.Status)
	assert.Len(t, snap.Timeline, len(proposed.Timeline)+1)
}

func TestClose_PublishCalls(t *testing.T) {
	h := newHarness(t)
	a := h.triage(t)
	b := h.triage(t)

	closedA, err := h.svc.Close(context.Background(), CloseInput{CaseID: a.Case.ID, ClosureNote: "Replaced toner", Operator: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), h.publisher.calls.Load())
	assert.Equal(t, domain.CaseStatusClosed, closedA.Case.Status)
	assert.Empty(t, closedA.Case.WaitingFor)
	assert.Nil(t, closedA.Case.NextContactDue)
	assert.Equal(t, "Replaced toner", closedA.Proposal.ClosureNote)
	require.NotNil(t, closedA.Proposal.ClosureDraft)
	last := closedA.Timeline[len(closedA.Timeline)-1]
	assert.Equal(t, domain.EventStatusChange, last.Type)
	assert.Equal(t, "Case closed: Replaced toner", last.Message)

	h.publisher.err = errors.New("broker unavailable")
	closedB, err := h.svc.Close(context.Background(), CloseInput{CaseID: b.Case.ID, ClosureNote: "Reinstalled driver", PublishKB: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.publisher.calls.Load())
	assert.Equal(t, domain.CaseStatusClosed, closedB.Case.Status)

	tail := closedB.Timeline[len(closedB.Timeline)-2:]
	assert.Equal(t, "Case closed: Reinstalled driver", tail[0].Message)
	assert.Equal(t, false, tail[0].Metadata["published"])
	assert.Equal(t, "knowledge_publish_failed", tail[1].Metadata[domain.MetaNote])
}

func TestClose_RejectsClosedAndEmptyNote(t *testing.T) {
	h := newHarness(t)
	snap := h.triage(t)

	_, err := h.svc.Close(context.Background(), CloseInput{CaseID: snap.Case.ID})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = h.svc.Close(context.Background(), CloseInput{CaseID: snap.Case.ID, ClosureNote: "done"})
	require.NoError(t, err)
	_, err = h.svc.Close(context.Background(), CloseInput{CaseID: snap.Case.ID, ClosureNote: "again"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))
}

func TestClose_ClosureDraftFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	snap := h.triage(t)
	h.analyzer.draftClosure = func(context.Context, domain.CaseSnapshot, string) (*domain.ClosureDraft, error) {
		return nil, errors.New("timeout")
	}

	closed, err := h.svc.Close(context.Background(), CloseInput{CaseID: snap.Case.ID, ClosureNote: "done"})
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusClosed, closed.Case.Status)
	last := closed.Timeline[len(closed.Timeline)-1]
	assert.Equal(t, "closure_draft_failed", last.Metadata[domain.MetaNote])
}

func TestClose_NewCaseKeepsNoProposal(t *testing.T) {
	h := newHarness(t)
	h.svc.SetScheduler(&fakeScheduler{})
	h.analyzer.draftClosure = func(context.Context, domain.CaseSnapshot, string) (*domain.ClosureDraft, error) {
		return &domain.ClosureDraft{RootCause: "duplicate", KnowledgeTitle: "Duplicate printer ticket"}, nil
	}
	fresh := h.triage(t)
	require.Equal(t, domain.CaseStatusNew, fresh.Case.Status)
	require.Nil(t, fresh.Proposal)

	closed, err := h.svc.Close(context.Background(), CloseInput{CaseID: fresh.Case.ID, ClosureNote: "Duplicate of an open case", PublishKB: true})
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusClosed, closed.Case.Status)
	assert.Nil(t, closed.Proposal)

	stored, err := h.store.Repos().Proposals.Get(context.Background(), fresh.Case.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	last := closed.Timeline[len(closed.Timeline)-1]
	assert.Equal(t, "Case closed: Duplicate of an open case", last.Message)
	assert.Equal(t, "Duplicate of an open case", last.Metadata["closure_note"])
	assert.Equal(t, "Duplicate printer ticket", last.Metadata["knowledge_title"])
	draft, ok := last.Metadata["closure_draft"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "duplicate", draft["root_cause"])
	assert.Equal(t, int32(1), h.publisher.calls.Load())
}

func waitingCase(t *testing.T, h *harness) *domain.CaseSnapshot {
	t.Helper()
	proposed := h.triage(t)
	snap, err := h.svc.Approve(context.Background(), ApproveInput{
		CaseID: proposed.Case.ID, ActionType: ActionSendReply, Operator: "Alice",
	})
	require.NoError(t, err)
	return snap
}

func TestReplyIngest_Reanalyzes(t *testing.T) {
	h := newHarness(t)
	waiting := waitingCase(t, h)

	var seen domain.AnalysisContext
	h.analyzer.analyze = func(_ context.Context, in domain.AnalysisContext) (*domain.Proposal, error) {
		seen = in
		p := sampleProposal()
		p.Summary = "Customer confirmed the fix"
		return p, nil
	}

	updated, err := h.svc.ReplyIngest(context.Background(), ReplyInput{
		CaseID:    waiting.Case.ID,
		ReplyText: "Still broken",
		NewLogs:   "error 42",
	})
	require.NoError(t, err)

	assert.Equal(t, "Still broken", seen.ReplyText)
	assert.Equal(t, "error 42", seen.NewLogs)
	assert.NotNil(t, seen.PriorProposal)
	assert.Equal(t, domain.CaseStatusProposed, updated.Case.Status)
	assert.Equal(t, "Customer confirmed the fix", updated.Proposal.Summary)
	assert.Equal(t, "error 42", updated.Case.Logs)

	n := len(updated.Timeline)
	assert.Equal(t, domain.EventReplyReceived, updated.Timeline[n-2].Type)
	assert.Equal(t, domain.EventAIAnalysis, updated.Timeline[n-1].Type)
}

func TestReplyIngest_FailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	waiting := waitingCase(t, h)
	h.analyzer.analyze = func(context.Context, domain.AnalysisContext) (*domain.Proposal, error) {
		return nil, errors.New("bad gateway")
	}

	_, err := h.svc.ReplyIngest(context.Background(), ReplyInput{CaseID: waiting.Case.ID, ReplyText: "hello"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCollaborator))

	snap, err := h.svc.GetCase(context.Background(), waiting.Case.ID)
	require.NoError(t, err)
	before, _ := json.Marshal(waiting)
	after, _ := json.Marshal(snap)
	assert.JSONEq(t, string(before), string(after))
}

func TestReplyIngest_IllegalFromProposed(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)
	_, err := h.svc.ReplyIngest(context.Background(), ReplyInput{CaseID: proposed.Case.ID, ReplyText: "hello"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))
}

func TestGetCase_RepeatedReadsAreByteIdentical(t *testing.T) {
	h := newHarness(t)
	snap := waitingCase(t, h)

	first, err := h.svc.GetCase(context.Background(), snap.Case.ID)
	require.NoError(t, err)
	second, err := h.svc.GetCase(context.Background(), snap.Case.ID)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSubscribe_ReceivesCommittedSnapshotsInOrder(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)

	initial, sub, err := h.svc.Subscribe(context.Background(), proposed.Case.ID)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, proposed.Revision(), initial.Revision())

	_, err = h.svc.Approve(context.Background(), ApproveInput{CaseID: proposed.Case.ID, ActionType: ActionJustUpdateStatus, NextStatus: "WAITING_INTERNAL"})
	require.NoError(t, err)
	_, err = h.svc.Close(context.Background(), CloseInput{CaseID: proposed.Case.ID, ClosureNote: "done"})
	require.NoError(t, err)

	var got []domain.CaseStatus
	for i := 0; i < 2; i++ {
		select {
		case snap := <-sub.C():
			got = append(got, snap.Case.Status)
			assert.Equal(t, initial.Revision()+int64(i+1), snap.Revision())
		case <-time.After(time.Second):
			t.Fatal("no snapshot delivered")
		}
	}
	assert.Equal(t, []domain.CaseStatus{domain.CaseStatusWaitingInternal, domain.CaseStatusClosed}, got)
}

func TestDispatcherReceivesTransitions(t *testing.T) {
	h := newHarness(t)
	var transitions []events.CaseTransitionedPayload
	var mu sync.Mutex
	h.svc.dispatcher.Subscribe(events.EventCaseTransitioned, func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, e.Payload.(events.CaseTransitionedPayload))
		return nil
	})

	h.triage(t)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 3)
	assert.Equal(t, domain.CaseStatusNew, transitions[0].To)
	assert.Equal(t, domain.CaseStatusAnalyzing, transitions[1].To)
	assert.Equal(t, domain.CaseStatusProposed, transitions[2].To)
}

func TestChat_RevisesDraft(t *testing.T) {
	h := newHarness(t)
	proposed := h.triage(t)
	revised := "Shorter reply. [OPERATOR_NAME]"
	h.analyzer.chat = func(_ context.Context, q domain.ChatQuery) (*domain.ChatAnswer, error) {
		require.NotNil(t, q.Snapshot)
		assert.Equal(t, "make it shorter", q.Query)
		return &domain.ChatAnswer{Reply: "Shortened", RevisedReplyBody: &revised}, nil
	}

	res, err := h.svc.Chat(context.Background(), ChatInput{CaseID: proposed.Case.ID, Query: "make it shorter", Operator: "Alice"})
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, "Shortened", res.Reply)
	assert.Equal(t, revised, res.Snapshot.Proposal.ReplyDraft.Body)
	assert.Equal(t, domain.CaseStatusProposed, res.Snapshot.Case.Status)
	assert.Equal(t, domain.EventAIAnalysis, res.Snapshot.Timeline[len(res.Snapshot.Timeline)-1].Type)
}

func TestChat_GlobalDigest(t *testing.T) {
	h := newHarness(t)
	open := h.triage(t)
	closed := h.triage(t)
	_, err := h.svc.Close(context.Background(), CloseInput{CaseID: closed.Case.ID, ClosureNote: "done"})
	require.NoError(t, err)

	h.analyzer.chat = func(_ context.Context, q domain.ChatQuery) (*domain.ChatAnswer, error) {
		require.Len(t, q.Digest, 1)
		assert.Equal(t, open.Case.ID, q.Digest[0].ID)
		assert.NotNil(t, q.Snapshot)
		return &domain.ChatAnswer{Reply: "one open case"}, nil
	}
	res, err := h.svc.Chat(context.Background(), ChatInput{Query: "what about " + open.Case.ID + "?"})
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, "one open case", res.Reply)
}

func TestIngestInbound_Routing(t *testing.T) {
	h := newHarness(t)

	first, err := h.svc.IngestInbound(context.Background(), domain.InboundMessage{
		Subject:   "Printer offline",
		Body:      "It does not print",
		FromEmail: "bob@customer.com",
		ThreadID:  "thread-1",
		MessageID: "<m1@customer.com>",
	})
	require.NoError(t, err)
	assert.Equal(t, RouteTriaged, first.Route)
	caseID := first.Snapshot.Case.ID

	// PROPOSED cannot be re-analyzed; the reply is only recorded.
	second, err := h.svc.IngestInbound(context.Background(), domain.InboundMessage{
		Subject:   "Re: Printer offline",
		Body:      "Any news?",
		FromEmail: "bob@customer.com",
		ThreadID:  "thread-1",
	})
	require.NoError(t, err)
	assert.Equal(t, RouteRecorded, second.Route)
	assert.Equal(t, caseID, second.Snapshot.Case.ID)
	assert.Equal(t, domain.CaseStatusProposed, second.Snapshot.Case.Status)

	_, err = h.svc.Approve(context.Background(), ApproveInput{CaseID: caseID, ActionType: ActionSendReply})
	require.NoError(t, err)

	third, err := h.svc.IngestInbound(context.Background(), domain.InboundMessage{
		Subject:   "Re: Printer offline [Case: " + caseID + "]",
		Body:      "Still broken",
		FromEmail: "bob@customer.com",
		MessageID: "<m3@customer.com>",
	})
	require.NoError(t, err)
	assert.Equal(t, RouteReply, third.Route)
	assert.Equal(t, domain.CaseStatusProposed, third.Snapshot.Case.Status)

	_, err = h.svc.Close(context.Background(), CloseInput{CaseID: caseID, ClosureNote: "done"})
	require.NoError(t, err)
	fourth, err := h.svc.IngestInbound(context.Background(), domain.InboundMessage{
		Subject: "Re: Printer offline [Case: " + caseID + "]",
		Body:    "It broke again",
	})
	require.NoError(t, err)
	assert.Equal(t, RouteTriaged, fourth.Route)
	assert.NotEqual(t, caseID, fourth.Snapshot.Case.ID)
	assert.Equal(t, "Printer offline", fourth.Snapshot.Case.Title)
}
