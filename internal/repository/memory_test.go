package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/case-service/internal/domain"
)

func seedCase(t *testing.T, store *MemoryStore, id string, status domain.CaseStatus, updated time.Time) {
	t.Helper()
	err := store.Repos().Cases.Create(context.Background(), &domain.Case{
		ID:        id,
		Title:     "Case " + id,
		Status:    status,
		CreatedAt: updated,
		UpdatedAt: updated,
	})
	require.NoError(t, err)
}

func TestMemoryStore_InTxCommitsTogether(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	err := store.InTx(ctx, func(repos Repositories) error {
		c := &domain.Case{ID: "case-1", Title: "Printer offline", Status: domain.CaseStatusNew, CreatedAt: now, UpdatedAt: now}
		if err := repos.Cases.Create(ctx, c); err != nil {
			return err
		}
		event := domain.NewTimelineEvent(domain.EventIngest, domain.ActorUser, "created", nil)
		if err := repos.Timeline.Append(ctx, c.ID, &event); err != nil {
			return err
		}
		c.Revision = event.Seq
		return repos.Cases.Update(ctx, c)
	})
	require.NoError(t, err)

	got, err := store.Repos().Cases.GetByID(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)

	events, err := store.Repos().Timeline.Read(ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, "case-1", events[0].CaseID)
}

func TestMemoryStore_InTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	seedCase(t, store, "case-1", domain.CaseStatusNew, now)

	boom := errors.New("boom")
	err := store.InTx(ctx, func(repos Repositories) error {
		c, err := repos.Cases.GetByID(ctx, "case-1")
		if err != nil {
			return err
		}
		c.Status = domain.CaseStatusProposed
		c.Revision++
		if err := repos.Cases.Update(ctx, c); err != nil {
			return err
		}
		if err := repos.Proposals.Set(ctx, c.ID, &domain.Proposal{Summary: "x"}); err != nil {
			return err
		}
		event := domain.NewTimelineEvent(domain.EventAIAnalysis, domain.ActorAI, "analysis", nil)
		if err := repos.Timeline.Append(ctx, c.ID, &event); err != nil {
			return err
		}

		staged, err := repos.Cases.GetByID(ctx, "case-1")
		require.NoError(t, err)
		assert.Equal(t, domain.CaseStatusProposed, staged.Status)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Repos().Cases.GetByID(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusNew, got.Status)

	proposal, err := store.Repos().Proposals.Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Nil(t, proposal)

	events, err := store.Repos().Timeline.Read(ctx, "case-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryStore_ReadTxRejectsWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedCase(t, store, "case-1", domain.CaseStatusNew, time.Now().UTC())

	err := store.ReadTx(ctx, func(repos Repositories) error {
		c, err := repos.Cases.GetByID(ctx, "case-1")
		if err != nil {
			return err
		}
		return repos.Cases.Update(ctx, c)
	})
	assert.ErrorIs(t, err, errReadOnly)
}

func TestMemoryCases_NotFoundMatchesPostgres(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Repos().Cases.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	err = store.Repos().Cases.Update(ctx, &domain.Case{ID: "missing"})
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	_, err = store.Repos().Cases.GetByThreadID(ctx, "thread")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestMemoryCases_UpdateRejectsStaleRevision(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedCase(t, store, "case-1", domain.CaseStatusNew, time.Now().UTC())
	cases := store.Repos().Cases

	first, err := cases.GetByID(ctx, "case-1")
	require.NoError(t, err)
	second, err := cases.GetByID(ctx, "case-1")
	require.NoError(t, err)

	first.Status = domain.CaseStatusAnalyzing
	first.Revision++
	require.NoError(t, cases.Update(ctx, first))

	second.Status = domain.CaseStatusClosed
	second.Revision++
	assert.ErrorIs(t, cases.Update(ctx, second), ErrStaleRevision)

	second.Revision = 5
	assert.ErrorIs(t, cases.Update(ctx, second), ErrStaleRevision)

	got, err := cases.GetByID(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusAnalyzing, got.Status)
	assert.Equal(t, int64(1), got.Revision)
}

func TestMemoryCases_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedCase(t, store, "case-1", domain.CaseStatusNew, time.Now().UTC())

	got, err := store.Repos().Cases.GetByID(ctx, "case-1")
	require.NoError(t, err)
	got.Status = domain.CaseStatusClosed

	again, err := store.Repos().Cases.GetByID(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusNew, again.Status)
}

func TestMemoryCases_ListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedCase(t, store, "case-a", domain.CaseStatusNew, base)
	seedCase(t, store, "case-b", domain.CaseStatusProposed, base.Add(time.Hour))
	seedCase(t, store, "case-c", domain.CaseStatusNew, base.Add(2*time.Hour))

	all, err := store.Repos().Cases.List(ctx, CaseFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "case-c", all[0].ID)
	assert.Equal(t, "case-a", all[2].ID)

	onlyNew, err := store.Repos().Cases.List(ctx, CaseFilter{Statuses: []domain.CaseStatus{domain.CaseStatusNew}})
	require.NoError(t, err)
	assert.Len(t, onlyNew, 2)

	search := "case B"
	found, err := store.Repos().Cases.List(ctx, CaseFilter{SearchTerm: &search})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "case-b", found[0].ID)

	paged, err := store.Repos().Cases.List(ctx, CaseFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "case-b", paged[0].ID)

	empty, err := store.Repos().Cases.List(ctx, CaseFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryCases_GetByThreadID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	thread := "thread-1"
	now := time.Now().UTC()
	require.NoError(t, store.Repos().Cases.Create(ctx, &domain.Case{ID: "case-1", ThreadID: &thread, CreatedAt: now}))

	got, err := store.Repos().Cases.GetByThreadID(ctx, thread)
	require.NoError(t, err)
	assert.Equal(t, "case-1", got.ID)
}

func TestMemoryProposals_SetReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedCase(t, store, "case-1", domain.CaseStatusNew, time.Now().UTC())

	repos := store.Repos()
	require.NoError(t, repos.Proposals.Set(ctx, "case-1", &domain.Proposal{Summary: "first", MissingInfo: []string{"logs"}}))
	require.NoError(t, repos.Proposals.Set(ctx, "case-1", &domain.Proposal{Summary: "second"}))

	got, err := repos.Proposals.Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Summary)
	assert.Empty(t, got.MissingInfo)

	assert.ErrorIs(t, repos.Proposals.Set(ctx, "missing", &domain.Proposal{}), pgx.ErrNoRows)
}

func TestMemoryTimeline_ConcurrentAppendsAreTotallyOrdered(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	seedCase(t, store, "case-1", domain.CaseStatusNew, now)
	seedCase(t, store, "case-2", domain.CaseStatusNew, now)

	const perCase = 50
	var wg sync.WaitGroup
	for _, caseID := range []string{"case-1", "case-2"} {
		for i := 0; i < perCase; i++ {
			wg.Add(1)
			go func(caseID string, i int) {
				defer wg.Done()
				event := domain.NewTimelineEvent(domain.EventStatusChange, domain.ActorSystem, fmt.Sprintf("event %d", i), nil)
				assert.NoError(t, store.Repos().Timeline.Append(ctx, caseID, &event))
			}(caseID, i)
		}
	}
	wg.Wait()

	for _, caseID := range []string{"case-1", "case-2"} {
		events, err := store.Repos().Timeline.Read(ctx, caseID)
		require.NoError(t, err)
		require.Len(t, events, perCase)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Seq)
		}
	}
}

func TestMemoryTimeline_FindByRequestID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedCase(t, store, "case-1", domain.CaseStatusNew, time.Now().UTC())

	event := domain.NewTimelineEvent(domain.EventHumanApprove, domain.ActorEngineer, "sent", map[string]any{
		domain.MetaRequestID: "req-1",
	})
	require.NoError(t, store.Repos().Timeline.Append(ctx, "case-1", &event))

	found, err := store.Repos().Timeline.FindByRequestID(ctx, "case-1", "req-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, event.ID, found.ID)

	missing, err := store.Repos().Timeline.FindByRequestID(ctx, "case-1", "req-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryOperators_UniqueEmail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repos := store.Repos()

	require.NoError(t, repos.Operators.Create(ctx, &domain.Operator{ID: "op-1", Email: "alice@example.com", Role: domain.OperatorRoleAdmin}))
	assert.Error(t, repos.Operators.Create(ctx, &domain.Operator{ID: "op-2", Email: "ALICE@example.com"}))

	got, err := repos.Operators.GetByEmail(ctx, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "op-1", got.ID)

	_, err = repos.Operators.GetByID(ctx, "op-9")
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	list, err := repos.Operators.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
