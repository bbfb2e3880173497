package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/supportdesk/case-service/internal/domain"
)

var errReadOnly = errors.New("write attempted in read-only transaction")

// MemoryStore keeps cases in process memory. It backs the service when no
// Postgres DSN is configured and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memoryData
}

type memoryData struct {
	cases     map[string]*domain.Case
	proposals map[string]*domain.Proposal
	timeline  map[string][]domain.TimelineEvent
	operators map[string]*domain.Operator
}

func newMemoryData() *memoryData {
	return &memoryData{
		cases:     map[string]*domain.Case{},
		proposals: map[string]*domain.Proposal{},
		timeline:  map[string][]domain.TimelineEvent{},
		operators: map[string]*domain.Operator{},
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemoryData()}
}

func (s *MemoryStore) Repos() Repositories {
	return (&memoryView{store: s}).repositories()
}

// InTx stages writes and merges them into committed state only when fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	view := &memoryView{store: s, held: true, staged: newMemoryData()}
	if err := fn(view.repositories()); err != nil {
		return err
	}
	s.merge(view.staged)
	return nil
}

func (s *MemoryStore) ReadTx(ctx context.Context, fn func(Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	view := &memoryView{store: s, held: true, readOnly: true}
	return fn(view.repositories())
}

func (s *MemoryStore) merge(staged *memoryData) {
	for id, c := range staged.cases {
		s.data.cases[id] = c
	}
	for id, p := range staged.proposals {
		s.data.proposals[id] = p
	}
	for id, events := range staged.timeline {
		s.data.timeline[id] = append(s.data.timeline[id], events...)
	}
	for id, op := range staged.operators {
		s.data.operators[id] = op
	}
}

// memoryView is one access path into the store: direct (locks per call),
// inside InTx (writes staged) or inside ReadTx (read-only).
type memoryView struct {
	store    *MemoryStore
	held     bool
	readOnly bool
	staged   *memoryData
}

func (v *memoryView) repositories() Repositories {
	return Repositories{
		Cases:     &memoryCases{v},
		Proposals: &memoryProposals{v},
		Timeline:  &memoryTimeline{v},
		Operators: &memoryOperators{v},
	}
}

func (v *memoryView) read(fn func() error) error {
	if !v.held {
		v.store.mu.RLock()
		defer v.store.mu.RUnlock()
	}
	return fn()
}

func (v *memoryView) write(fn func(target *memoryData) error) error {
	if v.readOnly {
		return errReadOnly
	}
	if !v.held {
		v.store.mu.Lock()
		defer v.store.mu.Unlock()
		return fn(v.store.data)
	}
	return fn(v.staged)
}

func (v *memoryView) lookupCase(id string) (*domain.Case, bool) {
	if v.staged != nil {
		if c, ok := v.staged.cases[id]; ok {
			return c, true
		}
	}
	c, ok := v.store.data.cases[id]
	return c, ok
}

func (v *memoryView) allCases() map[string]*domain.Case {
	out := maps.Clone(v.store.data.cases)
	if v.staged != nil {
		for id, c := range v.staged.cases {
			out[id] = c
		}
	}
	return out
}

func (v *memoryView) events(caseID string) []domain.TimelineEvent {
	events := v.store.data.timeline[caseID]
	if v.staged != nil {
		if pending := v.staged.timeline[caseID]; len(pending) > 0 {
			events = append(append([]domain.TimelineEvent{}, events...), pending...)
		}
	}
	return events
}

func (v *memoryView) allOperators() map[string]*domain.Operator {
	out := maps.Clone(v.store.data.operators)
	if v.staged != nil {
		for id, op := range v.staged.operators {
			out[id] = op
		}
	}
	return out
}

type memoryCases struct{ v *memoryView }

func (r *memoryCases) Create(_ context.Context, c *domain.Case) error {
	return r.v.write(func(target *memoryData) error {
		if _, exists := r.v.lookupCase(c.ID); exists {
			return fmt.Errorf("case %s already exists", c.ID)
		}
		target.cases[c.ID] = c.Clone()
		return nil
	})
}

func (r *memoryCases) Update(_ context.Context, c *domain.Case) error {
	return r.v.write(func(target *memoryData) error {
		current, exists := r.v.lookupCase(c.ID)
		if !exists {
			return pgx.ErrNoRows
		}
		if current.Revision != c.Revision-1 {
			return ErrStaleRevision
		}
		target.cases[c.ID] = c.Clone()
		return nil
	})
}

func (r *memoryCases) GetByID(_ context.Context, id string) (*domain.Case, error) {
	var out *domain.Case
	err := r.v.read(func() error {
		c, ok := r.v.lookupCase(id)
		if !ok {
			return pgx.ErrNoRows
		}
		out = c.Clone()
		return nil
	})
	return out, err
}

func (r *memoryCases) GetByThreadID(_ context.Context, threadID string) (*domain.Case, error) {
	var out *domain.Case
	err := r.v.read(func() error {
		for _, c := range r.v.allCases() {
			if c.ThreadID == nil || *c.ThreadID != threadID {
				continue
			}
			if out == nil || c.CreatedAt.After(out.CreatedAt) {
				out = c
			}
		}
		if out == nil {
			return pgx.ErrNoRows
		}
		out = out.Clone()
		return nil
	})
	return out, err
}

func (r *memoryCases) List(_ context.Context, filter CaseFilter) ([]domain.Case, error) {
	var result []domain.Case
	err := r.v.read(func() error {
		search := ""
		if filter.SearchTerm != nil {
			search = strings.ToLower(strings.TrimSpace(*filter.SearchTerm))
		}
		for _, c := range r.v.allCases() {
			if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, c.Status) {
				continue
			}
			if search != "" &&
				!strings.Contains(strings.ToLower(c.Title), search) &&
				!strings.Contains(strings.ToLower(c.Description), search) {
				continue
			}
			result = append(result, *c.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func containsStatus(statuses []domain.CaseStatus, status domain.CaseStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

type memoryProposals struct{ v *memoryView }

func (r *memoryProposals) Set(_ context.Context, caseID string, proposal *domain.Proposal) error {
	if proposal == nil {
		return errors.New("proposal is nil")
	}
	return r.v.write(func(target *memoryData) error {
		if _, ok := r.v.lookupCase(caseID); !ok {
			return pgx.ErrNoRows
		}
		target.proposals[caseID] = proposal.Clone()
		return nil
	})
}

func (r *memoryProposals) Get(_ context.Context, caseID string) (*domain.Proposal, error) {
	var out *domain.Proposal
	err := r.v.read(func() error {
		if r.v.staged != nil {
			if p, ok := r.v.staged.proposals[caseID]; ok {
				out = p.Clone()
				return nil
			}
		}
		out = r.v.store.data.proposals[caseID].Clone()
		return nil
	})
	return out, err
}

type memoryTimeline struct{ v *memoryView }

func (r *memoryTimeline) Append(_ context.Context, caseID string, event *domain.TimelineEvent) error {
	return r.v.write(func(target *memoryData) error {
		if _, ok := r.v.lookupCase(caseID); !ok {
			return pgx.ErrNoRows
		}
		existing := r.v.events(caseID)
		for _, e := range existing {
			if e.ID == event.ID {
				return fmt.Errorf("timeline event %s already exists", event.ID)
			}
		}
		event.CaseID = caseID
		event.Seq = int64(len(existing)) + 1
		stored := *event
		stored.Metadata = maps.Clone(event.Metadata)
		target.timeline[caseID] = append(target.timeline[caseID], stored)
		return nil
	})
}

func (r *memoryTimeline) Read(_ context.Context, caseID string) ([]domain.TimelineEvent, error) {
	var out []domain.TimelineEvent
	err := r.v.read(func() error {
		events := r.v.events(caseID)
		out = make([]domain.TimelineEvent, len(events))
		for i, e := range events {
			e.Metadata = maps.Clone(e.Metadata)
			out[i] = e
		}
		return nil
	})
	return out, err
}

func (r *memoryTimeline) FindByRequestID(_ context.Context, caseID, requestID string) (*domain.TimelineEvent, error) {
	var out *domain.TimelineEvent
	err := r.v.read(func() error {
		for _, e := range r.v.events(caseID) {
			if e.RequestID() == requestID {
				found := e
				found.Metadata = maps.Clone(e.Metadata)
				out = &found
				return nil
			}
		}
		return nil
	})
	return out, err
}

type memoryOperators struct{ v *memoryView }

func (r *memoryOperators) Create(_ context.Context, operator *domain.Operator) error {
	return r.v.write(func(target *memoryData) error {
		for _, existing := range r.v.allOperators() {
			if existing.ID == operator.ID || strings.EqualFold(existing.Email, operator.Email) {
				return fmt.Errorf("operator %s already exists", operator.Email)
			}
		}
		stored := *operator
		target.operators[operator.ID] = &stored
		return nil
	})
}

func (r *memoryOperators) GetByID(_ context.Context, id string) (*domain.Operator, error) {
	return r.find(func(op *domain.Operator) bool { return op.ID == id })
}

func (r *memoryOperators) GetByEmail(_ context.Context, email string) (*domain.Operator, error) {
	return r.find(func(op *domain.Operator) bool { return strings.EqualFold(op.Email, email) })
}

func (r *memoryOperators) find(match func(*domain.Operator) bool) (*domain.Operator, error) {
	var out *domain.Operator
	err := r.v.read(func() error {
		for _, op := range r.v.allOperators() {
			if match(op) {
				found := *op
				out = &found
				return nil
			}
		}
		return pgx.ErrNoRows
	})
	return out, err
}

func (r *memoryOperators) List(_ context.Context) ([]domain.Operator, error) {
	var result []domain.Operator
	err := r.v.read(func() error {
		for _, op := range r.v.allOperators() {
			result = append(result, *op)
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Email < result[j].Email
	})
	return result, err
}
