package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/domain"
)

// DefaultSubscriptionBuffer is the number of undelivered snapshots a
// subscriber may lag behind before it is cut off.
const DefaultSubscriptionBuffer = 16

// allCases keys subscriptions that observe every case.
const allCases = ""

// Forwarder receives every locally published snapshot, e.g. to relay it to other instances.
type Forwarder func(snapshot *domain.CaseSnapshot)

// Hub pushes committed case snapshots to subscribers. Delivery per case
// follows publish order; a subscriber that falls behind is closed with
// Overflowed set instead of silently losing snapshots.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	forward Forwarder
	logger  *zap.Logger
}

// NewHub creates a hub; buffer <= 0 uses DefaultSubscriptionBuffer.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// SetForwarder installs fn to receive every snapshot passed to Publish.
func (h *Hub) SetForwarder(fn Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forward = fn
}

// Subscription is a stream of snapshots for one case, or all cases.
type Subscription struct {
	hub        *Hub
	caseID     string
	ch         chan *domain.CaseSnapshot
	closed     bool
	overflowed bool
	last       map[string]int64
}

// Subscribe opens a subscription for caseID.
func (h *Hub) Subscribe(caseID string) *Subscription {
	return h.subscribe(caseID)
}

// SubscribeAll opens a subscription receiving snapshots of every case.
func (h *Hub) SubscribeAll() *Subscription {
	return h.subscribe(allCases)
}

func (h *Hub) subscribe(key string) *Subscription {
	sub := &Subscription{
		hub:    h,
		caseID: key,
		ch:     make(chan *domain.CaseSnapshot, h.buffer),
		last:   make(map[string]int64),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*Subscription]struct{})
	}
	h.subs[key][sub] = struct{}{}
	return sub
}

// Publish delivers snapshot locally and hands it to the forwarder.
func (h *Hub) Publish(snapshot *domain.CaseSnapshot) {
	if snapshot == nil {
		return
	}
	h.Deliver(snapshot)

	h.mu.Lock()
	forward := h.forward
	h.mu.Unlock()
	if forward != nil {
		forward(snapshot)
	}
}

// Deliver pushes snapshot to local subscribers only.
func (h *Hub) Deliver(snapshot *domain.CaseSnapshot) {
	if snapshot == nil {
		return
	}
	caseID := snapshot.Case.ID

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range []string{caseID, allCases} {
		for sub := range h.subs[key] {
			h.deliverLocked(sub, caseID, snapshot)
		}
	}
}

func (h *Hub) deliverLocked(sub *Subscription, caseID string, snapshot *domain.CaseSnapshot) {
	revision := snapshot.Revision()
	if revision <= sub.last[caseID] {
		return
	}
	select {
	case sub.ch <- snapshot:
		sub.last[caseID] = revision
	default:
		h.logger.Warn("subscriber fell behind; closing for resync",
			zap.String("case_id", caseID),
			zap.Int64("revision", revision))
		sub.overflowed = true
		h.removeLocked(sub)
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if set := h.subs[sub.caseID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.caseID)
		}
	}
}

// Subscribers returns the number of open subscriptions for caseID.
func (h *Hub) Subscribers(caseID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[caseID])
}

// C is closed when the subscription ends.
func (s *Subscription) C() <-chan *domain.CaseSnapshot {
	return s.ch
}

// SkipThrough drops every delivery for caseID at or below revision,
// typically the revision of an initial snapshot read after subscribing.
// Snapshots already buffered at or below it are discarded too.
func (s *Subscription) SkipThrough(caseID string, revision int64) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if revision > s.last[caseID] {
		s.last[caseID] = revision
	}
	if s.closed {
		return
	}

	// Senders hold hub.mu, so the buffer can only shrink while it is drained.
	var kept []*domain.CaseSnapshot
drain:
	for {
		select {
		case snap := <-s.ch:
			if snap.Case.ID == caseID && snap.Revision() <= revision {
				continue
			}
			kept = append(kept, snap)
		default:
			break drain
		}
	}
	for _, snap := range kept {
		s.ch <- snap
	}
}

// Overflowed reports whether the subscription was cut off for lagging.
// Consumers must refetch the full snapshot before resubscribing.
func (s *Subscription) Overflowed() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.overflowed
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}
