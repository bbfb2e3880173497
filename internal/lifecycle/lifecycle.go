// Package lifecycle holds the case state machine. It is pure: no I/O, no clocks
// beyond the values passed in.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/supportdesk/case-service/internal/domain"
)

// Trigger names what is asking for a transition.
type Trigger string

const (
	TriggerTriage           Trigger = "TRIAGE"
	TriggerAnalysisStart    Trigger = "ANALYSIS_START"
	TriggerAnalysisComplete Trigger = "ANALYSIS_COMPLETE"
	TriggerAnalysisAbort    Trigger = "ANALYSIS_ABORT"
	TriggerApprove          Trigger = "APPROVE"
	TriggerReplyIngest      Trigger = "REPLY_INGEST"
	TriggerReviseDraft      Trigger = "REVISE_DRAFT"
	TriggerClose            Trigger = "CLOSE"
)

// Class separates who drives a transition.
type Class string

const (
	// ClassSystem transitions are driven by the service itself (intake, analysis).
	ClassSystem Class = "SYSTEM"
	// ClassOperator transitions require an explicit human decision.
	ClassOperator Class = "OPERATOR"
	// ClassReanalysis is the soft class: new information re-opens analysis.
	ClassReanalysis Class = "REANALYSIS"
)

// none is the pseudo source state of a case that does not exist yet.
const none domain.CaseStatus = ""

// Transition is one legal edge of the state machine.
type Transition struct {
	Trigger Trigger
	Class   Class
	From    domain.CaseStatus
	To      domain.CaseStatus
}

// TransitionError explains why a request was rejected.
type TransitionError struct {
	Trigger Trigger
	From    domain.CaseStatus
	To      domain.CaseStatus
	Reason  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s from %q to %q rejected: %s", e.Trigger, e.From, e.To, e.Reason)
}

var (
	approveTargets = []domain.CaseStatus{
		domain.CaseStatusWaitingCustomer,
		domain.CaseStatusWaitingInternal,
		domain.CaseStatusValidating,
		domain.CaseStatusClosing,
	}
	waitingStates = []domain.CaseStatus{
		domain.CaseStatusWaitingCustomer,
		domain.CaseStatusWaitingInternal,
	}
)

// table lists every legal edge. Order is irrelevant; lookups scan it.
var table = buildTable()

func buildTable() []Transition {
	edges := []Transition{
		{TriggerTriage, ClassSystem, none, domain.CaseStatusNew},
		{TriggerAnalysisStart, ClassSystem, domain.CaseStatusNew, domain.CaseStatusAnalyzing},
		{TriggerAnalysisComplete, ClassSystem, domain.CaseStatusAnalyzing, domain.CaseStatusProposed},
		{TriggerAnalysisAbort, ClassSystem, domain.CaseStatusAnalyzing, domain.CaseStatusNew},
	}

	approveSources := append([]domain.CaseStatus{domain.CaseStatusProposed}, waitingStates...)
	for _, from := range approveSources {
		for _, to := range approveTargets {
			edges = append(edges, Transition{TriggerApprove, ClassOperator, from, to})
		}
	}
	for _, to := range []domain.CaseStatus{domain.CaseStatusWaitingCustomer, domain.CaseStatusWaitingInternal, domain.CaseStatusClosing} {
		edges = append(edges, Transition{TriggerApprove, ClassOperator, domain.CaseStatusValidating, to})
	}

	for _, from := range append(append([]domain.CaseStatus{}, waitingStates...), domain.CaseStatusValidating) {
		edges = append(edges,
			Transition{TriggerReplyIngest, ClassReanalysis, from, domain.CaseStatusProposed},
			Transition{TriggerReplyIngest, ClassReanalysis, from, from},
		)
	}

	for _, from := range []domain.CaseStatus{
		domain.CaseStatusProposed,
		domain.CaseStatusWaitingCustomer,
		domain.CaseStatusWaitingInternal,
		domain.CaseStatusValidating,
		domain.CaseStatusClosing,
	} {
		edges = append(edges, Transition{TriggerReviseDraft, ClassOperator, from, from})
	}

	for _, from := range domain.CaseStatuses {
		if from == domain.CaseStatusClosed {
			continue
		}
		edges = append(edges, Transition{TriggerClose, ClassOperator, from, domain.CaseStatusClosed})
	}
	return edges
}

// Check validates a requested transition. It never coerces: the request is
// either legal as stated or rejected with a *TransitionError.
func Check(current domain.CaseStatus, trigger Trigger, target domain.CaseStatus) (Transition, error) {
	if current != none && !current.Valid() {
		return Transition{}, &TransitionError{Trigger: trigger, From: current, To: target, Reason: "unknown current status"}
	}
	if !target.Valid() {
		return Transition{}, &TransitionError{Trigger: trigger, From: current, To: target, Reason: "unknown target status"}
	}
	if current == domain.CaseStatusClosed {
		return Transition{}, &TransitionError{Trigger: trigger, From: current, To: target, Reason: "case is closed"}
	}

	sourceKnown := false
	for _, edge := range table {
		if edge.Trigger != trigger || edge.From != current {
			continue
		}
		sourceKnown = true
		if edge.To == target {
			return edge, nil
		}
	}
	if !sourceKnown {
		return Transition{}, &TransitionError{Trigger: trigger, From: current, To: target, Reason: "status is not a legal source for this trigger"}
	}
	return Transition{}, &TransitionError{Trigger: trigger, From: current, To: target, Reason: "target not reachable from current status"}
}

// Targets lists the statuses reachable from current via trigger.
func Targets(current domain.CaseStatus, trigger Trigger) []domain.CaseStatus {
	var out []domain.CaseStatus
	for _, edge := range table {
		if edge.Trigger == trigger && edge.From == current {
			out = append(out, edge.To)
		}
	}
	return out
}

// Transitions returns a copy of the full table.
func Transitions() []Transition {
	return append([]Transition{}, table...)
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status domain.CaseStatus) bool {
	return status == domain.CaseStatusClosed
}

// WaitingFor derives the pause reasons for a status.
func WaitingFor(status domain.CaseStatus) []string {
	switch status {
	case domain.CaseStatusProposed:
		return []string{domain.WaitingEngineerApproval}
	case domain.CaseStatusWaitingCustomer:
		return []string{domain.WaitingCustomer}
	case domain.CaseStatusWaitingInternal:
		return []string{domain.WaitingInternal}
	case domain.CaseStatusValidating:
		return []string{domain.WaitingValidation}
	case domain.CaseStatusClosing:
		return []string{domain.WaitingClosure}
	default:
		return []string{}
	}
}

// NormalizeNextContact returns the suggested due time, or now+fallback when the
// suggestion is missing or already in the past.
func NormalizeNextContact(suggested *time.Time, now time.Time, fallback time.Duration) time.Time {
	if suggested == nil || suggested.IsZero() || suggested.Before(now) {
		return now.Add(fallback).UTC()
	}
	return suggested.UTC()
}
