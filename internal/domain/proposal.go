package domain

import "time"

// Likelihood grades a hypothesis.
type Likelihood string

const (
	LikelihoodHigh   Likelihood = "High"
	LikelihoodMedium Likelihood = "Medium"
	LikelihoodLow    Likelihood = "Low"
)

// ActionKind classifies a step of the next action plan.
type ActionKind string

const (
	ActionKindCommand     ActionKind = "COMMAND"
	ActionKindRequestInfo ActionKind = "REQUEST_INFO"
	ActionKindEscalate    ActionKind = "ESCALATE"
)

// Hypothesis is a candidate root cause.
type Hypothesis struct {
	Cause      string     `json:"cause"`
	Likelihood Likelihood `json:"likelihood"`
	Reasoning  string     `json:"reasoning"`
}

// Evidence backs a hypothesis.
type Evidence struct {
	Source   string `json:"source"`
	Content  string `json:"content"`
	Verified bool   `json:"verified"`
}

// ActionStep is one recommended action.
type ActionStep struct {
	Kind        ActionKind `json:"kind"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Command     *string    `json:"command,omitempty"`
}

// ReplyDraft is a drafted outbound reply.
type ReplyDraft struct {
	To          string   `json:"to"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
}

// ClosureDraft summarizes how a case was resolved.
type ClosureDraft struct {
	RootCause         string `json:"root_cause"`
	ResolutionSteps   string `json:"resolution_steps"`
	PreventionMeasure string `json:"prevention_measure"`
	KnowledgeTitle    string `json:"knowledge_title,omitempty"`
}

// Proposal is the latest AI analysis artifact for a case. It is replaced wholesale.
type Proposal struct {
	Summary              string        `json:"summary"`
	ConfidenceScore      float64       `json:"confidence_score"`
	Hypotheses           []Hypothesis  `json:"hypotheses"`
	MissingInfo          []string      `json:"missing_info"`
	EvidencePack         []Evidence    `json:"evidence_pack"`
	NextActionPlan       []ActionStep  `json:"next_action_plan"`
	ReplyDraft           *ReplyDraft   `json:"reply_draft,omitempty"`
	ClosureDraft         *ClosureDraft `json:"closure_draft,omitempty"`
	ClosureNote          string        `json:"closure_note,omitempty"`
	SuggestedPriority    CasePriority  `json:"suggested_priority,omitempty"`
	NextContactDue       *time.Time    `json:"next_contact_due,omitempty"`
	RoutingSuggestion    *string       `json:"routing_suggestion,omitempty"`
	EscalationSuggestion *string       `json:"escalation_suggestion,omitempty"`
	DetectedCustomerName *string       `json:"detected_customer_name,omitempty"`
	GeneratedAt          time.Time     `json:"generated_at"`
}

// Clone returns a deep copy safe to mutate.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	out := *p
	out.Hypotheses = append([]Hypothesis{}, p.Hypotheses...)
	out.MissingInfo = append([]string{}, p.MissingInfo...)
	out.EvidencePack = append([]Evidence{}, p.EvidencePack...)
	out.NextActionPlan = make([]ActionStep, len(p.NextActionPlan))
	for i, step := range p.NextActionPlan {
		step.Command = cloneString(step.Command)
		out.NextActionPlan[i] = step
	}
	if p.ReplyDraft != nil {
		draft := *p.ReplyDraft
		draft.Attachments = append([]string{}, p.ReplyDraft.Attachments...)
		out.ReplyDraft = &draft
	}
	if p.ClosureDraft != nil {
		closure := *p.ClosureDraft
		out.ClosureDraft = &closure
	}
	out.NextContactDue = cloneTime(p.NextContactDue)
	out.RoutingSuggestion = cloneString(p.RoutingSuggestion)
	out.EscalationSuggestion = cloneString(p.EscalationSuggestion)
	out.DetectedCustomerName = cloneString(p.DetectedCustomerName)
	return &out
}
