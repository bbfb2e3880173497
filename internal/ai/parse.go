package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/supportdesk/case-service/internal/domain"
)

// CleanJSON strips markdown fences and surrounding prose from model output.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

type evidenceWire struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	Source     string `json:"source"`
	IsVerified bool   `json:"is_verified"`
}

type actionWire struct {
	Type        string  `json:"type"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Command     *string `json:"command"`
}

type proposalWire struct {
	Summary              string              `json:"summary"`
	DetectedCustomerName *string             `json:"detected_customer_name"`
	Hypotheses           []domain.Hypothesis `json:"hypotheses"`
	MissingInfo          []string            `json:"missing_info"`
	EvidencePack         []evidenceWire      `json:"evidence_pack"`
	NextActionPlan       []actionWire        `json:"next_action_plan"`
	ConfidenceScore      float64             `json:"confidence_score"`
	SuggestedPriority    string              `json:"suggested_priority"`
	EscalationSuggestion *string             `json:"escalation_suggestion"`
	RoutingSuggestion    *string             `json:"routing_suggestion"`
	NextContactDue       string              `json:"next_contact_due_proposal"`
}

// ParseProposal decodes an analysis response.
func ParseProposal(raw string) (*domain.Proposal, error) {
	var w proposalWire
	if err := json.Unmarshal([]byte(CleanJSON(raw)), &w); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}

	p := &domain.Proposal{
		Summary:              strings.TrimSpace(w.Summary),
		ConfidenceScore:      w.ConfidenceScore,
		Hypotheses:           make([]domain.Hypothesis, 0, len(w.Hypotheses)),
		MissingInfo:          []string{},
		EvidencePack:         make([]domain.Evidence, 0, len(w.EvidencePack)),
		NextActionPlan:       make([]domain.ActionStep, 0, len(w.NextActionPlan)),
		SuggestedPriority:    domain.CasePriority(strings.ToUpper(strings.TrimSpace(w.SuggestedPriority))),
		DetectedCustomerName: nullable(w.DetectedCustomerName),
		EscalationSuggestion: nullable(w.EscalationSuggestion),
		RoutingSuggestion:    nullable(w.RoutingSuggestion),
	}
	if !p.SuggestedPriority.Valid() {
		p.SuggestedPriority = domain.CasePriorityUnset
	}
	for _, h := range w.Hypotheses {
		h.Likelihood = likelihood(string(h.Likelihood))
		p.Hypotheses = append(p.Hypotheses, h)
	}
	for _, m := range w.MissingInfo {
		if m = strings.TrimSpace(m); m != "" {
			p.MissingInfo = append(p.MissingInfo, m)
		}
	}
	for _, e := range w.EvidencePack {
		source := e.Source
		if source == "" {
			source = e.Type
		}
		p.EvidencePack = append(p.EvidencePack, domain.Evidence{Source: source, Content: e.Content, Verified: e.IsVerified})
	}
	for _, a := range w.NextActionPlan {
		p.NextActionPlan = append(p.NextActionPlan, domain.ActionStep{
			Kind:        actionKind(a.Type, a.Command),
			Title:       a.Title,
			Description: a.Description,
			Command:     nullable(a.Command),
		})
	}
	if due, ok := parseTime(w.NextContactDue); ok {
		p.NextContactDue = &due
	}
	return p, nil
}

// ParseReplyDraft decodes a drafted reply.
func ParseReplyDraft(raw string) (*domain.ReplyDraft, error) {
	var d domain.ReplyDraft
	if err := json.Unmarshal([]byte(CleanJSON(raw)), &d); err != nil {
		return nil, fmt.Errorf("decode reply draft: %w", err)
	}
	if strings.TrimSpace(d.Body) == "" {
		return nil, fmt.Errorf("reply draft has no body")
	}
	if d.Attachments == nil {
		d.Attachments = []string{}
	}
	return &d, nil
}

// ParseChatAnswer decodes an editor response. Literal "null" strings count as
// no revision.
func ParseChatAnswer(raw string) (*domain.ChatAnswer, error) {
	var w struct {
		RevisedReplyBody   *string `json:"revised_reply_body"`
		RevisedClosureNote *string `json:"revised_closure_note"`
		Comment            string  `json:"comment"`
	}
	if err := json.Unmarshal([]byte(CleanJSON(raw)), &w); err != nil {
		return nil, fmt.Errorf("decode chat: %w", err)
	}
	answer := &domain.ChatAnswer{
		Reply:              strings.TrimSpace(w.Comment),
		RevisedReplyBody:   nullable(w.RevisedReplyBody),
		RevisedClosureNote: nullable(w.RevisedClosureNote),
	}
	if answer.Reply == "" {
		answer.Reply = "Done."
	}
	return answer, nil
}

// ParseClosureDraft decodes a closure summary.
func ParseClosureDraft(raw string) (*domain.ClosureDraft, error) {
	var d domain.ClosureDraft
	if err := json.Unmarshal([]byte(CleanJSON(raw)), &d); err != nil {
		return nil, fmt.Errorf("decode closure draft: %w", err)
	}
	return &d, nil
}

func nullable(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}

func likelihood(raw string) domain.Likelihood {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return domain.LikelihoodHigh
	case "low":
		return domain.LikelihoodLow
	default:
		return domain.LikelihoodMedium
	}
}

func actionKind(raw string, command *string) domain.ActionKind {
	switch kind := domain.ActionKind(strings.ToUpper(strings.TrimSpace(raw))); kind {
	case domain.ActionKindCommand, domain.ActionKindRequestInfo, domain.ActionKindEscalate:
		return kind
	}
	if nullable(command) != nil {
		return domain.ActionKindCommand
	}
	return domain.ActionKindRequestInfo
}

func parseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
