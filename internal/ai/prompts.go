package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/supportdesk/case-service/internal/domain"
)

const analyzerInstruction = `You are a Tier-3 support engineer assistant.
Analyze the incident (title, description, logs, history) and return a structured triage report.

Rules:
- Output valid JSON only, no markdown fences.
- Base every hypothesis on evidence (log lines, files, observed behaviour); do not assert, suggest.
- List missing information as concrete questions.
- Extract the customer's name from signatures or introductions into detected_customer_name, or null.
- Compute next_contact_due_proposal from Current Time: P1 +4 hours, P2 +1 day, P3 +3 days; never in the past; when unsure use +4 hours. ISO8601 with timezone.
- suggested_priority is one of P0, P1, P2, P3.
- escalation_suggestion names the team that should take over, or null when support can resolve it.
- Escape backslashes in Windows paths.

Schema:
{
  "summary": "one or two lines",
  "detected_customer_name": "Jane Doe",
  "hypotheses": [{"cause": "...", "likelihood": "High|Medium|Low", "reasoning": "..."}],
  "missing_info": ["..."],
  "evidence_pack": [{"type": "LOG_SNIPPET", "content": "...", "source": "...", "is_verified": true}],
  "next_action_plan": [{"type": "COMMAND|REQUEST_INFO|ESCALATE", "title": "...", "description": "...", "command": "..."}],
  "confidence_score": 0.9,
  "suggested_priority": "P2",
  "escalation_suggestion": null,
  "routing_suggestion": null,
  "next_contact_due_proposal": "2026-02-13T14:00:00+09:00"
}`

const drafterInstruction = `You are an experienced support engineer writing the first reply to a customer.
Address the customer by detected_customer_name when known.
Sign with the placeholder [OPERATOR_NAME]; it is replaced with the operator's name on send.
Explain the findings plainly, ask for approval when a fix is proposed, and keep greetings short when the history shows an ongoing conversation.
Return JSON only: {"to": "...", "subject": "...", "body": "...", "attachments": []}`

const editorInstruction = `You are the copilot for one support case.
From the engineer's instruction and the case history:
1. To rewrite the email draft, return revised_reply_body.
2. To write or revise the closure note (Issue / Cause / Resolution), return revised_closure_note.
3. Otherwise answer in comment only.
Return JSON only: {"revised_reply_body": null, "revised_closure_note": null, "comment": "..."}`

const managerInstruction = `You are the support team lead's assistant.
Answer questions about the open case queue: workload, priorities, overdue follow-ups, and which case to take next.
Refer to cases by id. Answer in plain text.`

const closerInstruction = `Summarize how this support case was resolved for the knowledge base.
Return JSON only: {"root_cause": "...", "resolution_steps": "...", "prevention_measure": "...", "knowledge_title": "..."}`

func analysisPrompt(in domain.AnalysisContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current Time: %s\n\n", in.Now.Format(time.RFC3339))
	fmt.Fprintf(&b, "HISTORY:\n%s\n\n", orDefault(history(in.Timeline), "none (new case)"))
	fmt.Fprintf(&b, "INCIDENT:\nTitle: %s\nDescription: %s\nLogs: %s\n", in.Case.Title, in.Case.Description, in.Case.Logs)
	if len(in.Case.AttachmentURIs) > 0 {
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(in.Case.AttachmentURIs, ", "))
	}
	if in.PriorProposal != nil {
		fmt.Fprintf(&b, "\nPREVIOUS ANALYSIS SUMMARY: %s\n", in.PriorProposal.Summary)
	}
	if in.ReplyText != "" {
		fmt.Fprintf(&b, "\nNEW REPLY:\n%s\n", in.ReplyText)
	}
	if in.NewLogs != "" {
		fmt.Fprintf(&b, "\nNEW LOGS:\n%s\n", in.NewLogs)
	}
	return b.String()
}

func editorPrompt(q domain.ChatQuery) string {
	c := q.Snapshot.Case
	draft := "(no draft)"
	closure := "(empty)"
	if p := q.Snapshot.Proposal; p != nil {
		if p.ReplyDraft != nil {
			draft = p.ReplyDraft.Body
		}
		if p.ClosureNote != "" {
			closure = p.ClosureNote
		}
	}
	customer := ""
	if c.CustomerName != nil {
		customer = *c.CustomerName
	}
	return fmt.Sprintf("CASE:\nTitle: %s\nDescription: %s\nCustomer: %s\n\nHISTORY:\n%s\n\nEMAIL DRAFT:\n%s\n\nCLOSURE NOTE:\n%s\n\nINSTRUCTION FROM %s:\n%s\n",
		c.Title, c.Description, orDefault(customer, "unknown"),
		orDefault(history(q.Snapshot.Timeline), "(none)"), draft, closure, q.Operator, q.Query)
}

func managerPrompt(q domain.ChatQuery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current Time: %s\n\nOPEN CASES:\n", q.Now.Format(time.RFC3339))
	for _, c := range q.Digest {
		due := "-"
		if c.NextContactDue != nil {
			due = c.NextContactDue.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "- %s | %s | %s | priority %s | next contact %s\n", c.ID, c.Status, c.Title, orDefault(string(c.Priority), "unset"), due)
	}
	if q.Snapshot != nil {
		fmt.Fprintf(&b, "\nFOCUSED CASE %s:\n%s\n", q.Snapshot.Case.ID, history(q.Snapshot.Timeline))
	}
	fmt.Fprintf(&b, "\nQUESTION FROM %s:\n%s\n", q.Operator, q.Query)
	return b.String()
}
