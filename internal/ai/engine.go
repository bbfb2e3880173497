// Package ai adapts a generative model to the case service's analyzer contract.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/domain"
)

// ErrDisabled is returned by every call of the disabled engine.
var ErrDisabled = errors.New("ai engine disabled: GEMINI_API_KEY not set")

// Generator produces model output for one prompt.
type Generator interface {
	Generate(ctx context.Context, instruction, prompt string, jsonMode bool) (string, error)
}

// Engine implements the analyzer on top of a Generator.
type Engine struct {
	gen    Generator
	logger *zap.Logger
	closer func() error
}

// NewEngine wraps gen.
func NewEngine(gen Generator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{gen: gen, logger: logger}
}

// Close releases the underlying client, if any.
func (e *Engine) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}

// Analyze produces a fresh proposal and, when possible, a reply draft.
func (e *Engine) Analyze(ctx context.Context, in domain.AnalysisContext) (*domain.Proposal, error) {
	raw, err := e.gen.Generate(ctx, analyzerInstruction, analysisPrompt(in), true)
	if err != nil {
		return nil, fmt.Errorf("generate analysis: %w", err)
	}
	proposal, err := ParseProposal(raw)
	if err != nil {
		e.logger.Warn("unparseable analysis", zap.String("case_id", in.Case.ID), zap.String("raw", truncate(raw, 500)))
		return nil, err
	}

	draft, err := e.draftReply(ctx, in, proposal)
	if err != nil {
		e.logger.Warn("reply draft failed", zap.String("case_id", in.Case.ID), zap.Error(err))
	} else {
		proposal.ReplyDraft = draft
	}
	return proposal, nil
}

func (e *Engine) draftReply(ctx context.Context, in domain.AnalysisContext, proposal *domain.Proposal) (*domain.ReplyDraft, error) {
	analysis, err := json.Marshal(proposal)
	if err != nil {
		return nil, err
	}
	recipient := ""
	if in.Case.SenderEmail != nil {
		recipient = *in.Case.SenderEmail
	}
	prompt := fmt.Sprintf("ANALYSIS JSON:\n%s\n\nRECIPIENT: %s\n\nCONVERSATION HISTORY:\n%s\n",
		analysis, orDefault(recipient, "unknown"), orDefault(history(in.Timeline), "none (first contact)"))
	raw, err := e.gen.Generate(ctx, drafterInstruction, prompt, true)
	if err != nil {
		return nil, err
	}
	return ParseReplyDraft(raw)
}

// Chat answers an operator question about one case or about the open queue.
func (e *Engine) Chat(ctx context.Context, q domain.ChatQuery) (*domain.ChatAnswer, error) {
	if q.Snapshot != nil && q.Digest == nil {
		raw, err := e.gen.Generate(ctx, editorInstruction, editorPrompt(q), true)
		if err != nil {
			return nil, fmt.Errorf("generate chat: %w", err)
		}
		return ParseChatAnswer(raw)
	}

	raw, err := e.gen.Generate(ctx, managerInstruction, managerPrompt(q), false)
	if err != nil {
		return nil, fmt.Errorf("generate chat: %w", err)
	}
	return &domain.ChatAnswer{Reply: strings.TrimSpace(raw)}, nil
}

// DraftClosure summarizes how a case was resolved.
func (e *Engine) DraftClosure(ctx context.Context, snap domain.CaseSnapshot, closureNote string) (*domain.ClosureDraft, error) {
	latest := "N/A"
	if snap.Proposal != nil {
		if b, err := json.Marshal(snap.Proposal); err == nil {
			latest = string(b)
		}
	}
	prompt := fmt.Sprintf("Title: %s\nDescription: %s\nClosure note: %s\nHistory:\n%s\nLatest analysis: %s\n",
		snap.Case.Title, snap.Case.Description, closureNote, history(snap.Timeline), latest)
	raw, err := e.gen.Generate(ctx, closerInstruction, prompt, true)
	if err != nil {
		return nil, fmt.Errorf("generate closure: %w", err)
	}
	return ParseClosureDraft(raw)
}

// Disabled is the analyzer used when no model is configured.
type Disabled struct{}

func (Disabled) Analyze(context.Context, domain.AnalysisContext) (*domain.Proposal, error) {
	return nil, ErrDisabled
}

func (Disabled) Chat(context.Context, domain.ChatQuery) (*domain.ChatAnswer, error) {
	return nil, ErrDisabled
}

func (Disabled) DraftClosure(context.Context, domain.CaseSnapshot, string) (*domain.ClosureDraft, error) {
	return nil, ErrDisabled
}

func history(timeline []domain.TimelineEvent) string {
	lines := make([]string, 0, len(timeline))
	for _, e := range timeline {
		lines = append(lines, fmt.Sprintf("[%s] %s (%s): %s", e.Time.Format(time.RFC3339), e.Actor, e.Type, e.Message))
	}
	return strings.Join(lines, "\n")
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
