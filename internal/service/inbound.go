package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/lifecycle"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

var subjectTagPattern = regexp.MustCompile(`\[Case:\s*(case-[0-9a-fA-F-]+)\]`)

// InboundRoute names what IngestInbound did with a message.
type InboundRoute string

const (
	RouteTriaged  InboundRoute = "TRIAGED"
	RouteReply    InboundRoute = "REPLY_INGESTED"
	RouteRecorded InboundRoute = "REPLY_RECORDED"
)

// InboundResult is the routing outcome and the resulting snapshot.
type InboundResult struct {
	Route    InboundRoute         `json:"route"`
	Snapshot *domain.CaseSnapshot `json:"snapshot"`
}

// IngestInbound routes an inbound email: a tagged subject or known thread goes
// to its case, anything else opens a new one. Mail for a closed case opens a
// new case as well.
func (s *CaseService) IngestInbound(ctx context.Context, msg domain.InboundMessage) (*InboundResult, error) {
	if strings.TrimSpace(msg.Body) == "" && strings.TrimSpace(msg.Subject) == "" {
		return nil, apperrors.NewValidationError("message has neither subject nor body", nil)
	}

	target, err := s.routeInbound(ctx, msg)
	if err != nil {
		return nil, err
	}
	if target == nil || lifecycle.IsTerminal(target.Status) {
		snap, err := s.Triage(ctx, TriageInput{
			Title:          inboundTitle(msg.Subject),
			Description:    firstNonEmpty(msg.Body, msg.Subject),
			SenderEmail:    msg.FromEmail,
			SenderName:     msg.FromName,
			AttachmentURIs: msg.AttachmentURIs,
			ThreadID:       msg.ThreadID,
			MessageID:      msg.MessageID,
		})
		if err != nil {
			return nil, err
		}
		return &InboundResult{Route: RouteTriaged, Snapshot: snap}, nil
	}

	reply := ReplyInput{
		CaseID:         target.ID,
		ReplyText:      firstNonEmpty(msg.Body, msg.Subject),
		Operator:       msg.FromName,
		FromEmail:      msg.FromEmail,
		AttachmentURIs: msg.AttachmentURIs,
	}
	if msg.MessageID != "" {
		reply.RequestID = "mail:" + msg.MessageID
	}

	if _, err := lifecycle.Check(target.Status, lifecycle.TriggerReplyIngest, domain.CaseStatusProposed); err == nil {
		snap, err := s.ReplyIngest(ctx, reply)
		if err != nil {
			return nil, err
		}
		return &InboundResult{Route: RouteReply, Snapshot: snap}, nil
	}

	s.logger.Info("reply recorded without re-analysis",
		zap.String("case_id", target.ID),
		zap.String("status", string(target.Status)))
	snap, err := s.RecordReply(ctx, reply)
	if err != nil {
		return nil, err
	}
	return &InboundResult{Route: RouteRecorded, Snapshot: snap}, nil
}

func (s *CaseService) routeInbound(ctx context.Context, msg domain.InboundMessage) (*domain.Case, error) {
	repos := s.store.Repos()
	if m := subjectTagPattern.FindStringSubmatch(msg.Subject); len(m) == 2 {
		c, err := repos.Cases.GetByID(ctx, m[1])
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, storeError(err, m[1])
		}
	}
	if threadID := strings.TrimSpace(msg.ThreadID); threadID != "" {
		c, err := repos.Cases.GetByThreadID(ctx, threadID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewInternalError(err)
		}
	}
	return nil, nil
}

func inboundTitle(subject string) string {
	title := strings.TrimSpace(subjectTagPattern.ReplaceAllString(subject, ""))
	for {
		lowered := strings.ToLower(title)
		switch {
		case strings.HasPrefix(lowered, "re:"), strings.HasPrefix(lowered, "fw:"):
			title = strings.TrimSpace(title[3:])
		case strings.HasPrefix(lowered, "fwd:"):
			title = strings.TrimSpace(title[4:])
		default:
			if title == "" {
				return "(no subject)"
			}
			return title
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
