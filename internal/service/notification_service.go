package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/events"
	"github.com/supportdesk/case-service/internal/observability"
)

// NotificationService audits committed case mutations and feeds metrics.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, metrics *observability.Metrics) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventCaseCreated, n.handleCaseCreated)
	n.dispatcher.Subscribe(events.EventCaseTransitioned, n.handleCaseTransitioned)
	n.dispatcher.Subscribe(events.EventProposalReplaced, n.handleAudit)
	n.dispatcher.Subscribe(events.EventReplyReceived, n.handleAudit)
	n.dispatcher.Subscribe(events.EventReplySent, n.handleAudit)
	n.dispatcher.Subscribe(events.EventCaseClosed, n.handleAudit)
	n.dispatcher.Subscribe(events.EventCollaboratorError, n.handleCollaboratorFailed)
}

func (n *NotificationService) handleCaseCreated(_ context.Context, event events.Event) error {
	n.logger.Info("CaseCreated",
		zap.String("case_id", event.CaseID),
		zap.Int64("revision", event.Revision),
		zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handleCaseTransitioned(_ context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.CaseTransitionedPayload)
	if !ok {
		return nil
	}
	n.metrics.RecordTransition(payload.Trigger, string(payload.From), string(payload.To))
	n.logger.Info("CaseTransitioned",
		zap.String("case_id", event.CaseID),
		zap.String("trigger", payload.Trigger),
		zap.String("class", payload.Class),
		zap.String("from", string(payload.From)),
		zap.String("to", string(payload.To)),
		zap.String("operator", event.Operator),
		zap.Int64("revision", event.Revision))
	return nil
}

func (n *NotificationService) handleAudit(_ context.Context, event events.Event) error {
	n.logger.Info(string(event.Type),
		zap.String("case_id", event.CaseID),
		zap.String("actor", string(event.Actor)),
		zap.String("operator", event.Operator),
		zap.Int64("revision", event.Revision),
		zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handleCollaboratorFailed(_ context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.CollaboratorErrorPayload)
	if !ok {
		return nil
	}
	n.metrics.RecordCollaboratorFailure(payload.Collaborator)
	n.logger.Warn("CollaboratorFailed",
		zap.String("case_id", event.CaseID),
		zap.String("collaborator", payload.Collaborator),
		zap.Bool("fatal", payload.Fatal),
		zap.String("error", payload.Error))
	return nil
}
