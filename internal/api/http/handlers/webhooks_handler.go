package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/supportdesk/case-service/internal/api/dto"
	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/service"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

const webhookSecretHeader = "X-Webhook-Secret"

// WebhooksHandler receives mail pushed by the inbound gateway.
type WebhooksHandler struct {
	service *service.CaseService
	secret  string
}

// NewWebhooksHandler constructs handler. An empty secret disables the check.
func NewWebhooksHandler(caseService *service.CaseService, secret string) *WebhooksHandler {
	return &WebhooksHandler{service: caseService, secret: secret}
}

// InboundEmail POST /webhooks/inbound-email.
func (h *WebhooksHandler) InboundEmail(c *fiber.Ctx) error {
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(c.Get(webhookSecretHeader)), []byte(h.secret)) != 1 {
		return apperrors.NewUnauthorized("invalid webhook secret")
	}
	var req dto.InboundEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	result, err := h.service.IngestInbound(c.UserContext(), domain.InboundMessage{
		Subject:        req.Subject,
		Body:           req.Body,
		FromEmail:      req.FromEmail,
		FromName:       req.FromName,
		ThreadID:       req.ThreadID,
		MessageID:      req.MessageID,
		AttachmentURIs: req.AttachmentURIs,
	})
	if err != nil {
		return err
	}
	status := http.StatusOK
	if result.Route == service.RouteTriaged {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": result})
}
