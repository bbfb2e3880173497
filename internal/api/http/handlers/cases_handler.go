package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/api/dto"
	"github.com/supportdesk/case-service/internal/auth"
	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/service"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

const (
	idempotencyHeader = "Idempotency-Key"
	defaultPageSize   = 50
	maxPageSize       = 200
)

// CasesHandler exposes the case workflow.
type CasesHandler struct {
	service *service.CaseService
	logger  *zap.Logger
}

// NewCasesHandler constructs handler.
func NewCasesHandler(caseService *service.CaseService, logger *zap.Logger) *CasesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CasesHandler{service: caseService, logger: logger}
}

// ListCases GET /cases.
func (h *CasesHandler) ListCases(c *fiber.Ctx) error {
	filter, err := parseCaseQuery(c)
	if err != nil {
		return err
	}
	cases, err := h.service.ListCases(c.UserContext(), filter)
	if err != nil {
		return err
	}
	items := make([]dto.CaseSummary, 0, len(cases))
	for i := range cases {
		items = append(items, dto.NewCaseSummary(&cases[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// GetCase GET /cases/:id. Responds 304 when If-None-Match carries the current revision.
func (h *CasesHandler) GetCase(c *fiber.Ctx) error {
	snap, err := h.service.GetCase(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	etag := revisionETag(snap.Revision())
	c.Set(fiber.HeaderETag, etag)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	if etagMatches(c.Get(fiber.HeaderIfNoneMatch), etag) {
		return c.SendStatus(http.StatusNotModified)
	}
	return c.JSON(fiber.Map{"data": snap})
}

// Triage POST /cases.
func (h *CasesHandler) Triage(c *fiber.Ctx) error {
	var req dto.TriageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	snap, err := h.service.Triage(c.UserContext(), service.TriageInput{
		Title:          req.Title,
		Description:    req.Description,
		Logs:           req.Logs,
		SenderEmail:    req.SenderEmail,
		SenderName:     req.SenderName,
		AttachmentURIs: req.AttachmentURIs,
		ThreadID:       req.ThreadID,
		MessageID:      req.MessageID,
		Operator:       operatorName(c),
	})
	if err != nil {
		return err
	}
	return respondSnapshot(c, http.StatusCreated, snap)
}

// Analyze POST /cases/:id/analyze queues a fresh analysis of a NEW case.
func (h *CasesHandler) Analyze(c *fiber.Ctx) error {
	snap, err := h.service.RequestAnalysis(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return respondSnapshot(c, http.StatusAccepted, snap)
}

// Approve POST /cases/:id/approve.
func (h *CasesHandler) Approve(c *fiber.Ctx) error {
	var req dto.ApproveRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	snap, err := h.service.Approve(c.UserContext(), service.ApproveInput{
		CaseID:     c.Params("id"),
		ActionType: service.ActionType(strings.ToUpper(strings.TrimSpace(req.ActionType))),
		Operator:   operatorName(c),
		ReplyBody:  req.ReplyBody,
		NextStatus: req.NextStatus,
		RequestID:  c.Get(idempotencyHeader),
	})
	if err != nil {
		return err
	}
	return respondSnapshot(c, http.StatusOK, snap)
}

// Reply POST /cases/:id/reply ingests a reply and re-analyzes the case.
func (h *CasesHandler) Reply(c *fiber.Ctx) error {
	var req dto.ReplyRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	snap, err := h.service.ReplyIngest(c.UserContext(), service.ReplyInput{
		CaseID:         c.Params("id"),
		ReplyText:      req.ReplyText,
		NewLogs:        req.NewLogs,
		Operator:       operatorName(c),
		FromEmail:      req.FromEmail,
		AttachmentURIs: req.AttachmentURIs,
		RequestID:      c.Get(idempotencyHeader),
	})
	if err != nil {
		return err
	}
	return respondSnapshot(c, http.StatusOK, snap)
}

// Close POST /cases/:id/close.
func (h *CasesHandler) Close(c *fiber.Ctx) error {
	var req dto.CloseRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	snap, err := h.service.Close(c.UserContext(), service.CloseInput{
		CaseID:      c.Params("id"),
		ClosureNote: req.ClosureNote,
		PublishKB:   req.PublishKB,
		Operator:    operatorName(c),
		RequestID:   c.Get(idempotencyHeader),
	})
	if err != nil {
		return err
	}
	return respondSnapshot(c, http.StatusOK, snap)
}

// CaseChat POST /cases/:id/chat.
func (h *CasesHandler) CaseChat(c *fiber.Ctx) error {
	return h.chat(c, c.Params("id"))
}

// GlobalChat POST /chat.
func (h *CasesHandler) GlobalChat(c *fiber.Ctx) error {
	return h.chat(c, "")
}

func (h *CasesHandler) chat(c *fiber.Ctx, caseID string) error {
	var req dto.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	result, err := h.service.Chat(c.UserContext(), service.ChatInput{
		CaseID:   caseID,
		Query:    req.Query,
		Operator: operatorName(c),
	})
	if err != nil {
		return err
	}
	if result.Snapshot != nil {
		c.Set(fiber.HeaderETag, revisionETag(result.Snapshot.Revision()))
	}
	return c.JSON(fiber.Map{"data": result})
}

func respondSnapshot(c *fiber.Ctx, status int, snap *domain.CaseSnapshot) error {
	c.Set(fiber.HeaderETag, revisionETag(snap.Revision()))
	return c.Status(status).JSON(fiber.Map{"data": snap})
}

func operatorName(c *fiber.Ctx) string {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return ""
	}
	return principal.DisplayName()
}

func revisionETag(revision int64) string {
	return `"` + strconv.FormatInt(revision, 10) + `"`
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func parseCaseQuery(c *fiber.Ctx) (service.CaseListFilter, error) {
	filter := service.CaseListFilter{Limit: defaultPageSize}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, ok := domain.ParseCaseStatus(part)
			if !ok {
				return filter, apperrors.NewValidationError("unknown status", map[string]any{"status": part})
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		filter.SearchTerm = &q
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		filter.Offset = v
	}
	return filter, nil
}
