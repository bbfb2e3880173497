package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/supportdesk/case-service/internal/api/dto"
	"github.com/supportdesk/case-service/internal/auth"
	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/service"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

// OperatorsHandler exposes operator login and account management.
type OperatorsHandler struct {
	authService *service.AuthService
}

// NewOperatorsHandler constructs handler.
func NewOperatorsHandler(authService *service.AuthService) *OperatorsHandler {
	return &OperatorsHandler{authService: authService}
}

// Login handles POST /auth/login.
func (h *OperatorsHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Email == "" || req.Password == "" {
		return apperrors.NewValidationError("email and password required", nil)
	}

	operator, token, exp, err := h.authService.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"operator": dto.NewOperatorResponse(operator),
			"auth":     dto.AuthResponse{Token: token, ExpiresAt: exp},
		},
	})
}

// Me handles GET /auth/me.
func (h *OperatorsHandler) Me(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok || principal.Operator == nil {
		return apperrors.NewUnauthorized("operator authentication required")
	}
	return c.JSON(fiber.Map{"data": dto.NewOperatorResponse(principal.Operator)})
}

// CreateOperator handles POST /operators.
func (h *OperatorsHandler) CreateOperator(c *fiber.Ctx) error {
	var req dto.CreateOperatorRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	operator, err := h.authService.CreateOperator(c.UserContext(), service.CreateOperatorInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     domain.OperatorRole(strings.ToUpper(strings.TrimSpace(req.Role))),
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewOperatorResponse(operator)})
}

// ListOperators handles GET /operators.
func (h *OperatorsHandler) ListOperators(c *fiber.Ctx) error {
	operators, err := h.authService.ListOperators(c.UserContext())
	if err != nil {
		return err
	}
	items := make([]dto.OperatorResponse, 0, len(operators))
	for i := range operators {
		items = append(items, dto.NewOperatorResponse(&operators[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}
