package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/supportdesk/case-service/internal/api/http/handlers"
	"github.com/supportdesk/case-service/internal/auth"
	"github.com/supportdesk/case-service/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Cases          *handlers.CasesHandler
	Webhooks       *handlers.WebhooksHandler
	Operators      *handlers.OperatorsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", cfg.Health.Metrics)

	app.Post("/auth/login", cfg.Operators.Login)
	app.Post("/webhooks/inbound-email", cfg.Webhooks.InboundEmail)

	api := app.Group("", cfg.AuthMiddleware.Handle)
	api.Get("/auth/me", auth.RequireRole(), cfg.Operators.Me)

	api.Get("/cases", cfg.Cases.ListCases)
	api.Post("/cases", cfg.Cases.Triage)
	api.Get("/cases/:id", cfg.Cases.GetCase)
	api.Get("/cases/:id/stream", cfg.Cases.StreamCase)
	api.Post("/cases/:id/analyze", cfg.Cases.Analyze)
	api.Post("/cases/:id/approve", cfg.Cases.Approve)
	api.Post("/cases/:id/reply", cfg.Cases.Reply)
	api.Post("/cases/:id/close", cfg.Cases.Close)
	api.Post("/cases/:id/chat", cfg.Cases.CaseChat)
	api.Post("/chat", cfg.Cases.GlobalChat)
	api.Get("/stream", cfg.Cases.StreamAll)

	admin := api.Group("/operators", auth.RequireRole(domain.OperatorRoleAdmin, domain.OperatorRoleLead))
	admin.Get("", cfg.Operators.ListOperators)
	admin.Post("", cfg.Operators.CreateOperator)
}
