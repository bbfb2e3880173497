package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/api/http/handlers"
	"github.com/supportdesk/case-service/internal/auth"
	"github.com/supportdesk/case-service/internal/config"
	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/observability"
	"github.com/supportdesk/case-service/internal/persistence"
	"github.com/supportdesk/case-service/internal/repository"
	"github.com/supportdesk/case-service/internal/service"
)

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(context.Context, domain.AnalysisContext) (*domain.Proposal, error) {
	return &domain.Proposal{
		Summary:           "Disk full on printer spooler",
		ConfidenceScore:   0.7,
		SuggestedPriority: domain.CasePriorityP2,
		ReplyDraft:        &domain.ReplyDraft{Body: "Hello, we are clearing the spool. [OPERATOR_NAME]"},
	}, nil
}

func (stubAnalyzer) Chat(context.Context, domain.ChatQuery) (*domain.ChatAnswer, error) {
	return &domain.ChatAnswer{Reply: "Two cases are open."}, nil
}

func (stubAnalyzer) DraftClosure(context.Context, domain.CaseSnapshot, string) (*domain.ClosureDraft, error) {
	return &domain.ClosureDraft{RootCause: "spool"}, nil
}

type countingMailer struct{ calls atomic.Int32 }

func (m *countingMailer) SendReply(context.Context, domain.OutboundReply) error {
	m.calls.Add(1)
	return nil
}

const (
	adminEmail    = "admin@support.example.com"
	adminPassword = "correct horse battery"
	webhookSecret = "s3cret"
)

type testServer struct {
	app    *fiber.App
	mailer *countingMailer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	store := repository.NewMemoryStore()
	mailer := &countingMailer{}

	caseService := service.NewCaseService(service.CaseDependencies{
		Store:    store,
		Analyzer: stubAnalyzer{},
		Mailer:   mailer,
		Logger:   logger,
	})
	authService := service.NewAuthService(config.AuthConfig{
		JWTSecret:             "test-secret",
		AccessTokenTTLMinutes: 5,
		BcryptCost:            4,
	}, store.Repos().Operators, logger)
	require.NoError(t, authService.EnsureBootstrapAdmin(context.Background(), adminEmail, adminPassword))

	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, time.Minute)
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("case-service", "test", &persistence.Postgres{}, &persistence.Redis{}, metrics),
		Cases:          handlers.NewCasesHandler(caseService, logger),
		Webhooks:       handlers.NewWebhooksHandler(caseService, webhookSecret),
		Operators:      handlers.NewOperatorsHandler(authService),
		AuthMiddleware: auth.NewAuthMiddleware(authService.TokenManager(), store.Repos().Operators, false),
	})
	return &testServer{app: app, mailer: mailer}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]any, map[string]string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	decoded := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	respHeaders := map[string]string{"ETag": resp.Header.Get("ETag")}
	return resp.StatusCode, decoded, respHeaders
}

func caseData(t *testing.T, body map[string]any) (string, string) {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "missing data: %v", body)
	c := data["case"].(map[string]any)
	return c["id"].(string), c["status"].(string)
}

func errorCode(body map[string]any) string {
	errBody, _ := body["error"].(map[string]any)
	code, _ := errBody["code"].(string)
	return code
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	status, body, headers := srv.do(t, fiber.MethodPost, "/cases",
		`{"title":"Printer offline","description":"Queue stuck","sender_email":"bob@customer.com"}`, nil)
	require.Equal(t, fiber.StatusCreated, status)
	caseID, caseStatus := caseData(t, body)
	assert.Equal(t, string(domain.CaseStatusProposed), caseStatus)
	etag := headers["ETag"]
	require.NotEmpty(t, etag)

	status, _, _ = srv.do(t, fiber.MethodGet, "/cases/"+caseID, "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, fiber.StatusNotModified, status)

	approve := `{"action_type":"send_reply"}`
	key := map[string]string{"Idempotency-Key": "req-1"}
	status, body, headers = srv.do(t, fiber.MethodPost, "/cases/"+caseID+"/approve", approve, key)
	require.Equal(t, fiber.StatusOK, status, body)
	_, caseStatus = caseData(t, body)
	assert.Equal(t, string(domain.CaseStatusWaitingCustomer), caseStatus)
	approvedETag := headers["ETag"]

	status, _, headers = srv.do(t, fiber.MethodPost, "/cases/"+caseID+"/approve", approve, key)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, approvedETag, headers["ETag"])
	assert.Equal(t, int32(1), srv.mailer.calls.Load())

	status, body, _ = srv.do(t, fiber.MethodPost, "/cases/"+caseID+"/close", `{"closure_note":""}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, body, _ = srv.do(t, fiber.MethodPost, "/cases/"+caseID+"/close", `{"closure_note":"Spool cleared"}`, nil)
	require.Equal(t, fiber.StatusOK, status, body)
	_, caseStatus = caseData(t, body)
	assert.Equal(t, string(domain.CaseStatusClosed), caseStatus)

	status, body, _ = srv.do(t, fiber.MethodPost, "/cases/"+caseID+"/approve", approve, nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))
}

func TestGetCaseErrors(t *testing.T) {
	srv := newTestServer(t)

	status, body, _ := srv.do(t, fiber.MethodGet, "/cases/case-missing", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	status, body, _ = srv.do(t, fiber.MethodGet, "/cases?status=bogus", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
}

func TestListCasesFiltersByStatus(t *testing.T) {
	srv := newTestServer(t)
	status, _, _ := srv.do(t, fiber.MethodPost, "/cases", `{"title":"VPN down","description":"no tunnel"}`, nil)
	require.Equal(t, fiber.StatusCreated, status)

	status, body, _ := srv.do(t, fiber.MethodGet, "/cases?status=proposed", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["data"], 1)

	status, body, _ = srv.do(t, fiber.MethodGet, "/cases?status=CLOSED", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["data"], 0)
}

func TestInboundWebhook(t *testing.T) {
	srv := newTestServer(t)
	payload := `{"subject":"Printer offline","body":"It stopped printing","from_email":"bob@customer.com","thread_id":"t-1","message_id":"<m1@customer.com>"}`

	status, body, _ := srv.do(t, fiber.MethodPost, "/webhooks/inbound-email", payload, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, body, _ = srv.do(t, fiber.MethodPost, "/webhooks/inbound-email", payload, map[string]string{"X-Webhook-Secret": webhookSecret})
	require.Equal(t, fiber.StatusCreated, status, body)
	data := body["data"].(map[string]any)
	assert.Equal(t, string(service.RouteTriaged), data["route"])
}

func TestOperatorEndpointsRequireAdmin(t *testing.T) {
	srv := newTestServer(t)

	status, _, _ := srv.do(t, fiber.MethodGet, "/operators", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body, _ := srv.do(t, fiber.MethodPost, "/auth/login",
		`{"email":"`+adminEmail+`","password":"wrong password"}`, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body, _ = srv.do(t, fiber.MethodPost, "/auth/login",
		`{"email":"`+adminEmail+`","password":"`+adminPassword+`"}`, nil)
	require.Equal(t, fiber.StatusOK, status, body)
	token := body["data"].(map[string]any)["auth"].(map[string]any)["token"].(string)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	status, body, _ = srv.do(t, fiber.MethodPost, "/operators",
		`{"name":"Alice","email":"alice@support.example.com","password":"another long one","role":"engineer"}`, bearer)
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.NotContains(t, body["data"], "password_hash")

	status, body, _ = srv.do(t, fiber.MethodGet, "/operators", "", bearer)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["data"], 2)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	status, body, _ := srv.do(t, fiber.MethodGet, "/health/ready", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "disabled", deps["postgres"])
	assert.Equal(t, "disabled", deps["redis"])

	status, body, _ = srv.do(t, fiber.MethodGet, "/metrics", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.NotEmpty(t, body["requests"])
}
