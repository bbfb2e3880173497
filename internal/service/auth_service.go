package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/auth"
	"github.com/supportdesk/case-service/internal/config"
	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/repository"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

// AuthService manages operator accounts and login.
type AuthService struct {
	operators  repository.OperatorRepository
	tokenMgr   *auth.TokenManager
	bcryptCost int
	logger     *zap.Logger
	now        func() time.Time
}

// NewAuthService builds the service.
func NewAuthService(cfg config.AuthConfig, operators repository.OperatorRepository, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		operators:  operators,
		tokenMgr:   auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTLMinutes),
		bcryptCost: cfg.BcryptCost,
		logger:     logger,
		now:        time.Now,
	}
}

// TokenManager exposes the signer used by the auth middleware.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}

// CreateOperatorInput describes a new operator account.
type CreateOperatorInput struct {
	Name     string
	Email    string
	Password string
	Role     domain.OperatorRole
}

// Login authenticates an operator and returns a signed token.
func (s *AuthService) Login(ctx context.Context, email, password string) (*domain.Operator, string, time.Time, error) {
	operator, err := s.operators.GetByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", time.Time{}, apperrors.NewUnauthorized("invalid credentials")
	}
	if err != nil {
		return nil, "", time.Time{}, apperrors.NewInternalError(err)
	}
	if !operator.Active {
		return nil, "", time.Time{}, apperrors.NewUnauthorized("operator inactive")
	}
	if err := auth.ComparePassword(operator.PasswordHash, password); err != nil {
		return nil, "", time.Time{}, apperrors.NewUnauthorized("invalid credentials")
	}
	token, exp, err := s.tokenMgr.GenerateToken(operator)
	if err != nil {
		return nil, "", time.Time{}, apperrors.NewInternalError(err)
	}
	return operator, token, exp, nil
}

// CreateOperator registers a new operator account.
func (s *AuthService) CreateOperator(ctx context.Context, in CreateOperatorInput) (*domain.Operator, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if name == "" || email == "" || !strings.Contains(email, "@") {
		return nil, apperrors.NewValidationError("name and a valid email are required", nil)
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), map[string]any{"field": "password"})
	}
	role := in.Role
	if role == "" {
		role = domain.OperatorRoleEngineer
	}
	switch role {
	case domain.OperatorRoleEngineer, domain.OperatorRoleLead, domain.OperatorRoleAdmin:
	default:
		return nil, apperrors.NewValidationError("unknown role", map[string]any{"role": string(role)})
	}

	if _, err := s.operators.GetByEmail(ctx, email); err == nil {
		return nil, apperrors.NewValidationError("email already registered", map[string]any{"email": email})
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewInternalError(err)
	}

	hash, err := auth.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	now := s.now().UTC()
	operator := &domain.Operator{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.operators.Create(ctx, operator); err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	s.logger.Info("operator created", zap.String("operator_id", operator.ID), zap.String("role", string(role)))
	return operator, nil
}

// EnsureBootstrapAdmin creates the configured admin account on first start.
func (s *AuthService) EnsureBootstrapAdmin(ctx context.Context, email, password string) error {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil
	}
	if _, err := s.operators.GetByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	_, err := s.CreateOperator(ctx, CreateOperatorInput{
		Name:     "Administrator",
		Email:    email,
		Password: password,
		Role:     domain.OperatorRoleAdmin,
	})
	return err
}

// ListOperators returns all operator accounts.
func (s *AuthService) ListOperators(ctx context.Context) ([]domain.Operator, error) {
	operators, err := s.operators.List(ctx)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if operators == nil {
		operators = []domain.Operator{}
	}
	return operators, nil
}
