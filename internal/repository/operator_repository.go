package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/supportdesk/case-service/internal/domain"
)

// OperatorRepository handles persistence for operator accounts.
type OperatorRepository interface {
	Create(ctx context.Context, operator *domain.Operator) error
	GetByID(ctx context.Context, id string) (*domain.Operator, error)
	GetByEmail(ctx context.Context, email string) (*domain.Operator, error)
	List(ctx context.Context) ([]domain.Operator, error)
}

type operatorRepository struct {
	db DBTX
}

// NewOperatorRepository instantiates the repository.
func NewOperatorRepository(db DBTX) OperatorRepository {
	return &operatorRepository{db: db}
}

const operatorColumns = `id, name, email, password_hash, role, active, created_at, updated_at`

func (r *operatorRepository) Create(ctx context.Context, operator *domain.Operator) error {
	const query = `
        INSERT INTO operators (id, name, email, password_hash, role, active)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING created_at, updated_at`

	return r.db.QueryRow(ctx, query,
		operator.ID,
		operator.Name,
		operator.Email,
		operator.PasswordHash,
		string(operator.Role),
		operator.Active,
	).Scan(&operator.CreatedAt, &operator.UpdatedAt)
}

func (r *operatorRepository) GetByID(ctx context.Context, id string) (*domain.Operator, error) {
	const query = `SELECT ` + operatorColumns + ` FROM operators WHERE id=$1`
	return scanOperator(r.db.QueryRow(ctx, query, id))
}

func (r *operatorRepository) GetByEmail(ctx context.Context, email string) (*domain.Operator, error) {
	const query = `SELECT ` + operatorColumns + ` FROM operators WHERE LOWER(email)=LOWER($1)`
	return scanOperator(r.db.QueryRow(ctx, query, email))
}

func (r *operatorRepository) List(ctx context.Context) ([]domain.Operator, error) {
	const query = `SELECT ` + operatorColumns + ` FROM operators ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Operator
	for rows.Next() {
		operator, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *operator)
	}
	return result, rows.Err()
}

func scanOperator(row pgx.Row) (*domain.Operator, error) {
	var (
		operator domain.Operator
		role     string
	)
	if err := row.Scan(
		&operator.ID,
		&operator.Name,
		&operator.Email,
		&operator.PasswordHash,
		&role,
		&operator.Active,
		&operator.CreatedAt,
		&operator.UpdatedAt,
	); err != nil {
		return nil, err
	}
	operator.Role = domain.OperatorRole(role)
	return &operator, nil
}
