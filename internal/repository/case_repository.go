package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/supportdesk/case-service/internal/domain"
)

// CaseFilter captures list parameters.
type CaseFilter struct {
	Statuses   []domain.CaseStatus
	SearchTerm *string
	Limit      int
	Offset     int
}

// ErrStaleRevision reports an update written against a revision that is no
// longer current.
var ErrStaleRevision = errors.New("case revision changed")

// DefaultCaseListLimit applies when a filter carries no limit.
const DefaultCaseListLimit = 100

// CaseRepository encapsulates case persistence.
type CaseRepository interface {
	Create(ctx context.Context, c *domain.Case) error
	// Update stores c only when the stored revision is c.Revision-1.
	Update(ctx context.Context, c *domain.Case) error
	GetByID(ctx context.Context, id string) (*domain.Case, error)
	GetByThreadID(ctx context.Context, threadID string) (*domain.Case, error)
	List(ctx context.Context, filter CaseFilter) ([]domain.Case, error)
}

type caseRepository struct {
	db DBTX
}

// NewCaseRepository instantiates repository.
func NewCaseRepository(db DBTX) CaseRepository {
	return &caseRepository{db: db}
}

const caseColumns = `id, title, description, logs, status, priority, created_at, updated_at, next_contact_due,
               sender_email, sender_name, customer_name, escalation_target, waiting_for, attachment_uris,
               thread_id, message_id, revision`

func (r *caseRepository) Create(ctx context.Context, c *domain.Case) error {
	const query = `
        INSERT INTO cases (` + caseColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err := r.db.Exec(ctx, query, caseArgs(c)...)
	return err
}

func (r *caseRepository) Update(ctx context.Context, c *domain.Case) error {
	const query = `
        UPDATE cases SET title=$2, description=$3, logs=$4, status=$5, priority=$6, created_at=$7, updated_at=$8,
            next_contact_due=$9, sender_email=$10, sender_name=$11, customer_name=$12, escalation_target=$13,
            waiting_for=$14, attachment_uris=$15, thread_id=$16, message_id=$17, revision=$18
        WHERE id=$1 AND revision=$18-1`
	cmd, err := r.db.Exec(ctx, query, caseArgs(c)...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}
	var exists int
	if err := r.db.QueryRow(ctx, `SELECT 1 FROM cases WHERE id=$1`, c.ID).Scan(&exists); err != nil {
		return err
	}
	return ErrStaleRevision
}

func caseArgs(c *domain.Case) []any {
	waiting := c.WaitingFor
	if waiting == nil {
		waiting = []string{}
	}
	attachments := c.AttachmentURIs
	if attachments == nil {
		attachments = []string{}
	}
	return []any{
		c.ID,
		c.Title,
		c.Description,
		c.Logs,
		string(c.Status),
		string(c.Priority),
		c.CreatedAt,
		c.UpdatedAt,
		c.NextContactDue,
		c.SenderEmail,
		c.SenderName,
		c.CustomerName,
		c.EscalationTarget,
		waiting,
		attachments,
		c.ThreadID,
		c.MessageID,
		c.Revision,
	}
}

func (r *caseRepository) GetByID(ctx context.Context, id string) (*domain.Case, error) {
	const query = `SELECT ` + caseColumns + ` FROM cases WHERE id=$1`
	return scanCase(r.db.QueryRow(ctx, query, id))
}

func (r *caseRepository) GetByThreadID(ctx context.Context, threadID string) (*domain.Case, error) {
	const query = `SELECT ` + caseColumns + ` FROM cases WHERE thread_id=$1 ORDER BY created_at DESC LIMIT 1`
	return scanCase(r.db.QueryRow(ctx, query, threadID))
}

func (r *caseRepository) List(ctx context.Context, filter CaseFilter) ([]domain.Case, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, string(status))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.SearchTerm != nil && strings.TrimSpace(*filter.SearchTerm) != "" {
		search := "%" + strings.ToLower(strings.TrimSpace(*filter.SearchTerm)) + "%"
		args = append(args, search)
		placeholder := fmt.Sprintf("$%d", len(args))
		clauses = append(clauses, fmt.Sprintf("(LOWER(title) LIKE %s OR LOWER(description) LIKE %s)", placeholder, placeholder))
	}

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM cases WHERE %s ORDER BY updated_at DESC, id LIMIT %d OFFSET %d`,
		caseColumns, strings.Join(clauses, " AND "), limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultCaseListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func scanCase(row pgx.Row) (*domain.Case, error) {
	var (
		c        domain.Case
		status   string
		priority string
	)
	if err := row.Scan(
		&c.ID,
		&c.Title,
		&c.Description,
		&c.Logs,
		&status,
		&priority,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.NextContactDue,
		&c.SenderEmail,
		&c.SenderName,
		&c.CustomerName,
		&c.EscalationTarget,
		&c.WaitingFor,
		&c.AttachmentURIs,
		&c.ThreadID,
		&c.MessageID,
		&c.Revision,
	); err != nil {
		return nil, err
	}
	c.Status = domain.CaseStatus(status)
	c.Priority = domain.CasePriority(priority)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.NextContactDue != nil {
		due := c.NextContactDue.UTC()
		c.NextContactDue = &due
	}
	return &c, nil
}
