package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/supportdesk/case-service/internal/domain"
)

// ProposalRepository holds the single current proposal per case.
type ProposalRepository interface {
	// Set replaces the current proposal wholesale.
	Set(ctx context.Context, caseID string, proposal *domain.Proposal) error
	// Get returns nil without error when the case has no proposal.
	Get(ctx context.Context, caseID string) (*domain.Proposal, error)
}

type proposalRepository struct {
	db DBTX
}

// NewProposalRepository builds repository.
func NewProposalRepository(db DBTX) ProposalRepository {
	return &proposalRepository{db: db}
}

func (r *proposalRepository) Set(ctx context.Context, caseID string, proposal *domain.Proposal) error {
	if proposal == nil {
		return errors.New("proposal is nil")
	}
	body, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}
	const query = `
        INSERT INTO case_proposals (case_id, body, updated_at)
        VALUES ($1, $2::jsonb, NOW())
        ON CONFLICT (case_id) DO UPDATE SET body=EXCLUDED.body, updated_at=NOW()`
	_, err = r.db.Exec(ctx, query, caseID, string(body))
	return err
}

func (r *proposalRepository) Get(ctx context.Context, caseID string) (*domain.Proposal, error) {
	const query = `SELECT body FROM case_proposals WHERE case_id=$1`
	var body []byte
	if err := r.db.QueryRow(ctx, query, caseID).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var proposal domain.Proposal
	if err := json.Unmarshal(body, &proposal); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return &proposal, nil
}
