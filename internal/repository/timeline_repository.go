package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/supportdesk/case-service/internal/domain"
)

// TimelineRepository is the append-only event ledger.
type TimelineRepository interface {
	// Append assigns the next per-case sequence number to event and stores it.
	Append(ctx context.Context, caseID string, event *domain.TimelineEvent) error
	// Read returns every event of the case in commit order.
	Read(ctx context.Context, caseID string) ([]domain.TimelineEvent, error)
	// FindByRequestID returns nil without error when no event carries requestID.
	FindByRequestID(ctx context.Context, caseID, requestID string) (*domain.TimelineEvent, error)
}

type timelineRepository struct {
	db DBTX
}

// NewTimelineRepository builds repository.
func NewTimelineRepository(db DBTX) TimelineRepository {
	return &timelineRepository{db: db}
}

func (r *timelineRepository) Append(ctx context.Context, caseID string, event *domain.TimelineEvent) error {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}

	const query = `
        INSERT INTO case_timeline (case_id, seq, id, occurred_at, type, actor, message, metadata)
        VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM case_timeline WHERE case_id=$1), $2, $3, $4, $5, $6, $7::jsonb)
        RETURNING seq`
	if err := r.db.QueryRow(ctx, query,
		caseID,
		event.ID,
		event.Time,
		string(event.Type),
		string(event.Actor),
		event.Message,
		string(encoded),
	).Scan(&event.Seq); err != nil {
		return err
	}
	event.CaseID = caseID
	return nil
}

const timelineColumns = `case_id, seq, id, occurred_at, type, actor, message, metadata`

func (r *timelineRepository) Read(ctx context.Context, caseID string) ([]domain.TimelineEvent, error) {
	const query = `SELECT ` + timelineColumns + ` FROM case_timeline WHERE case_id=$1 ORDER BY seq ASC`
	rows, err := r.db.Query(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.TimelineEvent{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *event)
	}
	return result, rows.Err()
}

func (r *timelineRepository) FindByRequestID(ctx context.Context, caseID, requestID string) (*domain.TimelineEvent, error) {
	const query = `SELECT ` + timelineColumns + ` FROM case_timeline
        WHERE case_id=$1 AND metadata->>'request_id'=$2 ORDER BY seq ASC LIMIT 1`
	event, err := scanEvent(r.db.QueryRow(ctx, query, caseID, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return event, err
}

func scanEvent(row pgx.Row) (*domain.TimelineEvent, error) {
	var (
		event     domain.TimelineEvent
		eventType string
		actor     string
		metadata  []byte
	)
	if err := row.Scan(
		&event.CaseID,
		&event.Seq,
		&event.ID,
		&event.Time,
		&eventType,
		&actor,
		&event.Message,
		&metadata,
	); err != nil {
		return nil, err
	}
	event.Type = domain.EventType(eventType)
	event.Actor = domain.EventActor(actor)
	event.Time = event.Time.UTC()
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("decode event metadata: %w", err)
		}
		if len(event.Metadata) == 0 {
			event.Metadata = nil
		}
	}
	return &event, nil
}
