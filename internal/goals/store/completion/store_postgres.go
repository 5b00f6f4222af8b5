package completion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"goalpay/internal/goals/models"
	"goalpay/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// PostgresStore appends completion records to goal_completions. Rows are
// never updated or deleted.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, record *models.CompletionRecord) error {
	if record == nil {
		return fmt.Errorf("completion record is required")
	}
	query := `
		INSERT INTO goal_completions (id, username, goal_name, reward, evidence_ref, payout_ref, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Username,
		record.GoalName,
		record.Reward,
		record.EvidenceRef,
		record.PayoutRef,
		record.CompletedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("append completion %s: %w", record.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("append completion: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, username string) ([]models.CompletionRecord, error) {
	query := `
		SELECT id, username, goal_name, reward, evidence_ref, payout_ref, completed_at
		FROM goal_completions
		WHERE username = $1
		ORDER BY completed_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	records := []models.CompletionRecord{}
	for rows.Next() {
		var r models.CompletionRecord
		if err := rows.Scan(&r.ID, &r.Username, &r.GoalName, &r.Reward, &r.EvidenceRef, &r.PayoutRef, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completions: %w", err)
	}
	return records, nil
}
