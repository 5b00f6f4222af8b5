package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"goalpay/internal/goals/models"
	"goalpay/pkg/platform/sentinel"
)

// PostgresStore persists ledgers in the goal_ledgers table. Aggregates are
// stored for reporting and re-derived on load.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindByUsername(ctx context.Context, username string) (*models.Ledger, error) {
	query := `
		SELECT goals, total_reward, goal_count, revision, updated_at
		FROM goal_ledgers
		WHERE username = $1
	`
	var (
		rawGoals  []byte
		total     decimal.Decimal
		count     int
		revision  int64
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, username).Scan(&rawGoals, &total, &count, &revision, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("find ledger %s: %w", username, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find ledger: %w", err)
	}
	var goals []models.GoalDefinition
	if err := json.Unmarshal(rawGoals, &goals); err != nil {
		return nil, fmt.Errorf("decode ledger goals: %w", errors.Join(sentinel.ErrCorrupt, err))
	}
	ledger, err := models.NewLedger(username, goals, revision, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("rebuild ledger: %w", errors.Join(sentinel.ErrCorrupt, err))
	}
	if !ledger.TotalReward.Equal(total) || ledger.Count != count {
		return nil, fmt.Errorf("ledger %s aggregates disagree with goals: %w", username, sentinel.ErrCorrupt)
	}
	return ledger, nil
}

// Save inserts the first revision or updates the row only when the stored
// revision is one behind.
func (s *PostgresStore) Save(ctx context.Context, ledger *models.Ledger) error {
	if ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	rawGoals, err := json.Marshal(ledger.Goals)
	if err != nil {
		return fmt.Errorf("encode ledger goals: %w", err)
	}

	var query string
	if ledger.Revision == 1 {
		query = `
			INSERT INTO goal_ledgers (username, goals, total_reward, goal_count, revision, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (username) DO NOTHING
		`
	} else {
		query = `
			UPDATE goal_ledgers
			SET goals = $2, total_reward = $3, goal_count = $4, revision = $5, updated_at = $6
			WHERE username = $1 AND revision = $5 - 1
		`
	}
	res, err := s.db.ExecContext(ctx, query,
		ledger.Username,
		rawGoals,
		ledger.TotalReward,
		ledger.Count,
		ledger.Revision,
		ledger.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save ledger rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("save ledger %s at revision %d: %w", ledger.Username, ledger.Revision, sentinel.ErrConflict)
	}
	return nil
}
