package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GoalDefinition is an immutable catalog entry.
type GoalDefinition struct {
	Name   string          `json:"goal" yaml:"goal"`
	Reward decimal.Decimal `json:"reward" yaml:"reward"`
}

// Validate checks the invariants every catalog entry must hold.
func (g GoalDefinition) Validate() error {
	if g.Name == "" {
		return errors.New("goal name is required")
	}
	if g.Reward.IsNegative() {
		return fmt.Errorf("goal %q has negative reward", g.Name)
	}
	if !g.Reward.Equal(g.Reward.Round(2)) {
		return fmt.Errorf("goal %q reward %s has more than two decimal places", g.Name, g.Reward)
	}
	return nil
}

// Ledger is the set of goals currently pending for one user.
// TotalReward and Count are derived from Goals and never set directly.
type Ledger struct {
	Username    string           `json:"username"`
	Goals       []GoalDefinition `json:"goals"`
	TotalReward decimal.Decimal  `json:"total_reward"`
	Count       int              `json:"count"`
	Revision    int64            `json:"revision"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewLedger builds a ledger and derives its aggregates. Goal names must be
// unique within the set.
func NewLedger(username string, goals []GoalDefinition, revision int64, updatedAt time.Time) (*Ledger, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}
	seen := make(map[string]struct{}, len(goals))
	for _, g := range goals {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[g.Name]; dup {
			return nil, fmt.Errorf("duplicate goal %q in ledger", g.Name)
		}
		seen[g.Name] = struct{}{}
	}
	owned := append([]GoalDefinition{}, goals...)
	return &Ledger{
		Username:    username,
		Goals:       owned,
		TotalReward: SumRewards(owned),
		Count:       len(owned),
		Revision:    revision,
		UpdatedAt:   updatedAt,
	}, nil
}

// SumRewards returns the reward total rounded to two decimal places.
func SumRewards(goals []GoalDefinition) decimal.Decimal {
	total := decimal.Zero
	for _, g := range goals {
		total = total.Add(g.Reward)
	}
	return total.Round(2)
}

// GoalResponse and LedgerResponse are the wire shape of a ledger. Money is
// always rendered with two decimal places.
type GoalResponse struct {
	Name   string `json:"goal"`
	Reward string `json:"reward"`
}

type LedgerResponse struct {
	Username    string         `json:"username"`
	Goals       []GoalResponse `json:"goals"`
	TotalReward string         `json:"total_reward"`
	Count       int            `json:"count"`
	Revision    int64          `json:"revision"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Response converts the ledger to its wire shape.
func (l *Ledger) Response() *LedgerResponse {
	if l == nil {
		return nil
	}
	goals := make([]GoalResponse, 0, len(l.Goals))
	for _, g := range l.Goals {
		goals = append(goals, GoalResponse{Name: g.Name, Reward: g.Reward.StringFixed(2)})
	}
	return &LedgerResponse{
		Username:    l.Username,
		Goals:       goals,
		TotalReward: l.TotalReward.StringFixed(2),
		Count:       l.Count,
		Revision:    l.Revision,
		UpdatedAt:   l.UpdatedAt,
	}
}

// Find returns the first goal with the given name.
func (l *Ledger) Find(name string) (GoalDefinition, bool) {
	for _, g := range l.Goals {
		if g.Name == name {
			return g, true
		}
	}
	return GoalDefinition{}, false
}

// Without returns the goal set with the first entry named name removed.
// The receiver is not modified.
func (l *Ledger) Without(name string) ([]GoalDefinition, bool) {
	for i, g := range l.Goals {
		if g.Name == name {
			rest := make([]GoalDefinition, 0, len(l.Goals)-1)
			rest = append(rest, l.Goals[:i]...)
			rest = append(rest, l.Goals[i+1:]...)
			return rest, true
		}
	}
	return l.Goals, false
}

// Clone returns a deep copy safe to hand out of a store.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	cp := *l
	cp.Goals = append([]GoalDefinition{}, l.Goals...)
	return &cp
}

// CompletionRecord is the append-only proof that a goal was paid out.
type CompletionRecord struct {
	ID          uuid.UUID       `json:"id"`
	Username    string          `json:"username"`
	GoalName    string          `json:"goal_name"`
	Reward      decimal.Decimal `json:"reward"`
	EvidenceRef string          `json:"evidence_ref"`
	PayoutRef   string          `json:"payout_ref"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Claim is a user's request to be paid for a completed goal.
type Claim struct {
	Username    string
	WalletID    string
	GoalName    string
	Evidence    []byte
	ContentType string
}
