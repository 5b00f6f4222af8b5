package service

import (
	"context"
	"errors"
	"strconv"

	"goalpay/internal/goals/models"
	dErrors "goalpay/pkg/domain-errors"
	"goalpay/pkg/platform/audit"
	"goalpay/pkg/platform/sentinel"
	"goalpay/pkg/requestcontext"
)

// ErrGoalNotPending marks a removal of a goal the user does not have.
var ErrGoalNotPending = errors.New("goal not pending")

// LedgerService owns every mutation of users' pending goal sets.
type LedgerService struct {
	store   LedgerStore
	catalog Catalog
	tx      *ledgerTx
	opts    *options
}

func NewLedgerService(store LedgerStore, catalog Catalog, opts ...Option) *LedgerService {
	o := newOptions(opts)
	return &LedgerService{
		store:   store,
		catalog: catalog,
		tx:      &ledgerTx{timeout: o.txTimeout},
		opts:    o,
	}
}

// Assign replaces the user's ledger with n goals drawn uniformly without
// replacement. n larger than the catalog is clamped.
func (s *LedgerService) Assign(ctx context.Context, username string, n int) (*models.Ledger, error) {
	if username == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "username is required")
	}
	if n < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "goal count must not be negative")
	}

	var ledger *models.Ledger
	err := s.tx.RunInTx(ctx, username, func(ctx context.Context) error {
		var err error
		ledger, err = s.assignLocked(ctx, username, n)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.opts.metrics != nil {
		s.opts.metrics.IncrementAssignment(ledger.Count)
	}
	s.opts.logAudit(ctx, audit.Event{
		Action:   string(audit.EventGoalsAssigned),
		Username: username,
		Amount:   ledger.TotalReward.StringFixed(2),
		Decision: strconv.Itoa(ledger.Count),
	}, "count", ledger.Count, "total_reward", ledger.TotalReward.StringFixed(2))
	return ledger, nil
}

func (s *LedgerService) assignLocked(ctx context.Context, username string, n int) (*models.Ledger, error) {
	var revision int64
	current, err := s.store.FindByUsername(ctx, username)
	switch {
	case err == nil:
		revision = current.Revision
	case errors.Is(err, sentinel.ErrNotFound):
	default:
		return nil, dErrors.Wrap(err, dErrors.CodePersistence, "failed to load ledger")
	}

	ledger, err := models.NewLedger(username, s.draw(n), revision+1, requestcontext.Now(ctx))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build ledger")
	}
	if err := s.save(ctx, ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// draw runs a partial Fisher-Yates shuffle over a copy of the catalog.
func (s *LedgerService) draw(n int) []models.GoalDefinition {
	goals := s.catalog.Goals()
	if n > len(goals) {
		n = len(goals)
	}
	for i := 0; i < n; i++ {
		j := i + s.opts.intN(len(goals)-i)
		goals[i], goals[j] = goals[j], goals[i]
	}
	return goals[:n]
}

// Get returns the user's current ledger.
func (s *LedgerService) Get(ctx context.Context, username string) (*models.Ledger, error) {
	if username == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "username is required")
	}
	return s.load(ctx, username)
}

// Remove drops the first goal named goalName. A goal the user does not have
// is reported as ErrGoalNotPending and nothing is written.
func (s *LedgerService) Remove(ctx context.Context, username, goalName string) (*models.Ledger, error) {
	if username == "" || goalName == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "username and goal name are required")
	}
	var ledger *models.Ledger
	err := s.tx.RunInTx(ctx, username, func(ctx context.Context) error {
		current, err := s.load(ctx, username)
		if err != nil {
			return err
		}
		ledger, err = s.removeFrom(ctx, current, goalName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

// removeFrom persists current minus goalName. Callers must hold the user's
// transaction.
func (s *LedgerService) removeFrom(ctx context.Context, current *models.Ledger, goalName string) (*models.Ledger, error) {
	rest, ok := current.Without(goalName)
	if !ok {
		return nil, dErrors.Wrap(ErrGoalNotPending, dErrors.CodeNotFound, "goal is not pending")
	}
	next, err := models.NewLedger(current.Username, rest, current.Revision+1, requestcontext.Now(ctx))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build ledger")
	}
	if err := s.save(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *LedgerService) load(ctx context.Context, username string) (*models.Ledger, error) {
	ledger, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "no goals assigned")
		}
		return nil, dErrors.Wrap(err, dErrors.CodePersistence, "failed to load ledger")
	}
	return ledger, nil
}

func (s *LedgerService) save(ctx context.Context, ledger *models.Ledger) error {
	if err := s.store.Save(ctx, ledger); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "ledger was modified concurrently")
		}
		return dErrors.Wrap(err, dErrors.CodePersistence, "failed to save ledger")
	}
	return nil
}
