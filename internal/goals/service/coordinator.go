package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goalpay/internal/evidence"
	"goalpay/internal/goals/metrics"
	"goalpay/internal/goals/models"
	"goalpay/internal/wallet"
	dErrors "goalpay/pkg/domain-errors"
	"goalpay/pkg/platform/audit"
	"goalpay/pkg/platform/sentinel"
	"goalpay/pkg/requestcontext"
)

const tracerName = "goalpay/internal/goals/service"

// Rejection reasons recorded with fraud rejections.
const (
	ReasonLedgerAbsent   = "ledger_absent"
	ReasonGoalNotPending = "goal_not_pending"
)

// Coordinator runs the completion workflow: validate the claim against the
// user's pending goals, remove the goal, pay the reward, store the proof and
// record the completion. Steps are not rolled back; operators reconcile
// against the completion log.
type Coordinator struct {
	ledger         *LedgerService
	wallet         WalletClient
	evidence       EvidenceStore
	completions    CompletionStore
	masterWalletID string
	opts           *options
	tracer         trace.Tracer
}

func NewCoordinator(
	ledger *LedgerService,
	walletClient WalletClient,
	evidenceStore EvidenceStore,
	completions CompletionStore,
	masterWalletID string,
	opts ...Option,
) *Coordinator {
	return &Coordinator{
		ledger:         ledger,
		wallet:         walletClient,
		evidence:       evidenceStore,
		completions:    completions,
		masterWalletID: masterWalletID,
		opts:           newOptions(opts),
		tracer:         otel.Tracer(tracerName),
	}
}

// CompleteGoal pays out a claimed goal exactly once. The user's ledger
// transaction is held for the whole sequence so a concurrent claim for the
// same goal observes the removal and is rejected.
func (c *Coordinator) CompleteGoal(ctx context.Context, claim models.Claim) (*models.CompletionRecord, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "goals.CompleteGoal", trace.WithAttributes(
		attribute.String("goal.name", claim.GoalName),
		attribute.Int("evidence.bytes", len(claim.Evidence)),
	))
	defer span.End()

	record, outcome, err := c.complete(ctx, claim)
	if c.opts.metrics != nil {
		c.opts.metrics.IncrementClaim(outcome)
		c.opts.metrics.ObserveComplete(start)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.String("payout.ref", record.PayoutRef))
	return record, nil
}

func (c *Coordinator) complete(ctx context.Context, claim models.Claim) (*models.CompletionRecord, string, error) {
	if err := c.validateClaim(claim); err != nil {
		return nil, metrics.OutcomeInvalid, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.completeTimeout)
	defer cancel()

	var (
		record  *models.CompletionRecord
		outcome string
	)
	err := c.ledger.tx.RunInTx(ctx, claim.Username, func(ctx context.Context) error {
		var err error
		record, outcome, err = c.completeLocked(ctx, claim)
		return err
	})
	if err != nil && outcome == "" {
		outcome = metrics.OutcomeTimeout
	}
	return record, outcome, err
}

func (c *Coordinator) completeLocked(ctx context.Context, claim models.Claim) (*models.CompletionRecord, string, error) {
	current, err := c.ledger.store.FindByUsername(ctx, claim.Username)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, metrics.OutcomeFraudRejected, c.reject(ctx, claim, ReasonLedgerAbsent)
		}
		return nil, metrics.OutcomeRecordFailed, dErrors.Wrap(err, dErrors.CodePersistence, "failed to load ledger")
	}
	goal, ok := current.Find(claim.GoalName)
	if !ok {
		return nil, metrics.OutcomeFraudRejected, c.reject(ctx, claim, ReasonGoalNotPending)
	}

	if _, err := c.ledger.removeFrom(ctx, current, goal.Name); err != nil {
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			return nil, metrics.OutcomeConflict, err
		}
		return nil, metrics.OutcomeRecordFailed, err
	}

	// The goal is gone; payout, evidence and record must run to completion
	// even if the caller goes away.
	ctx, cancel := detach(ctx)
	defer cancel()

	transfer, err := c.payout(ctx, claim.WalletID, goal.Reward)
	if err != nil {
		c.opts.logger.ErrorContext(ctx, "payout failed after goal removal",
			"error", err,
			"username", claim.Username,
			"goal", goal.Name,
			"reward", goal.Reward.StringFixed(2),
			"request_id", requestcontext.RequestID(ctx),
		)
		c.opts.logAudit(ctx, audit.Event{
			Action:   string(audit.EventPayoutFailed),
			Username: claim.Username,
			Subject:  goal.Name,
			Amount:   goal.Reward.StringFixed(2),
			Reason:   string(wallet.CategoryOf(err)),
			Severity: audit.SeverityWarning,
		})
		return nil, metrics.OutcomePayoutFailed, dErrors.Wrap(err, dErrors.CodePayout, "payout not confirmed")
	}
	if c.opts.metrics != nil {
		c.opts.metrics.AddPayout(goal.Reward)
	}

	ref, err := c.storeEvidence(ctx, claim)
	if err != nil {
		c.opts.logger.ErrorContext(ctx, "evidence storage failed after payout",
			"error", err,
			"username", claim.Username,
			"goal", goal.Name,
			"payout_ref", transfer.ID,
			"request_id", requestcontext.RequestID(ctx),
		)
		c.opts.logAudit(ctx, audit.Event{
			Action:   string(audit.EventEvidenceFailed),
			Username: claim.Username,
			Subject:  goal.Name,
			Amount:   goal.Reward.StringFixed(2),
			Decision: transfer.ID,
			Severity: audit.SeverityWarning,
		})
		return nil, metrics.OutcomeEvidenceFail, dErrors.Wrap(err, dErrors.CodeEvidence, "failed to store evidence")
	}

	record := &models.CompletionRecord{
		ID:          uuid.New(),
		Username:    claim.Username,
		GoalName:    goal.Name,
		Reward:      goal.Reward,
		EvidenceRef: ref.String(),
		PayoutRef:   transfer.ID,
		CompletedAt: requestcontext.Now(ctx),
	}
	if err := c.completions.Append(ctx, record); err != nil {
		c.opts.logger.ErrorContext(ctx, "completion record not written after payout",
			"error", err,
			"username", claim.Username,
			"goal", goal.Name,
			"payout_ref", transfer.ID,
			"evidence_ref", ref.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, metrics.OutcomeRecordFailed, dErrors.Wrap(err, dErrors.CodePersistence, "failed to record completion")
	}

	c.opts.logAudit(ctx, audit.Event{
		Action:   string(audit.EventGoalCompleted),
		Username: claim.Username,
		Subject:  goal.Name,
		Amount:   goal.Reward.StringFixed(2),
		Decision: transfer.ID,
	}, "goal", goal.Name, "evidence_ref", ref.String())
	return record, metrics.OutcomeCompleted, nil
}

func (c *Coordinator) validateClaim(claim models.Claim) error {
	switch {
	case claim.Username == "":
		return dErrors.New(dErrors.CodeValidation, "username is required")
	case claim.WalletID == "":
		return dErrors.New(dErrors.CodeValidation, "wallet id is required")
	case claim.GoalName == "":
		return dErrors.New(dErrors.CodeValidation, "goal name is required")
	case len(claim.Evidence) == 0:
		return dErrors.New(dErrors.CodeValidation, "evidence is required")
	case int64(len(claim.Evidence)) > c.opts.maxEvidenceBytes:
		return dErrors.New(dErrors.CodeValidation, "evidence is too large")
	}
	return nil
}

// reject records a claim for a goal that is not pending. It never pays.
func (c *Coordinator) reject(ctx context.Context, claim models.Claim, reason string) error {
	c.opts.logger.WarnContext(ctx, "possible payout theft",
		"username", claim.Username,
		"wallet_id", claim.WalletID,
		"goal", claim.GoalName,
		"reason", reason,
		"request_id", requestcontext.RequestID(ctx),
	)
	c.opts.logAudit(ctx, audit.Event{
		Action:   string(audit.EventClaimRejected),
		Username: claim.Username,
		Subject:  claim.GoalName,
		Decision: "rejected",
		Reason:   reason,
		Severity: audit.SeverityCritical,
	})
	return dErrors.New(dErrors.CodeFraudRejected, "goal is not pending for user")
}

// payout transfers reward from the master wallet. A zero reward moves no
// money and yields an empty transfer id.
func (c *Coordinator) payout(ctx context.Context, walletID string, reward decimal.Decimal) (*wallet.Transfer, error) {
	if reward.IsZero() {
		return &wallet.Transfer{Status: wallet.TransferComplete, Amount: reward}, nil
	}

	ctx, span := c.tracer.Start(ctx, "goals.payout")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.opts.walletTimeout)
	defer cancel()

	start := time.Now()
	address, err := c.wallet.ResolveAddress(ctx, walletID)
	c.observeWallet("resolve_address", start)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	start = time.Now()
	transfer, err := c.wallet.RequestTransfer(ctx, wallet.TransferRequest{
		SourceWalletID:     c.masterWalletID,
		DestinationAddress: address,
		Amount:             reward,
		IdempotencyKey:     uuid.NewString(),
	})
	c.observeWallet("transfer", start)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if transfer == nil || transfer.ID == "" {
		return nil, errors.New("provider returned no transfer id")
	}
	span.SetAttributes(attribute.String("transfer.id", transfer.ID))
	return transfer, nil
}

func (c *Coordinator) storeEvidence(ctx context.Context, claim models.Claim) (evidence.Ref, error) {
	ctx, span := c.tracer.Start(ctx, "goals.storeEvidence")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.opts.evidenceTimeout)
	defer cancel()

	ref, err := c.evidence.Store(ctx, claim.Evidence, claim.ContentType)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return ref, nil
}

// detach drops ctx's cancellation but keeps its values and deadline.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}

func (c *Coordinator) observeWallet(op string, start time.Time) {
	if c.opts.metrics != nil {
		c.opts.metrics.ObserveWalletCall(op, start)
	}
}

// Completions lists the user's completion records, oldest first.
func (c *Coordinator) Completions(ctx context.Context, username string) ([]models.CompletionRecord, error) {
	if username == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "username is required")
	}
	records, err := c.completions.ListByUser(ctx, username)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodePersistence, "failed to list completions")
	}
	return records, nil
}

// Balance reads the wallet balance from the provider.
func (c *Coordinator) Balance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	if walletID == "" {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, "wallet id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.walletTimeout)
	defer cancel()

	start := time.Now()
	balance, err := c.wallet.Balance(ctx, walletID)
	c.observeWallet("balance", start)
	if err != nil {
		c.opts.logger.WarnContext(ctx, "balance lookup failed",
			"error", err,
			"wallet_id", walletID,
			"request_id", requestcontext.RequestID(ctx),
		)
		if wallet.CategoryOf(err) == wallet.ErrorNotFound {
			return decimal.Zero, dErrors.Wrap(err, dErrors.CodeNotFound, "wallet not found")
		}
		return decimal.Zero, dErrors.Wrap(err, dErrors.CodeUnavailable, "wallet provider unavailable")
	}
	return balance, nil
}

// Evidence opens a stored proof blob.
func (c *Coordinator) Evidence(ctx context.Context, rawRef string) ([]byte, evidence.Ref, error) {
	ref, err := evidence.ParseRef(rawRef)
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeValidation, "invalid evidence reference")
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.evidenceTimeout)
	defer cancel()

	blob, err := c.evidence.Open(ctx, ref)
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, "", dErrors.Wrap(err, dErrors.CodeNotFound, "evidence not found")
		case errors.Is(err, sentinel.ErrCorrupt):
			c.opts.logger.ErrorContext(ctx, "evidence failed integrity check",
				"error", err,
				"evidence_ref", ref.String(),
				"request_id", requestcontext.RequestID(ctx),
			)
			return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "evidence integrity check failed")
		default:
			return nil, "", dErrors.Wrap(err, dErrors.CodeEvidence, "failed to open evidence")
		}
	}
	return blob, ref, nil
}
