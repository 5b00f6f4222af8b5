package service

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"goalpay/internal/goals/metrics"
	"goalpay/pkg/platform/audit"
	"goalpay/pkg/requestcontext"
)

const (
	defaultCompleteTimeout  = 30 * time.Second
	defaultWalletTimeout    = 10 * time.Second
	defaultEvidenceTimeout  = 5 * time.Second
	defaultMaxEvidenceBytes = 10 << 20
)

// options are shared by LedgerService and Coordinator.
type options struct {
	logger           *slog.Logger
	auditPublisher   AuditPublisher
	metrics          *metrics.Metrics
	txTimeout        time.Duration
	completeTimeout  time.Duration
	walletTimeout    time.Duration
	evidenceTimeout  time.Duration
	maxEvidenceBytes int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(o *options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(o *options) {
		o.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRandSource makes goal draws reproducible.
func WithRandSource(src rand.Source) Option {
	return func(o *options) {
		o.rng = rand.New(src)
	}
}

// WithTxTimeout bounds ledger mutations that arrive without a deadline.
func WithTxTimeout(d time.Duration) Option {
	return func(o *options) {
		o.txTimeout = d
	}
}

// WithCompleteTimeout bounds the whole completion workflow.
func WithCompleteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.completeTimeout = d
	}
}

func WithWalletTimeout(d time.Duration) Option {
	return func(o *options) {
		o.walletTimeout = d
	}
}

func WithEvidenceTimeout(d time.Duration) Option {
	return func(o *options) {
		o.evidenceTimeout = d
	}
}

func WithMaxEvidenceBytes(n int64) Option {
	return func(o *options) {
		o.maxEvidenceBytes = n
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:           slog.Default(),
		completeTimeout:  defaultCompleteTimeout,
		walletTimeout:    defaultWalletTimeout,
		evidenceTimeout:  defaultEvidenceTimeout,
		maxEvidenceBytes: defaultMaxEvidenceBytes,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return o
}

// intN draws from the shared generator; *rand.Rand is not safe for
// concurrent use.
func (o *options) intN(n int) int {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.IntN(n)
}

// logAudit writes the audit log line and forwards the event to the
// publisher. Publisher failures never fail the operation.
func (o *options) logAudit(ctx context.Context, event audit.Event, attributes ...any) {
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	args := append(attributes,
		"event", event.Action,
		"log_type", "audit",
		"username", event.Username,
	)
	if event.RequestID != "" {
		args = append(args, "request_id", event.RequestID)
	}
	if event.Severity == audit.SeverityCritical || event.Severity == audit.SeverityWarning {
		o.logger.WarnContext(ctx, event.Action, args...)
	} else {
		o.logger.InfoContext(ctx, event.Action, args...)
	}
	if o.auditPublisher == nil {
		return
	}
	if err := o.auditPublisher.Emit(ctx, event); err != nil {
		o.logger.ErrorContext(ctx, "failed to publish audit event",
			"error", err,
			"event", event.Action,
		)
	}
}
