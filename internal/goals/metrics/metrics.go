package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Claim outcomes.
const (
	OutcomeCompleted     = "completed"
	OutcomeFraudRejected = "fraud_rejected"
	OutcomeConflict      = "conflict"
	OutcomePayoutFailed  = "payout_failed"
	OutcomeEvidenceFail  = "evidence_failed"
	OutcomeRecordFailed  = "record_failed"
	OutcomeInvalid       = "invalid"
	OutcomeTimeout       = "timeout"
)

// Metrics provides observability for goal assignment and completion.
type Metrics struct {
	ClaimsTotal          *prometheus.CounterVec
	FraudRejectionsTotal prometheus.Counter
	PayoutAmountTotal    prometheus.Counter
	AssignmentsTotal     prometheus.Counter
	GoalsAssignedTotal   prometheus.Counter
	CompleteDuration     prometheus.Histogram
	WalletCallDuration   *prometheus.HistogramVec
}

// New registers metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers metrics on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "goalpay_claims_total",
			Help: "Goal completion claims by outcome",
		}, []string{"outcome"}),
		FraudRejectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "goalpay_fraud_rejections_total",
			Help: "Claims for goals that were not pending for the user",
		}),
		PayoutAmountTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "goalpay_payout_amount_total",
			Help: "Sum of rewards for which a transfer was accepted",
		}),
		AssignmentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "goalpay_assignments_total",
			Help: "Ledger replacements by assignment",
		}),
		GoalsAssignedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "goalpay_goals_assigned_total",
			Help: "Individual goals handed out by assignment",
		}),
		CompleteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "goalpay_complete_goal_duration_seconds",
			Help:    "Duration of the full completion workflow",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		WalletCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "goalpay_wallet_call_duration_seconds",
			Help:    "Wallet provider call latency by operation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
	}
}

// IncrementClaim counts a claim outcome. Fraud rejections also feed the
// dedicated counter.
func (m *Metrics) IncrementClaim(outcome string) {
	m.ClaimsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeFraudRejected {
		m.FraudRejectionsTotal.Inc()
	}
}

// AddPayout adds an accepted payout amount.
func (m *Metrics) AddPayout(amount decimal.Decimal) {
	m.PayoutAmountTotal.Add(amount.InexactFloat64())
}

// IncrementAssignment records one assignment of n goals.
func (m *Metrics) IncrementAssignment(n int) {
	m.AssignmentsTotal.Inc()
	m.GoalsAssignedTotal.Add(float64(n))
}

// ObserveComplete records the duration of a completion.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveComplete(start time.Time) {
	m.CompleteDuration.Observe(time.Since(start).Seconds())
}

// ObserveWalletCall records the duration of one wallet provider call.
func (m *Metrics) ObserveWalletCall(op string, start time.Time) {
	m.WalletCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
