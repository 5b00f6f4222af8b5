package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose so sinks can
// route and retain them differently.
type EventCategory string

const (
	// CategoryCompliance covers money movement and enrollment. Kept for
	// reconciliation against the completion log.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers rejected claims and other signals of abuse.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity such as goal assignment.
	CategoryOperations EventCategory = "operations"
)

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is emitted from domain logic to capture key actions. It stays
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	Username  string
	Action    string
	Subject   string
	Decision  string
	Reason    string
	Amount    string
	Severity  Severity
	RequestID string
}

type AuditEvent string

const (
	EventGoalsAssigned  AuditEvent = "goals_assigned"
	EventGoalCompleted  AuditEvent = "goal_completed"
	EventClaimRejected  AuditEvent = "claim_rejected"
	EventPayoutFailed   AuditEvent = "payout_failed"
	EventEvidenceFailed AuditEvent = "evidence_failed"
	EventUserEnrolled   AuditEvent = "user_enrolled"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventGoalCompleted:  CategoryCompliance,
	EventPayoutFailed:   CategoryCompliance,
	EventEvidenceFailed: CategoryCompliance,
	EventUserEnrolled:   CategoryCompliance,

	EventClaimRejected: CategorySecurity,

	EventGoalsAssigned: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store is an append-only audit sink.
type Store interface {
	Append(ctx context.Context, event Event) error
}
