package admin

import (
	"time"

	audit "goalpay/pkg/platform/audit"
)

// AuditEventResponse is the HTTP response DTO for one audit event.
type AuditEventResponse struct {
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
	Username  string    `json:"username,omitempty"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// AuditListResponse wraps the list of events for HTTP response.
type AuditListResponse struct {
	Events []AuditEventResponse `json:"events"`
	Total  int                  `json:"total"`
}

func toAuditList(events []audit.Event) AuditListResponse {
	out := make([]AuditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, AuditEventResponse{
			Category:  string(e.Category),
			Timestamp: e.Timestamp,
			Username:  e.Username,
			Action:    e.Action,
			Subject:   e.Subject,
			Decision:  e.Decision,
			Reason:    e.Reason,
			Amount:    e.Amount,
			Severity:  string(e.Severity),
			RequestID: e.RequestID,
		})
	}
	return AuditListResponse{Events: out, Total: len(out)}
}
