// Package admin serves operator-only read endpoints over the audit trail.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	dErrors "goalpay/pkg/domain-errors"
	audit "goalpay/pkg/platform/audit"
	"goalpay/pkg/platform/httputil"
	adminmw "goalpay/pkg/platform/middleware/admin"
	"goalpay/pkg/platform/middleware/request"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// AuditReader is implemented by the memory and postgres audit stores.
type AuditReader interface {
	ListByUser(ctx context.Context, username string) ([]audit.Event, error)
	ListRecent(ctx context.Context, limit int) ([]audit.Event, error)
}

type Handler struct {
	events     AuditReader
	adminToken string
	logger     *slog.Logger
}

func New(events AuditReader, adminToken string, logger *slog.Logger) *Handler {
	return &Handler{events: events, adminToken: adminToken, logger: logger}
}

// Register mounts GET /admin/audit behind the admin token.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(adminmw.RequireAdminToken(h.adminToken, h.logger))
		r.Get("/admin/audit", h.handleListAudit)
	})
}

// handleListAudit lists events newest first, optionally for one user.
// Query: username, limit (default 100, max 1000).
func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxLimit)
	}

	var (
		events []audit.Event
		err    error
	)
	if username := strings.TrimSpace(r.URL.Query().Get("username")); username != "" {
		events, err = h.events.ListByUser(ctx, username)
		if len(events) > limit {
			events = events[:limit]
		}
	} else {
		events, err = h.events.ListRecent(ctx, limit)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list audit events",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit events"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAuditList(events))
}
