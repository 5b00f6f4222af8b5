package enrollment

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"goalpay/internal/goals/models"
	dErrors "goalpay/pkg/domain-errors"
	"goalpay/pkg/platform/httputil"
	"goalpay/pkg/platform/middleware/admin"
	"goalpay/pkg/platform/middleware/request"
)

// Enroller is implemented by Service.
type Enroller interface {
	Enroll(ctx context.Context, username string) (*Result, error)
}

type Handler struct {
	enroller   Enroller
	adminToken string
	logger     *slog.Logger
}

func NewHandler(enroller Enroller, adminToken string, logger *slog.Logger) *Handler {
	return &Handler{enroller: enroller, adminToken: adminToken, logger: logger}
}

// Register mounts POST /admin/users/{username}/enroll behind the admin token.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken(h.adminToken, h.logger))
		r.Post("/admin/users/{username}/enroll", h.handleEnroll)
	})
}

type enrollResponse struct {
	Username string                 `json:"username"`
	WalletID string                 `json:"wallet_id"`
	Address  string                 `json:"address"`
	Ledger   *models.LedgerResponse `json:"ledger"`
}

func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := h.enroller.Enroll(ctx, chi.URLParam(r, "username"))
	if err != nil {
		level := slog.LevelError
		if httputil.StatusFor(dErrors.CodeOf(err)) < http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		h.logger.Log(ctx, level, "enrollment failed",
			"request_id", request.GetRequestID(ctx),
			"error_code", string(dErrors.CodeOf(err)),
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, enrollResponse{
		Username: result.Username,
		WalletID: result.WalletID,
		Address:  result.Address,
		Ledger:   result.Ledger.Response(),
	})
}
