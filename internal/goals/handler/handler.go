package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"goalpay/internal/evidence"
	"goalpay/internal/goals/models"
	dErrors "goalpay/pkg/domain-errors"
	"goalpay/pkg/platform/httputil"
	"goalpay/pkg/platform/middleware/admin"
	"goalpay/pkg/platform/middleware/identity"
	"goalpay/pkg/platform/middleware/ratelimit"
	"goalpay/pkg/platform/middleware/request"
	"goalpay/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks

// LedgerService is the ledger surface the handlers need.
type LedgerService interface {
	Assign(ctx context.Context, username string, n int) (*models.Ledger, error)
	Get(ctx context.Context, username string) (*models.Ledger, error)
}

// CompletionService is the completion surface the handlers need.
type CompletionService interface {
	CompleteGoal(ctx context.Context, claim models.Claim) (*models.CompletionRecord, error)
	Completions(ctx context.Context, username string) ([]models.CompletionRecord, error)
	Balance(ctx context.Context, walletID string) (decimal.Decimal, error)
	Evidence(ctx context.Context, rawRef string) ([]byte, evidence.Ref, error)
}

const (
	fieldGoalName = "goal_name"
	fieldImage    = "image"

	// multipart framing allowance on top of the image limit
	formOverhead = 1 << 20
)

// Config carries the handler settings that come from process config.
type Config struct {
	AdminToken       string
	DefaultCount     int
	MaxEvidenceBytes int64
}

// Handler serves the goal, wallet and evidence endpoints.
type Handler struct {
	logger      *slog.Logger
	ledger      LedgerService
	completions CompletionService
	limiter     *ratelimit.Limiter
	cfg         Config
}

// New creates a goals Handler. A nil limiter disables per-user throttling of
// claims.
func New(ledger LedgerService, completions CompletionService, limiter *ratelimit.Limiter, logger *slog.Logger, cfg Config) *Handler {
	if cfg.MaxEvidenceBytes <= 0 {
		cfg.MaxEvidenceBytes = 10 << 20
	}
	return &Handler{
		logger:      logger,
		ledger:      ledger,
		completions: completions,
		limiter:     limiter,
		cfg:         cfg,
	}
}

// Register mounts the user and admin routes. Shared middleware (request ids,
// recovery, access logs, latency) is expected on r already.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(identity.RequireIdentity(h.logger))
		r.Get("/goals", h.handleGetGoals)
		r.Get("/goals/completions", h.handleListCompletions)
		r.Get("/wallet/balance", h.handleBalance)
		if h.limiter != nil {
			r.With(h.limiter.PerUser).Post("/goals/complete", h.handleCompleteGoal)
		} else {
			r.Post("/goals/complete", h.handleCompleteGoal)
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken(h.cfg.AdminToken, h.logger))
		r.Post("/goals/assign", h.handleAssignGoals)
		r.Get("/evidence/{ref}", h.handleGetEvidence)
	})
}

func (h *Handler) handleGetGoals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := requestcontext.Username(ctx)

	ledger, err := h.ledger.Get(ctx, username)
	if err != nil {
		h.logFailure(ctx, "failed to get goals", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ledger.Response())
}

type assignRequest struct {
	Username string `json:"username"`
	Count    *int   `json:"count,omitempty"`
}

func (h *Handler) handleAssignGoals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid assign request",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	n := h.cfg.DefaultCount
	if req.Count != nil {
		n = *req.Count
	}

	ledger, err := h.ledger.Assign(ctx, req.Username, n)
	if err != nil {
		h.logFailure(ctx, "failed to assign goals", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ledger.Response())
}

type completeResponse struct {
	ID          uuid.UUID `json:"id"`
	GoalName    string    `json:"goal_name"`
	Reward      string    `json:"reward"`
	PayoutRef   string    `json:"payout_ref,omitempty"`
	EvidenceRef string    `json:"evidence_ref"`
	CompletedAt time.Time `json:"completed_at"`
}

// handleCompleteGoal accepts a multipart claim. Whatever goes wrong inside
// the workflow, the caller sees one generic 422; logs keep the kind.
func (h *Handler) handleCompleteGoal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	walletID := requestcontext.WalletID(ctx)
	if walletID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "missing wallet id"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxEvidenceBytes+formOverhead)
	if err := r.ParseMultipartForm(h.cfg.MaxEvidenceBytes + formOverhead); err != nil {
		h.logger.WarnContext(ctx, "invalid claim form",
			"request_id", requestID,
			"error", err.Error(),
		)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "image is too large"))
			return
		}
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	goalName := strings.TrimSpace(r.FormValue(fieldGoalName))
	if goalName == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "goal_name is required"))
		return
	}
	image, contentType, err := readImage(r, h.cfg.MaxEvidenceBytes)
	if err != nil {
		h.logger.WarnContext(ctx, "invalid claim image",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	record, err := h.completions.CompleteGoal(ctx, models.Claim{
		Username:    requestcontext.Username(ctx),
		WalletID:    walletID,
		GoalName:    goalName,
		Evidence:    image,
		ContentType: contentType,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "goal completion failed",
			"request_id", requestID,
			"username", requestcontext.Username(ctx),
			"goal", goalName,
			"error_code", string(dErrors.CodeOf(err)),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnprocessable, "could not complete goal"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toCompleteResponse(record))
}

func toCompleteResponse(record *models.CompletionRecord) completeResponse {
	return completeResponse{
		ID:          record.ID,
		GoalName:    record.GoalName,
		Reward:      record.Reward.StringFixed(2),
		PayoutRef:   record.PayoutRef,
		EvidenceRef: record.EvidenceRef,
		CompletedAt: record.CompletedAt,
	}
}

func readImage(r *http.Request, maxBytes int64) ([]byte, string, error) {
	file, header, err := r.FormFile(fieldImage)
	if err != nil {
		return nil, "", dErrors.New(dErrors.CodeValidation, "image is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeBadRequest, "failed to read image")
	}
	switch {
	case len(data) == 0:
		return nil, "", dErrors.New(dErrors.CodeValidation, "image is empty")
	case int64(len(data)) > maxBytes:
		return nil, "", dErrors.New(dErrors.CodeValidation, "image is too large")
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

type completionsResponse struct {
	Completions []completeResponse `json:"completions"`
}

func (h *Handler) handleListCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := h.completions.Completions(ctx, requestcontext.Username(ctx))
	if err != nil {
		h.logFailure(ctx, "failed to list completions", err)
		httputil.WriteError(w, err)
		return
	}
	resp := completionsResponse{Completions: make([]completeResponse, 0, len(records))}
	for i := range records {
		resp.Completions = append(resp.Completions, toCompleteResponse(&records[i]))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type balanceResponse struct {
	WalletID string          `json:"wallet_id"`
	Balance  decimal.Decimal `json:"balance"`
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	walletID := requestcontext.WalletID(ctx)
	if walletID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "missing wallet id"))
		return
	}

	balance, err := h.completions.Balance(ctx, walletID)
	if err != nil {
		h.logFailure(ctx, "failed to read balance", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, balanceResponse{WalletID: walletID, Balance: balance})
}

func (h *Handler) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	blob, ref, err := h.completions.Evidence(ctx, chi.URLParam(r, "ref"))
	if err != nil {
		h.logFailure(ctx, "failed to open evidence", err)
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", ref.ContentType())
	w.Header().Set("Cache-Control", "private, max-age=0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

// logFailure logs client errors at warn and everything else at error.
func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	attrs := []any{
		"request_id", request.GetRequestID(ctx),
		"error_code", string(dErrors.CodeOf(err)),
		"error", err.Error(),
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) < http.StatusInternalServerError {
		h.logger.WarnContext(ctx, msg, attrs...)
		return
	}
	h.logger.ErrorContext(ctx, msg, attrs...)
}
