package tuition

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pirouette-hq/pirouette/internal/payments"
	"github.com/pirouette-hq/pirouette/internal/platform/httpx"
	"github.com/pirouette-hq/pirouette/internal/shared"
)

// Handler manages tuition plan endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers the admin tuition routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/stats", h.stats)
	r.Get("/{id}", h.get)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/pause", h.pause)
	r.Post("/{id}/resume", h.resume)
}

// MountParentRoutes registers the parent-facing tuition routes.
func (h *Handler) MountParentRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/request-cancel", h.requestCancel)
}

type createPlanRequest struct {
	FamilyID  int64  `json:"family_id" validate:"required,gt=0"`
	StudentID int64  `json:"student_id" validate:"required,gt=0"`
	Name      string `json:"name" validate:"required,max=200"`
	Amount    int64  `json:"amount_cents" validate:"required,gt=0"`
	Interval  string `json:"interval" validate:"required,oneof=month year"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.service.Create(r.Context(), shared.ActorFromContext(r.Context()), CreatePlanRequest{
		FamilyID:  req.FamilyID,
		StudentID: req.StudentID,
		Name:      req.Name,
		Amount:    req.Amount,
		Interval:  payments.Interval(req.Interval),
	})
	if err != nil {
		h.logger.Error("create tuition plan", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := map[string]any{"plan": planResponseFrom(result.Plan)}
	if result.ClientSecret != "" {
		resp["client_secret"] = result.ClientSecret
	}
	httpx.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var familyID *int64
	if raw := q.Get("family_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "family_id must be an integer")
			return
		}
		familyID = &id
	}
	var status *PlanStatus
	if raw := q.Get("status"); raw != "" {
		s := PlanStatus(raw)
		if !s.Valid() {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown status "+raw)
			return
		}
		status = &s
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	plans, pagination, err := h.service.List(r.Context(), shared.ActorFromContext(r.Context()), familyID, status, page, perPage)
	if err != nil {
		h.logger.Error("list tuition plans", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	items := make([]planResponse, 0, len(plans))
	for i := range plans {
		items = append(items, planResponseFrom(&plans[i]))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"plans":    items,
		"page":     pagination.Page,
		"per_page": pagination.PerPage,
		"total":    pagination.Total,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	h.respondPlan(w, r, h.service.Get)
}

type cancelPlanRequest struct {
	Immediately *bool `json:"immediately"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	immediately := true
	if r.ContentLength > 0 {
		var req cancelPlanRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
			return
		}
		if req.Immediately != nil {
			immediately = *req.Immediately
		}
	}
	h.respondPlan(w, r, func(ctx context.Context, actor shared.Actor, planID int64) (*Plan, error) {
		return h.service.Cancel(ctx, actor, planID, immediately)
	})
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.respondPlan(w, r, h.service.Pause)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.respondPlan(w, r, h.service.Resume)
}

func (h *Handler) requestCancel(w http.ResponseWriter, r *http.Request) {
	h.respondPlan(w, r, h.service.RequestCancel)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Error("tuition stats", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) respondPlan(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, actor shared.Actor, planID int64) (*Plan, error)) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid plan id")
		return
	}
	plan, err := fn(r.Context(), shared.ActorFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, planResponseFrom(plan))
}

type planResponse struct {
	ID                 int64      `json:"id"`
	FamilyID           int64      `json:"family_id"`
	StudentID          int64      `json:"student_id"`
	Name               string     `json:"name"`
	AmountCents        int64      `json:"amount_cents"`
	Interval           string     `json:"interval"`
	Status             string     `json:"status"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	PausedAt           *time.Time `json:"paused_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func planResponseFrom(p *Plan) planResponse {
	return planResponse{
		ID:                 p.ID,
		FamilyID:           p.FamilyID,
		StudentID:          p.StudentID,
		Name:               p.Name,
		AmountCents:        p.Amount,
		Interval:           string(p.Interval),
		Status:             string(p.Status),
		CancelAtPeriodEnd:  p.CancelAtPeriodEnd,
		CurrentPeriodStart: p.CurrentPeriodStart,
		CurrentPeriodEnd:   p.CurrentPeriodEnd,
		PausedAt:           p.PausedAt,
		CancelledAt:        p.CancelledAt,
		CreatedAt:          p.CreatedAt,
	}
}
