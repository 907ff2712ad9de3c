package promo

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pirouette-hq/pirouette/internal/platform/httpx"
	"github.com/pirouette-hq/pirouette/internal/shared"
)

// Handler manages promo code endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers the admin promo code routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Post("/validate", h.validateCode)
	r.Get("/{id}", h.get)
	r.Patch("/{id}", h.update)
	r.Delete("/{id}", h.deactivate)
	r.Get("/{id}/stats", h.stats)
	r.Get("/{id}/applications", h.applications)
}

type createPromoRequest struct {
	Code          string `json:"code" validate:"required,max=64"`
	Description   string `json:"description" validate:"max=500"`
	DiscountType  string `json:"discount_type" validate:"required,oneof=percent flat"`
	DiscountValue int64  `json:"discount_value" validate:"required,gt=0"`
	MaxUses       *int   `json:"max_uses" validate:"omitempty,gt=0"`
	MinPurchase   int64  `json:"min_purchase_cents" validate:"gte=0"`
	StartsAt      string `json:"starts_at"`
	ExpiresAt     string `json:"expires_at"`
	AppliesTo     string `json:"applies_to" validate:"omitempty,oneof=all registration invoice tuition"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPromoRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	startsAt, ok := parseOptionalTime(w, "starts_at", req.StartsAt)
	if !ok {
		return
	}
	expiresAt, ok := parseOptionalTime(w, "expires_at", req.ExpiresAt)
	if !ok {
		return
	}
	appliesTo := AppliesTo(req.AppliesTo)
	if req.AppliesTo == "" {
		appliesTo = AppliesAll
	}

	actor := shared.ActorFromContext(r.Context())
	code, err := h.service.Create(r.Context(), CreatePromoCodeInput{
		StudioID:      actor.StudioID,
		Code:          req.Code,
		Description:   req.Description,
		DiscountType:  DiscountType(req.DiscountType),
		DiscountValue: req.DiscountValue,
		MaxUses:       req.MaxUses,
		MinPurchase:   req.MinPurchase,
		StartsAt:      startsAt,
		ExpiresAt:     expiresAt,
		AppliesTo:     appliesTo,
	})
	if err != nil {
		h.logger.Error("create promo code", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, promoResponseFrom(code))
}

type validateCodeRequest struct {
	Code        string `json:"code" validate:"required,max=64"`
	Context     string `json:"context" validate:"required,oneof=registration invoice tuition"`
	AmountCents int64  `json:"amount_cents" validate:"gte=0"`
}

// validateCode is a dry run: it reports whether the code would apply and
// what it would take off, without redeeming anything.
func (h *Handler) validateCode(w http.ResponseWriter, r *http.Request) {
	var req validateCodeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	actor := shared.ActorFromContext(r.Context())
	result, err := h.service.Validate(r.Context(), actor.StudioID, req.Code, AppliesTo(req.Context), req.AmountCents)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := map[string]any{"valid": result.Valid}
	if !result.Valid {
		resp["reason"] = result.Reason
	} else {
		resp["discount_cents"] = result.Code.DiscountFor(req.AmountCents)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	actor := shared.ActorFromContext(r.Context())
	codes, pagination, err := h.service.List(r.Context(), actor.StudioID, page, perPage)
	if err != nil {
		h.logger.Error("list promo codes", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	items := make([]promoResponse, 0, len(codes))
	for i := range codes {
		items = append(items, promoResponseFrom(&codes[i]))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"promo_codes": items,
		"page":        pagination.Page,
		"per_page":    pagination.PerPage,
		"total":       pagination.Total,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.codeID(w, r)
	if !ok {
		return
	}
	actor := shared.ActorFromContext(r.Context())
	code, err := h.service.Get(r.Context(), actor.StudioID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, promoResponseFrom(code))
}

type updatePromoRequest struct {
	Description   *string `json:"description" validate:"omitempty,max=500"`
	DiscountValue *int64  `json:"discount_value" validate:"omitempty,gt=0"`
	MaxUses       *int    `json:"max_uses" validate:"omitempty,gt=0"`
	ClearMaxUses  bool    `json:"clear_max_uses"`
	MinPurchase   *int64  `json:"min_purchase_cents" validate:"omitempty,gte=0"`
	StartsAt      *string `json:"starts_at"`
	ExpiresAt     *string `json:"expires_at"`
	AppliesTo     *string `json:"applies_to" validate:"omitempty,oneof=all registration invoice tuition"`
	IsActive      *bool   `json:"is_active"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.codeID(w, r)
	if !ok {
		return
	}
	var req updatePromoRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := UpdatePromoCodeInput{
		Description:   req.Description,
		DiscountValue: req.DiscountValue,
		MaxUses:       req.MaxUses,
		ClearMaxUses:  req.ClearMaxUses,
		MinPurchase:   req.MinPurchase,
		IsActive:      req.IsActive,
	}
	if req.StartsAt != nil {
		ts, ok := parseOptionalTime(w, "starts_at", *req.StartsAt)
		if !ok {
			return
		}
		input.StartsAt = ts
	}
	if req.ExpiresAt != nil {
		ts, ok := parseOptionalTime(w, "expires_at", *req.ExpiresAt)
		if !ok {
			return
		}
		input.ExpiresAt = ts
	}
	if req.AppliesTo != nil {
		applies := AppliesTo(*req.AppliesTo)
		input.AppliesTo = &applies
	}

	actor := shared.ActorFromContext(r.Context())
	code, err := h.service.Update(r.Context(), actor.StudioID, id, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, promoResponseFrom(code))
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.codeID(w, r)
	if !ok {
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if err := h.service.Deactivate(r.Context(), actor.StudioID, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.codeID(w, r)
	if !ok {
		return
	}
	actor := shared.ActorFromContext(r.Context())
	stats, err := h.service.Stats(r.Context(), actor.StudioID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"promo_code_id":          stats.PromoCodeID,
		"total_uses":             stats.TotalUses,
		"total_discounted_cents": stats.TotalDiscounted,
		"last_used_at":           stats.LastUsedAt,
	})
}

func (h *Handler) applications(w http.ResponseWriter, r *http.Request) {
	id, ok := h.codeID(w, r)
	if !ok {
		return
	}
	actor := shared.ActorFromContext(r.Context())
	apps, err := h.service.Applications(r.Context(), actor.StudioID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(apps))
	for _, a := range apps {
		items = append(items, map[string]any{
			"id":             a.ID,
			"family_id":      a.FamilyID,
			"invoice_id":     a.InvoiceID,
			"enrollment_id":  a.EnrollmentID,
			"discount_cents": a.DiscountAmount,
			"applied_at":     a.AppliedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"applications": items})
}

func (h *Handler) codeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid promo code id")
		return 0, false
	}
	return id, true
}

func parseOptionalTime(w http.ResponseWriter, field, raw string) (*time.Time, bool) {
	if raw == "" {
		return nil, true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", field+" must be RFC3339")
		return nil, false
	}
	return &ts, true
}

type promoResponse struct {
	ID            int64      `json:"id"`
	Code          string     `json:"code"`
	Description   string     `json:"description,omitempty"`
	DiscountType  string     `json:"discount_type"`
	DiscountValue int64      `json:"discount_value"`
	MaxUses       *int       `json:"max_uses,omitempty"`
	CurrentUses   int        `json:"current_uses"`
	MinPurchase   int64      `json:"min_purchase_cents"`
	StartsAt      *time.Time `json:"starts_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	AppliesTo     string     `json:"applies_to"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
}

func promoResponseFrom(c *PromoCode) promoResponse {
	return promoResponse{
		ID:            c.ID,
		Code:          c.Code,
		Description:   c.Description,
		DiscountType:  string(c.DiscountType),
		DiscountValue: c.DiscountValue,
		MaxUses:       c.MaxUses,
		CurrentUses:   c.CurrentUses,
		MinPurchase:   c.MinPurchase,
		StartsAt:      c.StartsAt,
		ExpiresAt:     c.ExpiresAt,
		AppliesTo:     string(c.AppliesTo),
		IsActive:      c.IsActive,
		CreatedAt:     c.CreatedAt,
	}
}
