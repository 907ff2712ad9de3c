package billing

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pirouette-hq/pirouette/internal/money"
	"github.com/pirouette-hq/pirouette/internal/platform/httpx"
	"github.com/pirouette-hq/pirouette/internal/shared"
)

// Handler manages invoice endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers the admin invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.createInvoice)
	r.Get("/", h.listInvoices)
	r.Get("/stats", h.stats)
	r.Post("/overdue/process", h.processOverdue)
	r.Get("/{id}", h.getInvoice)
	r.Post("/{id}/lines", h.addLine)
	r.Delete("/{id}/lines/{lineID}", h.removeLine)
	r.Post("/{id}/send", h.sendInvoice)
	r.Post("/{id}/pay", h.markPaid)
	r.Post("/{id}/void", h.voidInvoice)
	r.Post("/{id}/refund", h.refund)
	r.Post("/{id}/discount", h.applyDiscount)
	r.Post("/{id}/sibling-discount", h.applySiblingDiscount)
	r.Get("/{id}/payments", h.listPayments)
}

// MountParentRoutes registers the read-and-pay surface for parents.
func (h *Handler) MountParentRoutes(r chi.Router) {
	r.Get("/", h.listInvoices)
	r.Get("/{id}", h.getInvoice)
	r.Post("/{id}/payment-intent", h.createPaymentIntent)
}

type createInvoiceRequest struct {
	FamilyID int64   `json:"family_id" validate:"required,gt=0"`
	DueDate  string  `json:"due_date" validate:"required"`
	TaxRate  float64 `json:"tax_rate" validate:"gte=0,lte=1"`
	Notes    string  `json:"notes" validate:"max=2000"`
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	dueDate, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "due_date must be YYYY-MM-DD")
		return
	}

	inv, err := h.service.Create(r.Context(), shared.ActorFromContext(r.Context()), CreateInvoiceRequest{
		FamilyID: req.FamilyID,
		DueDate:  dueDate,
		TaxRate:  req.TaxRate,
		Notes:    req.Notes,
	})
	if err != nil {
		h.logger.Error("create invoice", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, invoiceResponseFrom(inv))
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
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
	var status *InvoiceStatus
	if raw := q.Get("status"); raw != "" {
		s := InvoiceStatus(raw)
		if !s.Valid() {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown status "+raw)
			return
		}
		status = &s
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	invoices, pagination, err := h.service.List(r.Context(), shared.ActorFromContext(r.Context()), familyID, status, page, perPage)
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	items := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		items = append(items, invoiceResponseFrom(&invoices[i]))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoices": items,
		"page":     pagination.Page,
		"per_page": pagination.PerPage,
		"total":    pagination.Total,
	})
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Get(r.Context(), shared.ActorFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoiceResponseFrom(inv))
}

type addLineRequest struct {
	Description  string `json:"description" validate:"required,max=500"`
	Quantity     int    `json:"quantity" validate:"required,gte=1"`
	UnitPrice    int64  `json:"unit_price_cents" validate:"required"`
	EnrollmentID *int64 `json:"enrollment_id"`
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req addLineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	inv, err := h.service.AddLineItem(r.Context(), shared.ActorFromContext(r.Context()), id, AddLineRequest{
		Description:  req.Description,
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		EnrollmentID: req.EnrollmentID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoiceResponseFrom(inv))
}

func (h *Handler) removeLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	lineID, err := strconv.ParseInt(chi.URLParam(r, "lineID"), 10, 64)
	if err != nil || lineID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line id")
		return
	}
	inv, err := h.service.RemoveLineItem(r.Context(), shared.ActorFromContext(r.Context()), id, lineID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoiceResponseFrom(inv))
}

func (h *Handler) sendInvoice(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Send)
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.MarkPaid)
}

func (h *Handler) voidInvoice(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Void)
}

type refundRequest struct {
	// AmountCents nil refunds the full amount paid.
	AmountCents *int64 `json:"amount_cents" validate:"omitempty,gt=0"`
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
			return
		}
		if err := h.validate.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
	}
	inv, err := h.service.Refund(r.Context(), shared.ActorFromContext(r.Context()), id, req.AmountCents)
	if err != nil {
		h.logger.Error("refund invoice", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoiceResponseFrom(inv))
}

type applyDiscountRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

func (h *Handler) applyDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req applyDiscountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	inv, err := h.service.ApplyDiscount(r.Context(), shared.ActorFromContext(r.Context()), id, req.Code)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoiceResponseFrom(inv))
}

func (h *Handler) applySiblingDiscount(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ApplySiblingDiscount)
}

func (h *Handler) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	intent, err := h.service.CreatePaymentIntent(r.Context(), shared.ActorFromContext(r.Context()), id)
	if err != nil {
		h.logger.Error("create payment intent", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"reference":     intent.Ref,
		"client_secret": intent.ClientSecret,
	})
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	payments, err := h.service.Payments(r.Context(), shared.ActorFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		items = append(items, paymentResponse{
			ID:          p.ID,
			AmountCents: p.Amount,
			Method:      p.Method,
			ExternalRef: p.ExternalRef,
			CreatedAt:   p.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": items})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Error("invoice stats", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

type overdueRunResponse struct {
	MarkedOverdue int `json:"marked_overdue"`
	FeesApplied   int `json:"fees_applied"`
}

// processOverdue runs the overdue sweep for the actor's studio on demand,
// outside the nightly schedule. Safe to repeat; a second run finds nothing.
func (h *Handler) processOverdue(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	result, err := h.service.ProcessOverdue(r.Context(), actor.StudioID)
	if err != nil {
		h.logger.Error("process overdue", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, overdueRunResponse{
		MarkedOverdue: result.MarkedOverdue,
		FeesApplied:   result.FeesApplied,
	})
}

type transitionFunc func(ctx context.Context, actor shared.Actor, invoiceID int64) (*Invoice, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := fn(r.Context(), shared.ActorFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoiceResponseFrom(inv))
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return 0, false
	}
	return id, true
}

type lineResponse struct {
	ID           int64  `json:"id"`
	Kind         string `json:"kind"`
	Description  string `json:"description"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unit_price_cents"`
	Total        int64  `json:"total_cents"`
	EnrollmentID *int64 `json:"enrollment_id,omitempty"`
}

type paymentResponse struct {
	ID          int64     `json:"id"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	ExternalRef *string   `json:"external_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type invoiceResponse struct {
	ID               int64          `json:"id"`
	FamilyID         int64          `json:"family_id"`
	Number           string         `json:"number"`
	Status           string         `json:"status"`
	IssueDate        string         `json:"issue_date"`
	DueDate          string         `json:"due_date"`
	SubtotalCents    int64          `json:"subtotal_cents"`
	TaxRate          float64        `json:"tax_rate"`
	TaxCents         int64          `json:"tax_cents"`
	DiscountCents    int64          `json:"discount_cents"`
	LateFeeCents     int64          `json:"late_fee_cents"`
	TotalCents       int64          `json:"total_cents"`
	Total            string         `json:"total"`
	AmountPaidCents  int64          `json:"amount_paid_cents"`
	BalanceCents     int64          `json:"balance_cents"`
	PromoCodeID      *int64         `json:"promo_code_id,omitempty"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	PaidAt           *time.Time     `json:"paid_at,omitempty"`
	LateFeeAppliedAt *time.Time     `json:"late_fee_applied_at,omitempty"`
	Notes            string         `json:"notes,omitempty"`
	Lines            []lineResponse `json:"line_items"`
}

func invoiceResponseFrom(inv *Invoice) invoiceResponse {
	lines := make([]lineResponse, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		lines = append(lines, lineResponse{
			ID:           l.ID,
			Kind:         string(l.Kind),
			Description:  l.Description,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice,
			Total:        l.Total,
			EnrollmentID: l.EnrollmentID,
		})
	}
	return invoiceResponse{
		ID:               inv.ID,
		FamilyID:         inv.FamilyID,
		Number:           inv.Number,
		Status:           string(inv.Status),
		IssueDate:        inv.IssueDate.Format("2006-01-02"),
		DueDate:          inv.DueDate.Format("2006-01-02"),
		SubtotalCents:    inv.Subtotal,
		TaxRate:          inv.TaxRate,
		TaxCents:         inv.TaxAmount,
		DiscountCents:    inv.DiscountAmount,
		LateFeeCents:     inv.LateFeeAmount,
		TotalCents:       inv.Total,
		Total:            money.Format(inv.Total),
		AmountPaidCents:  inv.AmountPaid,
		BalanceCents:     inv.Balance(),
		PromoCodeID:      inv.PromoCodeID,
		SentAt:           inv.SentAt,
		PaidAt:           inv.PaidAt,
		LateFeeAppliedAt: inv.LateFeeAppliedAt,
		Notes:            inv.Notes,
		Lines:            lines,
	}
}
