package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pirouette-hq/pirouette/internal/money"
	"github.com/pirouette-hq/pirouette/internal/notify"
	"github.com/pirouette-hq/pirouette/internal/payments"
	"github.com/pirouette-hq/pirouette/internal/promo"
	"github.com/pirouette-hq/pirouette/internal/shared"
	"github.com/pirouette-hq/pirouette/internal/studios"
)

// PromoLedger validates codes without redeeming them. Redemption happens
// inside the repository transaction, never here.
type PromoLedger interface {
	Validate(ctx context.Context, studioID int64, code string, redemptionContext promo.AppliesTo, amount int64) (*promo.Validation, error)
}

// AuditRecorder persists audit trail entries for money-moving operations.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config collects the Service dependencies.
type Config struct {
	Repo      Repository
	Promos    PromoLedger
	Directory studios.Directory
	Processor payments.Processor
	Notifier  notify.Notifier
	Audit     AuditRecorder
	Logger    *slog.Logger
}

// Service handles invoice business logic.
type Service struct {
	repo      Repository
	promos    PromoLedger
	directory studios.Directory
	processor payments.Processor
	notifier  notify.Notifier
	audit     AuditRecorder
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService builds Service instance.
func NewService(cfg Config) *Service {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      cfg.Repo,
		promos:    cfg.Promos,
		directory: cfg.Directory,
		processor: cfg.Processor,
		notifier:  notifier,
		audit:     cfg.Audit,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateInvoiceRequest carries the admin's create parameters.
type CreateInvoiceRequest struct {
	FamilyID int64
	DueDate  time.Time
	TaxRate  float64
	Notes    string
}

// Create opens a new draft invoice for a family of the actor's studio.
func (s *Service) Create(ctx context.Context, actor shared.Actor, req CreateInvoiceRequest) (*Invoice, error) {
	if req.TaxRate < 0 || req.TaxRate > 1 {
		return nil, fmt.Errorf("tax rate must be a fraction between 0 and 1: %w", shared.ErrValidation)
	}
	if req.DueDate.IsZero() {
		return nil, fmt.Errorf("due date is required: %w", shared.ErrValidation)
	}
	if _, err := s.directory.GetFamily(ctx, actor.StudioID, req.FamilyID); err != nil {
		return nil, err
	}

	issueDate := s.clock()
	input := CreateInvoiceInput{
		StudioID:  actor.StudioID,
		FamilyID:  req.FamilyID,
		IssueDate: issueDate,
		DueDate:   req.DueDate,
		TaxRate:   req.TaxRate,
		Notes:     req.Notes,
	}

	// Number collisions are possible when two admins create invoices at
	// once; re-count and retry exactly once.
	for attempt := 0; attempt < 2; attempt++ {
		count, err := s.repo.CountForStudio(ctx, actor.StudioID)
		if err != nil {
			return nil, err
		}
		input.Number = fmt.Sprintf("INV-%s-%03d", issueDate.Format("20060102"), count+1)
		inv, err := s.repo.Create(ctx, input)
		if err != nil {
			if errors.Is(err, shared.ErrConflict) && attempt == 0 {
				continue
			}
			return nil, err
		}
		return inv, nil
	}
	return nil, fmt.Errorf("invoice number allocation: %w", shared.ErrConflict)
}

// AddLineRequest describes one charge line to append.
type AddLineRequest struct {
	Description  string
	Quantity     int
	UnitPrice    int64
	EnrollmentID *int64
}

// AddLineItem appends a charge line and recomputes totals.
func (s *Service) AddLineItem(ctx context.Context, actor shared.Actor, invoiceID int64, req AddLineRequest) (*Invoice, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("description is required: %w", shared.ErrValidation)
	}
	if req.Quantity < 1 {
		return nil, fmt.Errorf("quantity must be at least 1: %w", shared.ErrValidation)
	}

	inv, err := s.repo.Get(ctx, actor.StudioID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.Editable() {
		return nil, fmt.Errorf("invoice %s is not editable: %w", inv.Status, shared.ErrPreconditionFailed)
	}

	line := LineItemInput{
		Kind:         LineCharge,
		Description:  req.Description,
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		EnrollmentID: req.EnrollmentID,
	}
	totals := ComputeTotals(withLine(inv.Lines, line), inv.TaxRate)
	if err := s.repo.AddLine(ctx, actor.StudioID, invoiceID, line, totals); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, actor.StudioID, invoiceID)
}

// RemoveLineItem deletes a charge line and recomputes totals. Discount and
// late-fee lines are system-owned and cannot be removed directly.
func (s *Service) RemoveLineItem(ctx context.Context, actor shared.Actor, invoiceID, lineID int64) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, actor.StudioID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.Editable() {
		return nil, fmt.Errorf("invoice %s is not editable: %w", inv.Status, shared.ErrPreconditionFailed)
	}

	var remaining []LineItem
	found := false
	for _, l := range inv.Lines {
		if l.ID == lineID {
			if l.Kind != LineCharge {
				return nil, fmt.Errorf("only charge lines can be removed: %w", shared.ErrPreconditionFailed)
			}
			found = true
			continue
		}
		remaining = append(remaining, l)
	}
	if !found {
		return nil, fmt.Errorf("line item: %w", shared.ErrNotFound)
	}

	totals := ComputeTotals(remaining, inv.TaxRate)
	if err := s.repo.RemoveLine(ctx, actor.StudioID, invoiceID, lineID, totals); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, actor.StudioID, invoiceID)
}

// Send transitions draft -> sent and queues a notification. The
// notification is fire-and-forget; its failure never fails the send.
func (s *Service) Send(ctx context.Context, actor shared.Actor, invoiceID int64) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, actor.StudioID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusDraft {
		return nil, fmt.Errorf("only draft invoices can be sent: %w", shared.ErrPreconditionFailed)
	}
	if inv.Total <= 0 {
		return nil, fmt.Errorf("a zero-total invoice cannot be sent: %w", shared.ErrPreconditionFailed)
	}

	if err := s.repo.MarkSent(ctx, actor.StudioID, invoiceID, s.clock()); err != nil {
		return nil, err
	}
	s.notifyFamily(ctx, inv, notify.KindInvoiceSent,
		fmt.Sprintf("Invoice %s", inv.Number),
		fmt.Sprintf("Invoice %s for %s is due %s.", inv.Number, money.Format(inv.Total), inv.DueDate.Format("January 2, 2006")))
	s.recordAudit(ctx, actor, "invoice.send", inv.ID, map[string]any{"number": inv.Number, "total": inv.Total})
	return s.repo.Get(ctx, actor.StudioID, invoiceID)
}

// MarkPaid settles an invoice out of band (cash or check); it never calls
// the payment processor.
func (s *Service) MarkPaid(ctx context.Context, actor shared.Actor, invoiceID int64) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, actor.StudioID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.Payable() {
		return nil, fmt.Errorf("invoice %s cannot be marked paid: %w", inv.Status, shared.ErrPreconditionFailed)
	}

	collected := inv.Total - inv.AmountPaid
	err = s.repo.MarkPaid(ctx, actor.StudioID, invoiceID, s.clock(), PaymentInput{
		StudioID:  actor.StudioID,
		InvoiceID: invoiceID,
		Amount:    collected,
		Method:    "offline",
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "invoice.mark_paid", inv.ID, map[string]any{"amount": collected})
	return s.repo.Get(ctx, actor.StudioID, invoiceID)
}

// Void cancels an unpaid invoice. Paid invoices must be refunded instead.
func (s *Service) Void(ctx context.Context, actor shared.Actor, invoiceID int64) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, actor.StudioID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusPaid {
		return nil, fmt.Errorf("paid invoices must be refunded, not voided: %w", shared.ErrPreconditionFailed)
	}
	if inv.Status.Terminal() {
		return nil, fmt.Errorf("invoice is already %s: %w", inv.Status, shared.ErrPreconditionFailed)
	}

	if err := s.repo.Void(ctx, actor.StudioID, invoiceID); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "invoice.void", inv.ID, nil)
	return s.repo.Get(ctx, actor.StudioID, invoiceID)
}

// Refund returns money to the family. When the invoice was paid through
// the processor the external refund happens first; if it fails nothing
// changes locally. amount nil means a full refund of what was collected.
func (s *Service) Refund(ctx context.Context, actor shared.Actor, invoiceID int64, amount *int64) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, actor.StudioID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusPaid && inv.Status != StatusPartial {
		return nil, fmt.Errorf("invoice %s cannot be refunded: %w", inv.Status, shared.ErrPreconditionFailed)
	}

	refund := inv.AmountPaid
	if amount != nil {
		refund = *amount
	}
	if refund <= 0 {
		return nil, fmt.Errorf("refund amount must be positive: %w", shared.ErrPreconditionFailed)
	}
	if refund > inv.AmountPaid {
		return nil, fmt.Errorf("refund exceeds amount paid: %w", shared.ErrPreconditionFailed)
	}

	var externalRef *string
	if inv.ExternalPaymentRef != nil {
		// The external refund and the local write are all-or-nothing: no
		// local mutation happens until the processor confirms.
		refundRef, err := s.processor.Refund(ctx, payments.RefundInput{
			PaymentRef:     *inv.ExternalPaymentRef,
			Amount:         refund,
			IdempotencyKey: fmt.Sprintf("invoice:%d:refund:%d:paid:%d", inv.ID, refund, inv.AmountPaid),
		})
		if err != nil {
			return nil, fmt.Errorf("processor refund failed: %v: %w", err, shared.ErrInternal)
		}
		externalRef = &refundRef
	}

	newPaid := inv.AmountPaid - refund
	newStatus := StatusPartial
	if newPaid == 0 {
		newStatus = StatusVoid
	}
	err = s.repo.ApplyRefund(ctx, actor.StudioID, invoiceID, newPaid, newStatus, PaymentInput{
		StudioID:    actor.StudioID,
		InvoiceID:   invoiceID,
		Amount:      -refund,
		Method:      "refund",
		ExternalRef: externalRef,
	})
	if err != nil {
		return nil, err
	}
	s.notifyFamily(ctx, inv, notify.KindInvoiceRefunded,
		fmt.Sprintf("Refund for invoice %s", inv.Number),
		fmt.Sprintf("A refund of %s was issued for invoice %s.", money.Format(refund), inv.Number))
	s.recordAudit(ctx, actor, "invoice.refund", inv.ID, map[string]any{"amount": refund})
	return s.repo.Get(ctx, actor.StudioID, invoiceID)
}

// ApplyDiscount redeems a promo code against the invoice. At most one code
// per invoice; the redemption, the discount line and the invoice update
// commit atomically.
func (s *Service) ApplyDiscount(ctx context.Context, actor shared.Actor, invoiceID int64, code string) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, actor.StudioID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.Editable() {
		return nil, fmt.Errorf("invoice %s is not editable: %w", inv.Status, shared.ErrPreconditionFailed)
	}
	if inv.PromoCodeID != nil {
		return nil, fmt.Errorf("invoice already has a promo code applied: %w", shared.ErrConflict)
	}

	validation, err := s.promos.Validate(ctx, actor.StudioID, code, promo.AppliesInvoice, inv.Subtotal)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, fmt.Errorf("%s: %w", validation.Reason, shared.ErrPreconditionFailed)
	}

	discount := validation.Code.DiscountFor(inv.Subtotal)
	if discount <= 0 {
		return nil, fmt.Errorf("discount would be zero: %w", shared.ErrPreconditionFailed)
	}

	line := LineItemInput{
		Kind:        LineDiscount,
		Description: fmt.Sprintf("Discount (%s)", validation.Code.Code),
		Quantity:    1,
		UnitPrice:   -discount,
	}
	totals := ComputeTotals(withLine(inv.Lines, line), inv.TaxRate)
	err = s.repo.ApplyPromoDiscount(ctx, ApplyPromoInput{
		StudioID:       actor.StudioID,
		InvoiceID:      invoiceID,
		FamilyID:       inv.FamilyID,
		PromoCodeID:    validation.Code.ID,
		DiscountAmount: discount,
		Line:           line,
		Totals:         totals,
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "invoice.apply_discount", inv.ID, map[string]any{"code": validation.Code.Code, "amount": discount})
	return s.repo.Get(ctx, actor.StudioID, invoiceID)
}

// ApplySiblingDiscount applies the studio's sibling discount policy. It
// accumulates: unlike promo codes it may be applied more than once.
func (s *Service) ApplySiblingDiscount(ctx context.Context, actor shared.Actor, invoiceID int64) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, actor.StudioID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.Editable() {
		return nil, fmt.Errorf("invoice %s is not editable: %w", inv.Status, shared.ErrPreconditionFailed)
	}

	settings, err := s.directory.GetSettings(ctx, actor.StudioID)
	if err != nil {
		return nil, err
	}
	if !settings.SiblingDiscountEnabled || settings.SiblingDiscountValue <= 0 {
		return nil, fmt.Errorf("sibling discount is not configured: %w", shared.ErrPreconditionFailed)
	}

	count, err := s.directory.CountActiveStudents(ctx, actor.StudioID, inv.FamilyID)
	if err != nil {
		return nil, err
	}
	if count < settings.SiblingMinStudents {
		return nil, fmt.Errorf("family has %d active students, %d required: %w",
			count, settings.SiblingMinStudents, shared.ErrPreconditionFailed)
	}

	var discount int64
	switch settings.SiblingDiscountType {
	case studios.FeePercent:
		discount = money.ApplyBasisPoints(inv.Subtotal, settings.SiblingDiscountValue)
	default:
		discount = money.FlatDiscount(inv.Subtotal, settings.SiblingDiscountValue)
	}
	if discount <= 0 {
		return nil, fmt.Errorf("discount would be zero: %w", shared.ErrPreconditionFailed)
	}

	line := LineItemInput{
		Kind:        LineDiscount,
		Description: "Sibling Discount",
		Quantity:    1,
		UnitPrice:   -discount,
	}
	totals := ComputeTotals(withLine(inv.Lines, line), inv.TaxRate)
	err = s.repo.ApplySiblingDiscount(ctx, SiblingDiscountInput{
		StudioID:       actor.StudioID,
		InvoiceID:      invoiceID,
		DiscountAmount: discount,
		Line:           line,
		Totals:         totals,
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "invoice.sibling_discount", inv.ID, map[string]any{"amount": discount})
	return s.repo.Get(ctx, actor.StudioID, invoiceID)
}

// CreatePaymentIntent opens a processor charge for the invoice balance so
// a parent can pay online. The intent reference is stored for later
// refunds.
func (s *Service) CreatePaymentIntent(ctx context.Context, actor shared.Actor, invoiceID int64) (*payments.PaymentIntent, error) {
	inv, err := s.getScoped(ctx, actor, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.Payable() {
		return nil, fmt.Errorf("invoice %s is not payable: %w", inv.Status, shared.ErrPreconditionFailed)
	}
	balance := inv.Balance()
	if balance <= 0 {
		return nil, fmt.Errorf("invoice has no outstanding balance: %w", shared.ErrPreconditionFailed)
	}

	intent, err := s.processor.CreatePaymentIntent(ctx, payments.PaymentIntentInput{
		Amount:      balance,
		Description: fmt.Sprintf("Invoice %s", inv.Number),
		StudioID:    inv.StudioID,
		InvoiceID:   inv.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("processor payment intent failed: %v: %w", err, shared.ErrInternal)
	}
	if err := s.repo.SetExternalPaymentRef(ctx, inv.StudioID, inv.ID, intent.Ref); err != nil {
		return nil, err
	}
	return intent, nil
}

// Get returns one invoice with lines. Parents only see their own family's.
func (s *Service) Get(ctx context.Context, actor shared.Actor, invoiceID int64) (*Invoice, error) {
	return s.getScoped(ctx, actor, invoiceID)
}

// List returns the studio's invoices. Parents are forced onto their own
// family filter regardless of what they ask for.
func (s *Service) List(ctx context.Context, actor shared.Actor, familyID *int64, status *InvoiceStatus, page, perPage int) ([]Invoice, shared.Pagination, error) {
	if !actor.IsStaff() {
		familyID = &actor.FamilyID
	}
	p := shared.NewPagination(page, perPage, 0)
	invoices, total, err := s.repo.List(ctx, ListInvoicesRequest{
		StudioID: actor.StudioID,
		FamilyID: familyID,
		Status:   status,
		Limit:    p.PerPage,
		Offset:   p.Offset(),
	})
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return invoices, shared.NewPagination(p.Page, p.PerPage, total), nil
}

// Payments returns the money ledger of an invoice.
func (s *Service) Payments(ctx context.Context, actor shared.Actor, invoiceID int64) ([]Payment, error) {
	if _, err := s.getScoped(ctx, actor, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx, actor.StudioID, invoiceID)
}

// Stats summarises the studio's invoices.
func (s *Service) Stats(ctx context.Context, actor shared.Actor) (*Stats, error) {
	return s.repo.Stats(ctx, actor.StudioID)
}

func (s *Service) getScoped(ctx context.Context, actor shared.Actor, invoiceID int64) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, actor.StudioID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !actor.IsStaff() && inv.FamilyID != actor.FamilyID {
		// Cross-family lookups read as not-found, not forbidden.
		return nil, fmt.Errorf("invoice: %w", shared.ErrNotFound)
	}
	return inv, nil
}

func (s *Service) notifyFamily(ctx context.Context, inv *Invoice, kind notify.Kind, subject, body string) {
	family, err := s.directory.GetFamily(ctx, inv.StudioID, inv.FamilyID)
	if err != nil {
		s.logger.Warn("lookup family for notification", slog.Int64("invoice_id", inv.ID), slog.Any("error", err))
		return
	}
	s.notifier.Notify(ctx, notify.Notification{
		StudioID:  inv.StudioID,
		FamilyID:  inv.FamilyID,
		Kind:      kind,
		Subject:   subject,
		Body:      body,
		Recipient: family.Email,
	})
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, invoiceID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		StudioID: actor.StudioID,
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "invoice",
		EntityID: strconv.FormatInt(invoiceID, 10),
		Meta:     meta,
		At:       s.clock(),
	})
	if err != nil {
		s.logger.Warn("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}

func withLine(lines []LineItem, line LineItemInput) []LineItem {
	out := make([]LineItem, 0, len(lines)+1)
	out = append(out, lines...)
	out = append(out, LineItem{
		Kind:      line.Kind,
		Quantity:  line.Quantity,
		UnitPrice: line.UnitPrice,
		Total:     int64(line.Quantity) * line.UnitPrice,
	})
	return out
}
