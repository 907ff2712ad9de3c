// Package billing implements the invoice engine: line items, totals,
// the status state machine, discounts, refunds and overdue processing.
package billing

import (
	"time"

	"github.com/pirouette-hq/pirouette/internal/money"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusSent      InvoiceStatus = "sent"
	StatusPaid      InvoiceStatus = "paid"
	StatusPartial   InvoiceStatus = "partial"
	StatusOverdue   InvoiceStatus = "overdue"
	StatusVoid      InvoiceStatus = "void"
	StatusCancelled InvoiceStatus = "cancelled"
)

// Editable reports whether line items and discounts may still change.
func (s InvoiceStatus) Editable() bool {
	return s == StatusDraft || s == StatusSent
}

// Payable reports whether the invoice can accept a payment.
func (s InvoiceStatus) Payable() bool {
	return s == StatusSent || s == StatusPartial || s == StatusOverdue
}

// Terminal reports whether no further transitions are allowed.
func (s InvoiceStatus) Terminal() bool {
	return s == StatusVoid || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusPaid, StatusPartial, StatusOverdue, StatusVoid, StatusCancelled:
		return true
	}
	return false
}

// LineKind distinguishes what a line item represents.
type LineKind string

const (
	LineCharge   LineKind = "charge"
	LineDiscount LineKind = "discount"
	LineLateFee  LineKind = "late_fee"
)

// LineItem is one billable entry on an invoice. Charges and late fees have
// positive totals; discount lines are negative.
type LineItem struct {
	ID           int64
	InvoiceID    int64
	Kind         LineKind
	Description  string
	Quantity     int
	UnitPrice    int64 // cents, negative for discount lines
	Total        int64 // quantity * unit price
	EnrollmentID *int64
}

// Invoice is one bill issued to a family.
type Invoice struct {
	ID       int64
	StudioID int64
	FamilyID int64
	Number   string
	Status   InvoiceStatus

	IssueDate time.Time
	DueDate   time.Time

	Subtotal       int64   // cents; sum of charge and late-fee lines
	TaxRate        float64 // fraction 0-1
	TaxAmount      int64
	DiscountAmount int64 // cents, always >= 0
	LateFeeAmount  int64
	Total          int64
	AmountPaid     int64

	PromoCodeID        *int64
	ExternalPaymentRef *string

	SentAt *time.Time
	PaidAt *time.Time
	// LateFeeAppliedAt is the idempotency guard for the overdue processor:
	// present means the fee has been applied exactly once.
	LateFeeAppliedAt *time.Time

	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time

	Lines []LineItem
}

// Balance is the amount still owed.
func (i *Invoice) Balance() int64 {
	return i.Total - i.AmountPaid
}

// Totals is the derived money state of an invoice, recomputed from its
// line items after every mutation.
type Totals struct {
	Subtotal       int64
	TaxAmount      int64
	DiscountAmount int64
	LateFeeAmount  int64
	Total          int64
}

// ComputeTotals derives invoice totals from line items. The subtotal sums
// charge and late-fee lines; discount lines are carried in DiscountAmount.
// Tax applies to charge lines only, so a late fee raises the total by
// exactly the fee amount. The total never goes below zero.
func ComputeTotals(lines []LineItem, taxRate float64) Totals {
	var t Totals
	var taxable int64
	for _, line := range lines {
		switch line.Kind {
		case LineDiscount:
			t.DiscountAmount += -line.Total
		case LineLateFee:
			t.LateFeeAmount += line.Total
			t.Subtotal += line.Total
		default:
			taxable += line.Total
			t.Subtotal += line.Total
		}
	}
	t.TaxAmount = money.ApplyFraction(taxable, taxRate)
	t.Total = money.Clamp(t.Subtotal + t.TaxAmount - t.DiscountAmount)
	return t
}

// Payment is a ledger entry of money actually moved. Positive amounts are
// charges, negative amounts are refunds. Never mutated after creation.
type Payment struct {
	ID          int64
	StudioID    int64
	InvoiceID   int64
	Amount      int64
	Method      string
	ExternalRef *string
	CreatedAt   time.Time
}

// Stats summarises a studio's invoices.
type Stats struct {
	TotalInvoices    int   `json:"total_invoices"`
	DraftCount       int   `json:"draft_count"`
	OutstandingCents int64 `json:"outstanding_cents"` // balance of sent/partial/overdue invoices
	OverdueCount     int   `json:"overdue_count"`
	PaidCents        int64 `json:"paid_cents"` // lifetime collected, refunds netted
}

// OverdueResult reports what one overdue processing run changed.
type OverdueResult struct {
	MarkedOverdue int
	FeesApplied   int
}
