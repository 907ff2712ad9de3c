// Package promo implements the promotional code ledger: validation,
// usage-limit enforcement and atomic redemption counting.
package promo

import (
	"strings"
	"time"

	"github.com/pirouette-hq/pirouette/internal/money"
)

// DiscountType selects how a code's value is interpreted.
type DiscountType string

const (
	// DiscountFlat is a fixed amount in cents.
	DiscountFlat DiscountType = "flat"
	// DiscountPercent is a percentage in basis points, 10000 = 100%.
	DiscountPercent DiscountType = "percent"
)

// AppliesTo scopes a code to a redemption context.
type AppliesTo string

const (
	AppliesAll          AppliesTo = "all"
	AppliesRegistration AppliesTo = "registration"
	AppliesInvoice      AppliesTo = "invoice"
	AppliesTuition      AppliesTo = "tuition"
)

// PromoCode is a studio-scoped discount definition.
type PromoCode struct {
	ID            int64
	StudioID      int64
	Code          string
	Description   string
	DiscountType  DiscountType
	DiscountValue int64
	MaxUses       *int // nil = unlimited
	CurrentUses   int
	MinPurchase   int64
	StartsAt      *time.Time
	ExpiresAt     *time.Time
	AppliesTo     AppliesTo
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DiscountFor computes the discount this code yields on the given amount.
func (c *PromoCode) DiscountFor(amount int64) int64 {
	switch c.DiscountType {
	case DiscountPercent:
		return money.ApplyBasisPoints(amount, c.DiscountValue)
	case DiscountFlat:
		return money.FlatDiscount(amount, c.DiscountValue)
	default:
		return 0
	}
}

// UsesRemaining reports whether the code still has redemptions left.
func (c *PromoCode) UsesRemaining() bool {
	return c.MaxUses == nil || c.CurrentUses < *c.MaxUses
}

// AppliesToContext reports whether the code is valid for the given context.
func (c *PromoCode) AppliesToContext(context AppliesTo) bool {
	return c.AppliesTo == AppliesAll || c.AppliesTo == context
}

// DiscountApplication is the immutable audit record of one redemption.
type DiscountApplication struct {
	ID             int64
	PromoCodeID    int64
	FamilyID       int64
	InvoiceID      *int64
	EnrollmentID   *int64
	DiscountAmount int64
	AppliedAt      time.Time
}

// Validation is the outcome of validating a code without redeeming it.
type Validation struct {
	Valid  bool
	Reason string
	Code   *PromoCode
}

// Normalize canonicalises a user-entered code: upper-case, no whitespace.
func Normalize(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Stats summarises a code's redemption history.
type Stats struct {
	PromoCodeID     int64
	TotalUses       int
	TotalDiscounted int64
	LastUsedAt      *time.Time
}
