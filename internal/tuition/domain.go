// Package tuition manages recurring tuition plans. Every plan mirrors a
// subscription at the payment processor; state transitions talk to the
// processor first and only record locally once the processor agrees.
package tuition

import (
	"time"

	"github.com/pirouette-hq/pirouette/internal/payments"
)

// PlanStatus enumerates tuition plan lifecycle states.
type PlanStatus string

const (
	StatusActive    PlanStatus = "active"
	StatusPastDue   PlanStatus = "past_due"
	StatusPaused    PlanStatus = "paused"
	StatusCancelled PlanStatus = "cancelled"
)

// Valid reports whether s is a known status value.
func (s PlanStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusPaused, StatusCancelled:
		return true
	}
	return false
}

// Plan is one recurring tuition subscription for a student.
type Plan struct {
	ID        int64
	StudioID  int64
	FamilyID  int64
	StudentID int64

	Name     string
	Amount   int64 // cents per interval
	Interval payments.Interval
	Status   PlanStatus

	// SubscriptionRef and PriceRef are the processor-side identifiers.
	SubscriptionRef string
	PriceRef        string

	// CancelAtPeriodEnd means the plan keeps billing until the period
	// boundary, then the processor cancels it.
	CancelAtPeriodEnd bool

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time

	PausedAt    *time.Time
	CancelledAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MonthlyAmount normalises the plan's price to a per-month figure for
// recurring revenue reporting. Yearly plans divide by twelve, integer
// division.
func (p *Plan) MonthlyAmount() int64 {
	if p.Interval == payments.IntervalYear {
		return p.Amount / 12
	}
	return p.Amount
}

// Stats summarises a studio's tuition plans.
type Stats struct {
	ActiveCount    int   `json:"active_count"`
	PausedCount    int   `json:"paused_count"`
	PastDueCount   int   `json:"past_due_count"`
	CancelledCount int   `json:"cancelled_count"`
	MRRCents       int64 `json:"mrr_cents"` // monthly recurring revenue of active plans
}
