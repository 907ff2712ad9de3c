// Package payments defines the boundary to the external payment processor.
// The engine only ever talks to the Processor interface; the Stripe adapter
// lives alongside it and nothing above this package imports stripe-go.
package payments

import (
	"context"
	"time"
)

// Interval is a recurring billing interval.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// CreateCustomerInput identifies the family behind a new billing identity.
type CreateCustomerInput struct {
	Email    string
	Name     string
	StudioID int64
	FamilyID int64
}

// CreatePriceInput describes a recurring price.
type CreatePriceInput struct {
	Name     string
	Amount   int64 // cents
	Currency string
	Interval Interval
}

// CreateSubscriptionInput starts a recurring subscription.
type CreateSubscriptionInput struct {
	CustomerRef string
	PriceRef    string
	StudioID    int64
	PlanName    string
}

// Subscription is the processor's view of a recurring subscription.
type Subscription struct {
	Ref         string
	PeriodStart time.Time
	PeriodEnd   time.Time
	// ClientSecret is set when the subscription's first invoice requires
	// additional authentication on the client.
	ClientSecret string
}

// RefundInput describes a refund against a prior charge.
type RefundInput struct {
	PaymentRef string
	Amount     int64 // cents
	// IdempotencyKey makes a retried refund a no-op at the processor.
	// When empty the adapter generates one.
	IdempotencyKey string
}

// PaymentIntentInput describes a one-off charge to be completed client-side.
type PaymentIntentInput struct {
	Amount      int64 // cents
	Currency    string
	CustomerRef string // optional
	Description string
	StudioID    int64
	InvoiceID   int64
}

// PaymentIntent is the client-completable charge handle.
type PaymentIntent struct {
	Ref          string
	ClientSecret string
}

// Processor is the synchronous RPC boundary to the external payments API.
// Calls block until the processor answers; failures surface to the caller
// and must not leave partial local state behind.
type Processor interface {
	CreateCustomer(ctx context.Context, in CreateCustomerInput) (string, error)
	CreatePrice(ctx context.Context, in CreatePriceInput) (string, error)
	CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*Subscription, error)
	// CancelSubscription cancels now when immediately is true, otherwise
	// flags the subscription to cancel at the period boundary.
	CancelSubscription(ctx context.Context, subscriptionRef string, immediately bool) error
	// PauseSubscription marks future invoices uncollectible instead of
	// charging.
	PauseSubscription(ctx context.Context, subscriptionRef string) error
	ResumeSubscription(ctx context.Context, subscriptionRef string) error
	Refund(ctx context.Context, in RefundInput) (string, error)
	CreatePaymentIntent(ctx context.Context, in PaymentIntentInput) (*PaymentIntent, error)
}
