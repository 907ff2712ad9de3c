package payments

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeProcessor implements Processor against the Stripe API.
type StripeProcessor struct {
	api *client.API
}

// NewStripeProcessor builds a StripeProcessor with the given secret key.
func NewStripeProcessor(secretKey string) *StripeProcessor {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProcessor{api: api}
}

// CreateCustomer creates the processor-side customer for a family.
func (p *StripeProcessor) CreateCustomer(ctx context.Context, in CreateCustomerInput) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(in.Email),
		Name:  stripe.String(in.Name),
	}
	params.Context = ctx
	params.AddMetadata("studio_id", strconv.FormatInt(in.StudioID, 10))
	params.AddMetadata("family_id", strconv.FormatInt(in.FamilyID, 10))

	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	return c.ID, nil
}

// CreatePrice creates a recurring price with an inline product.
func (p *StripeProcessor) CreatePrice(ctx context.Context, in CreatePriceInput) (string, error) {
	currency := in.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	params := &stripe.PriceParams{
		UnitAmount: stripe.Int64(in.Amount),
		Currency:   stripe.String(currency),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(string(in.Interval)),
		},
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(in.Name),
		},
	}
	params.Context = ctx

	price, err := p.api.Prices.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create price: %w", err)
	}
	return price.ID, nil
}

// CreateSubscription starts the subscription and surfaces the first
// invoice's payment intent secret when client confirmation is required.
func (p *StripeProcessor) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(in.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(in.PriceRef)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	params.Context = ctx
	params.AddMetadata("studio_id", strconv.FormatInt(in.StudioID, 10))
	params.AddMetadata("plan_name", in.PlanName)
	params.AddExpand("latest_invoice.payment_intent")

	sub, err := p.api.Subscriptions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create subscription: %w", err)
	}

	result := &Subscription{
		Ref:         sub.ID,
		PeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		result.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return result, nil
}

// CancelSubscription cancels now or flags cancel_at_period_end.
func (p *StripeProcessor) CancelSubscription(ctx context.Context, subscriptionRef string, immediately bool) error {
	if immediately {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		if _, err := p.api.Subscriptions.Cancel(subscriptionRef, params); err != nil {
			return fmt.Errorf("stripe: cancel subscription: %w", err)
		}
		return nil
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Update(subscriptionRef, params); err != nil {
		return fmt.Errorf("stripe: flag cancel at period end: %w", err)
	}
	return nil
}

// PauseSubscription marks future invoices uncollectible.
func (p *StripeProcessor) PauseSubscription(ctx context.Context, subscriptionRef string) error {
	params := &stripe.SubscriptionParams{
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String("mark_uncollectible"),
		},
	}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Update(subscriptionRef, params); err != nil {
		return fmt.Errorf("stripe: pause subscription: %w", err)
	}
	return nil
}

// ResumeSubscription clears the pause instruction.
func (p *StripeProcessor) ResumeSubscription(ctx context.Context, subscriptionRef string) error {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	// Sending an empty pause_collection clears it.
	params.AddExtra("pause_collection", "")
	if _, err := p.api.Subscriptions.Update(subscriptionRef, params); err != nil {
		return fmt.Errorf("stripe: resume subscription: %w", err)
	}
	return nil
}

// Refund issues a refund against a prior charge or payment intent.
func (p *StripeProcessor) Refund(ctx context.Context, in RefundInput) (string, error) {
	params := &stripe.RefundParams{
		Amount: stripe.Int64(in.Amount),
	}
	if strings.HasPrefix(in.PaymentRef, "ch_") {
		params.Charge = stripe.String(in.PaymentRef)
	} else {
		params.PaymentIntent = stripe.String(in.PaymentRef)
	}
	params.Context = ctx
	key := in.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	params.SetIdempotencyKey(key)

	refund, err := p.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: refund: %w", err)
	}
	return refund.ID, nil
}

// CreatePaymentIntent creates a client-completable one-off charge.
func (p *StripeProcessor) CreatePaymentIntent(ctx context.Context, in PaymentIntentInput) (*PaymentIntent, error) {
	currency := in.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(in.Amount),
		Currency:    stripe.String(currency),
		Description: stripe.String(in.Description),
	}
	if in.CustomerRef != "" {
		params.Customer = stripe.String(in.CustomerRef)
	}
	params.Context = ctx
	params.AddMetadata("studio_id", strconv.FormatInt(in.StudioID, 10))
	params.AddMetadata("invoice_id", strconv.FormatInt(in.InvoiceID, 10))

	intent, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	return &PaymentIntent{Ref: intent.ID, ClientSecret: intent.ClientSecret}, nil
}
