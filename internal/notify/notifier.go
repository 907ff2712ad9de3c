// Package notify delivers billing notifications to families. Delivery is
// fire-and-forget: the engine never fails an operation because an email
// could not be queued.
package notify

import "context"

// Kind labels the notification for templating and observability.
type Kind string

const (
	KindInvoiceSent     Kind = "invoice_sent"
	KindInvoiceRefunded Kind = "invoice_refunded"
	KindInvoiceOverdue  Kind = "invoice_overdue"
)

// Notification carries everything needed to reach one family.
type Notification struct {
	StudioID  int64
	FamilyID  int64
	Kind      Kind
	Subject   string
	Body      string
	Recipient string
}

// Notifier queues an outbound notification. Implementations log failures
// and return nothing; callers must not depend on delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards notifications. Used where no mail infrastructure exists.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) {}
