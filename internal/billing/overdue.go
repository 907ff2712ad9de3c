package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pirouette-hq/pirouette/internal/money"
	"github.com/pirouette-hq/pirouette/internal/notify"
	"github.com/pirouette-hq/pirouette/internal/studios"
)

// ProcessOverdue runs one studio's overdue sweep: flip past-due invoices
// to overdue, then apply the studio's late fee to invoices past their
// grace window. Safe to run more than once per day; the second run finds
// nothing to do.
func (s *Service) ProcessOverdue(ctx context.Context, studioID int64) (*OverdueResult, error) {
	settings, err := s.directory.GetSettings(ctx, studioID)
	if err != nil {
		return nil, fmt.Errorf("load billing settings: %w", err)
	}

	now := s.clock()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	marked, err := s.repo.TransitionOverdue(ctx, studioID, today)
	if err != nil {
		return nil, fmt.Errorf("transition overdue: %w", err)
	}

	cutoff := today.AddDate(0, 0, -settings.GraceDays)
	candidates, err := s.repo.ListLateFeeCandidates(ctx, studioID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list late fee candidates: %w", err)
	}

	result := &OverdueResult{MarkedOverdue: marked}
	for i := range candidates {
		inv := &candidates[i]
		applied, err := s.applyLateFee(ctx, inv, settings, now)
		if err != nil {
			// One bad invoice must not stall the rest of the sweep.
			s.logger.Error("apply late fee",
				slog.Int64("studio_id", studioID),
				slog.Int64("invoice_id", inv.ID),
				slog.Any("error", err))
			continue
		}
		if applied {
			result.FeesApplied++
		}
	}
	return result, nil
}

func (s *Service) applyLateFee(ctx context.Context, inv *Invoice, settings *studios.Settings, now time.Time) (bool, error) {
	var fee int64
	switch settings.LateFeeType {
	case studios.FeePercent:
		fee = money.ApplyBasisPoints(inv.Total, settings.LateFeeValue)
	default:
		fee = settings.LateFeeValue
	}
	if fee <= 0 {
		return false, nil
	}

	// Late fees are not taxed, so the totals move by exactly the fee.
	totals := Totals{
		Subtotal:       inv.Subtotal + fee,
		TaxAmount:      inv.TaxAmount,
		DiscountAmount: inv.DiscountAmount,
		LateFeeAmount:  inv.LateFeeAmount + fee,
		Total:          inv.Total + fee,
	}
	applied, err := s.repo.ApplyLateFee(ctx, LateFeeInput{
		StudioID:  inv.StudioID,
		InvoiceID: inv.ID,
		Line: LineItemInput{
			Kind:        LineLateFee,
			Description: "Late Fee",
			Quantity:    1,
			UnitPrice:   fee,
		},
		Totals:    totals,
		AppliedAt: now,
	})
	if err != nil || !applied {
		return applied, err
	}

	s.notifyFamily(ctx, inv, notify.KindInvoiceOverdue,
		fmt.Sprintf("Invoice %s is overdue", inv.Number),
		fmt.Sprintf("Invoice %s was due %s. A late fee of %s has been added; the new balance is %s.",
			inv.Number, inv.DueDate.Format("January 2, 2006"), money.Format(fee), money.Format(totals.Total-inv.AmountPaid)))
	return true, nil
}
