package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pirouette-hq/pirouette/internal/notify"
	"github.com/pirouette-hq/pirouette/internal/studios"
)

// sentInvoice creates a sent invoice whose due date was daysAgo days before
// the fixture clock.
func (f *billingFixture) sentInvoice(t *testing.T, amount int64, daysAgo int) *Invoice {
	t.Helper()
	due := testClock.AddDate(0, 0, -daysAgo)
	inv, err := f.svc.Create(context.Background(), staffActor(), CreateInvoiceRequest{FamilyID: 10, DueDate: due})
	require.NoError(t, err)
	inv, err = f.svc.AddLineItem(context.Background(), staffActor(), inv.ID, AddLineRequest{
		Description: "Tuition", Quantity: 1, UnitPrice: amount,
	})
	require.NoError(t, err)
	inv, err = f.svc.Send(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)
	return inv
}

func TestProcessOverdueMarksAndCharges(t *testing.T) {
	f := newBillingFixture(t)
	f.directory.settings.GraceDays = 5
	f.directory.settings.LateFeeType = studios.FeeFlat
	f.directory.settings.LateFeeValue = 1500
	inv := f.sentInvoice(t, 5000, 10)

	result, err := f.svc.ProcessOverdue(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, result.MarkedOverdue)
	require.Equal(t, 1, result.FeesApplied)

	got, err := f.svc.Get(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, got.Status)
	require.Equal(t, int64(6500), got.Total)
	require.Equal(t, int64(1500), got.LateFeeAmount)
	require.NotNil(t, got.LateFeeAppliedAt)
	require.Len(t, got.Lines, 2)
	require.Equal(t, LineLateFee, got.Lines[1].Kind)
}

func TestProcessOverdueIsIdempotent(t *testing.T) {
	f := newBillingFixture(t)
	inv := f.sentInvoice(t, 5000, 10)

	first, err := f.svc.ProcessOverdue(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, first.FeesApplied)

	second, err := f.svc.ProcessOverdue(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 0, second.MarkedOverdue)
	require.Equal(t, 0, second.FeesApplied)

	got, err := f.svc.Get(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6500), got.Total)
	require.Equal(t, int64(1500), got.LateFeeAmount)

	var feeLines int
	for _, l := range got.Lines {
		if l.Kind == LineLateFee {
			feeLines++
		}
	}
	require.Equal(t, 1, feeLines)
}

func TestProcessOverdueRespectsGraceWindow(t *testing.T) {
	f := newBillingFixture(t)
	f.directory.settings.GraceDays = 5
	// Past due but still inside the grace window: marked overdue, no fee.
	inv := f.sentInvoice(t, 5000, 3)

	result, err := f.svc.ProcessOverdue(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, result.MarkedOverdue)
	require.Equal(t, 0, result.FeesApplied)

	got, err := f.svc.Get(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, got.Status)
	require.Equal(t, int64(0), got.LateFeeAmount)
	require.Nil(t, got.LateFeeAppliedAt)
}

func TestProcessOverduePercentFee(t *testing.T) {
	f := newBillingFixture(t)
	f.directory.settings.LateFeeType = studios.FeePercent
	f.directory.settings.LateFeeValue = 1000 // 10%
	inv := f.sentInvoice(t, 8000, 10)

	result, err := f.svc.ProcessOverdue(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, result.FeesApplied)

	got, err := f.svc.Get(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, int64(800), got.LateFeeAmount)
	require.Equal(t, int64(8800), got.Total)
}

func TestProcessOverdueZeroFeeSkips(t *testing.T) {
	f := newBillingFixture(t)
	f.directory.settings.LateFeeType = studios.FeeFlat
	f.directory.settings.LateFeeValue = 0
	inv := f.sentInvoice(t, 5000, 10)

	result, err := f.svc.ProcessOverdue(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, result.MarkedOverdue)
	require.Equal(t, 0, result.FeesApplied)

	got, err := f.svc.Get(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)
	require.Nil(t, got.LateFeeAppliedAt)
}

func TestProcessOverdueNotifiesFamily(t *testing.T) {
	f := newBillingFixture(t)
	_ = f.sentInvoice(t, 5000, 10)

	_, err := f.svc.ProcessOverdue(context.Background(), 1)
	require.NoError(t, err)

	var overdueNote *notify.Notification
	for i := range f.notifier.sent {
		if f.notifier.sent[i].Kind == notify.KindInvoiceOverdue {
			overdueNote = &f.notifier.sent[i]
		}
	}
	require.NotNil(t, overdueNote)
	require.Equal(t, "alvarez@example.com", overdueNote.Recipient)
}

func TestProcessOverdueLeavesPaidAlone(t *testing.T) {
	f := newBillingFixture(t)
	inv := f.sentInvoice(t, 5000, 10)
	_, err := f.svc.MarkPaid(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)

	result, err := f.svc.ProcessOverdue(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 0, result.MarkedOverdue)
	require.Equal(t, 0, result.FeesApplied)

	got, err := f.svc.Get(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.Equal(t, int64(5000), got.Total)
}

// Fee computation uses the invoice total at the moment of application, so a
// taxed invoice's percent fee includes the tax base.
func TestPercentFeeUsesCurrentTotal(t *testing.T) {
	f := newBillingFixture(t)
	f.directory.settings.LateFeeType = studios.FeePercent
	f.directory.settings.LateFeeValue = 500 // 5%

	due := testClock.AddDate(0, 0, -10)
	inv, err := f.svc.Create(context.Background(), staffActor(), CreateInvoiceRequest{FamilyID: 10, DueDate: due, TaxRate: 0.10})
	require.NoError(t, err)
	_, err = f.svc.AddLineItem(context.Background(), staffActor(), inv.ID, AddLineRequest{
		Description: "Tuition", Quantity: 1, UnitPrice: 10000,
	})
	require.NoError(t, err)
	_, err = f.svc.Send(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)

	_, err = f.svc.ProcessOverdue(context.Background(), 1)
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)
	// 5% of 11000 = 550; tax does not change when the fee lands.
	require.Equal(t, int64(550), got.LateFeeAmount)
	require.Equal(t, int64(1000), got.TaxAmount)
	require.Equal(t, int64(11550), got.Total)
}
