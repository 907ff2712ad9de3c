package promo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/pirouette-hq/pirouette/internal/shared"
)

type memoryPromoRepo struct {
	codes  map[int64]*PromoCode
	apps   []DiscountApplication
	nextID int64
}

func newMemoryPromoRepo() *memoryPromoRepo {
	return &memoryPromoRepo{codes: make(map[int64]*PromoCode)}
}

func (r *memoryPromoRepo) Create(ctx context.Context, in CreatePromoCodeInput) (*PromoCode, error) {
	for _, c := range r.codes {
		if c.StudioID == in.StudioID && c.Code == in.Code {
			return nil, fmt.Errorf("promo code %q already exists: %w", in.Code, shared.ErrConflict)
		}
	}
	r.nextID++
	now := time.Now()
	code := &PromoCode{
		ID:            r.nextID,
		StudioID:      in.StudioID,
		Code:          in.Code,
		Description:   in.Description,
		DiscountType:  in.DiscountType,
		DiscountValue: in.DiscountValue,
		MaxUses:       in.MaxUses,
		MinPurchase:   in.MinPurchase,
		StartsAt:      in.StartsAt,
		ExpiresAt:     in.ExpiresAt,
		AppliesTo:     in.AppliesTo,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.codes[code.ID] = code
	return code, nil
}

func (r *memoryPromoRepo) Update(ctx context.Context, studioID, id int64, in UpdatePromoCodeInput) (*PromoCode, error) {
	code, ok := r.codes[id]
	if !ok || code.StudioID != studioID {
		return nil, fmt.Errorf("promo code: %w", shared.ErrNotFound)
	}
	if in.DiscountValue != nil {
		code.DiscountValue = *in.DiscountValue
	}
	if in.IsActive != nil {
		code.IsActive = *in.IsActive
	}
	if in.ClearMaxUses {
		code.MaxUses = nil
	} else if in.MaxUses != nil {
		code.MaxUses = in.MaxUses
	}
	return code, nil
}

func (r *memoryPromoRepo) Deactivate(ctx context.Context, studioID, id int64) error {
	code, ok := r.codes[id]
	if !ok || code.StudioID != studioID {
		return fmt.Errorf("promo code: %w", shared.ErrNotFound)
	}
	code.IsActive = false
	return nil
}

func (r *memoryPromoRepo) Get(ctx context.Context, studioID, id int64) (*PromoCode, error) {
	code, ok := r.codes[id]
	if !ok || code.StudioID != studioID {
		return nil, fmt.Errorf("promo code: %w", shared.ErrNotFound)
	}
	return code, nil
}

func (r *memoryPromoRepo) GetActiveByCode(ctx context.Context, studioID int64, code string) (*PromoCode, error) {
	for _, c := range r.codes {
		if c.StudioID == studioID && c.Code == code && c.IsActive {
			return c, nil
		}
	}
	return nil, fmt.Errorf("promo code: %w", shared.ErrNotFound)
}

func (r *memoryPromoRepo) List(ctx context.Context, studioID int64, limit, offset int) ([]PromoCode, int, error) {
	var out []PromoCode
	for _, c := range r.codes {
		if c.StudioID == studioID {
			out = append(out, *c)
		}
	}
	return out, len(out), nil
}

func (r *memoryPromoRepo) Stats(ctx context.Context, studioID, id int64) (*Stats, error) {
	if _, err := r.Get(ctx, studioID, id); err != nil {
		return nil, err
	}
	stats := Stats{PromoCodeID: id}
	for _, a := range r.apps {
		if a.PromoCodeID == id {
			stats.TotalUses++
			stats.TotalDiscounted += a.DiscountAmount
		}
	}
	return &stats, nil
}

func (r *memoryPromoRepo) ListApplications(ctx context.Context, studioID, id int64) ([]DiscountApplication, error) {
	if _, err := r.Get(ctx, studioID, id); err != nil {
		return nil, err
	}
	var out []DiscountApplication
	for _, a := range r.apps {
		if a.PromoCodeID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryPromoRepo) RecordRedemption(ctx context.Context, tx pgx.Tx, in RedemptionInput) (*DiscountApplication, error) {
	code, ok := r.codes[in.PromoCodeID]
	if !ok {
		return nil, fmt.Errorf("promo code: %w", shared.ErrNotFound)
	}
	if !code.UsesRemaining() {
		return nil, fmt.Errorf("usage limit reached: %w", shared.ErrPreconditionFailed)
	}
	if in.InvoiceID != nil {
		for _, a := range r.apps {
			if a.InvoiceID != nil && *a.InvoiceID == *in.InvoiceID {
				return nil, fmt.Errorf("invoice already has a discount applied: %w", shared.ErrConflict)
			}
		}
	}
	code.CurrentUses++
	app := DiscountApplication{
		ID:             int64(len(r.apps) + 1),
		PromoCodeID:    in.PromoCodeID,
		FamilyID:       in.FamilyID,
		InvoiceID:      in.InvoiceID,
		EnrollmentID:   in.EnrollmentID,
		DiscountAmount: in.DiscountAmount,
		AppliedAt:      time.Now(),
	}
	r.apps = append(r.apps, app)
	return &app, nil
}

func newTestService(repo Repository, now time.Time) *Service {
	svc := NewService(repo)
	svc.clock = func() time.Time { return now }
	return svc
}

func intPtr(v int) *int { return &v }

func TestNormalize(t *testing.T) {
	require.Equal(t, "TEST10", Normalize("test10"))
	require.Equal(t, "TEST10", Normalize("  TeSt 10\t"))
	require.Equal(t, "", Normalize("   "))
}

func TestValidateNotFound(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMemoryPromoRepo(), time.Now())

	v, err := svc.Validate(ctx, 1, "NOPE", AppliesInvoice, 5000)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, "promo code not found", v.Reason)
}

func TestValidateWindow(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryPromoRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(repo, now)

	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	_, err := svc.Create(ctx, CreatePromoCodeInput{
		StudioID: 1, Code: "EARLY", DiscountType: DiscountPercent, DiscountValue: 1000,
		AppliesTo: AppliesAll, StartsAt: &future,
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreatePromoCodeInput{
		StudioID: 1, Code: "LATE", DiscountType: DiscountPercent, DiscountValue: 1000,
		AppliesTo: AppliesAll, ExpiresAt: &past,
	})
	require.NoError(t, err)

	v, err := svc.Validate(ctx, 1, "EARLY", AppliesInvoice, 5000)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, "promo code is not active yet", v.Reason)

	v, err = svc.Validate(ctx, 1, "LATE", AppliesInvoice, 5000)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, "promo code has expired", v.Reason)
}

func TestValidateUsageLimit(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryPromoRepo()
	svc := newTestService(repo, time.Now())

	code, err := svc.Create(ctx, CreatePromoCodeInput{
		StudioID: 1, Code: "TEST10", DiscountType: DiscountPercent, DiscountValue: 1000,
		AppliesTo: AppliesAll, MaxUses: intPtr(1),
	})
	require.NoError(t, err)

	v, err := svc.Validate(ctx, 1, "TEST10", AppliesInvoice, 5000)
	require.NoError(t, err)
	require.True(t, v.Valid)

	invoiceID := int64(42)
	_, err = repo.RecordRedemption(ctx, nil, RedemptionInput{
		PromoCodeID: code.ID, FamilyID: 7, InvoiceID: &invoiceID, DiscountAmount: 500,
	})
	require.NoError(t, err)

	v, err = svc.Validate(ctx, 1, "TEST10", AppliesInvoice, 5000)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, "usage limit reached", v.Reason)
}

func TestValidateScope(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryPromoRepo()
	svc := newTestService(repo, time.Now())

	_, err := svc.Create(ctx, CreatePromoCodeInput{
		StudioID: 1, Code: "TUITIONONLY", DiscountType: DiscountFlat, DiscountValue: 2500,
		AppliesTo: AppliesTuition,
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreatePromoCodeInput{
		StudioID: 1, Code: "ANYWHERE", DiscountType: DiscountFlat, DiscountValue: 2500,
		AppliesTo: AppliesAll,
	})
	require.NoError(t, err)

	v, err := svc.Validate(ctx, 1, "TUITIONONLY", AppliesInvoice, 5000)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, "not valid for invoice", v.Reason)

	v, err = svc.Validate(ctx, 1, "ANYWHERE", AppliesInvoice, 5000)
	require.NoError(t, err)
	require.True(t, v.Valid, "a code scoped to all validates everywhere")
}

func TestValidateMinPurchase(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryPromoRepo()
	svc := newTestService(repo, time.Now())

	_, err := svc.Create(ctx, CreatePromoCodeInput{
		StudioID: 1, Code: "BIGSPEND", DiscountType: DiscountFlat, DiscountValue: 1000,
		AppliesTo: AppliesAll, MinPurchase: 10000,
	})
	require.NoError(t, err)

	v, err := svc.Validate(ctx, 1, "BIGSPEND", AppliesInvoice, 5000)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, "minimum purchase not met", v.Reason)

	v, err = svc.Validate(ctx, 1, "BIGSPEND", AppliesInvoice, 15000)
	require.NoError(t, err)
	require.True(t, v.Valid)

	// A zero amount is below any positive minimum.
	v, err = svc.Validate(ctx, 1, "BIGSPEND", AppliesInvoice, 0)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, "minimum purchase not met", v.Reason)
}

func TestValidateIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryPromoRepo()
	svc := newTestService(repo, time.Now())

	_, err := svc.Create(ctx, CreatePromoCodeInput{
		StudioID: 1, Code: "MINE", DiscountType: DiscountFlat, DiscountValue: 500, AppliesTo: AppliesAll,
	})
	require.NoError(t, err)

	v, err := svc.Validate(ctx, 2, "MINE", AppliesInvoice, 5000)
	require.NoError(t, err)
	require.False(t, v.Valid, "codes must not leak across studios")
}

func TestCreateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMemoryPromoRepo(), time.Now())

	_, err := svc.Create(ctx, CreatePromoCodeInput{StudioID: 1, Code: " ", DiscountType: DiscountFlat, DiscountValue: 100, AppliesTo: AppliesAll})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Create(ctx, CreatePromoCodeInput{StudioID: 1, Code: "X", DiscountType: DiscountPercent, DiscountValue: 10001, AppliesTo: AppliesAll})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Create(ctx, CreatePromoCodeInput{StudioID: 1, Code: "X", DiscountType: "bogus", DiscountValue: 100, AppliesTo: AppliesAll})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Create(ctx, CreatePromoCodeInput{StudioID: 1, Code: "X", DiscountType: DiscountFlat, DiscountValue: 100, AppliesTo: "everywhere"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateDuplicateCodeConflicts(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMemoryPromoRepo(), time.Now())

	_, err := svc.Create(ctx, CreatePromoCodeInput{StudioID: 1, Code: "DUP", DiscountType: DiscountFlat, DiscountValue: 100, AppliesTo: AppliesAll})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreatePromoCodeInput{StudioID: 1, Code: "dup ", DiscountType: DiscountFlat, DiscountValue: 100, AppliesTo: AppliesAll})
	require.ErrorIs(t, err, shared.ErrConflict, "normalized duplicates collide")
}

func TestDeactivateHidesCodeFromValidation(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryPromoRepo()
	svc := newTestService(repo, time.Now())

	code, err := svc.Create(ctx, CreatePromoCodeInput{StudioID: 1, Code: "GONE", DiscountType: DiscountFlat, DiscountValue: 100, AppliesTo: AppliesAll})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, 1, code.ID))

	v, err := svc.Validate(ctx, 1, "GONE", AppliesInvoice, 5000)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, "promo code not found", v.Reason)
}

func TestDiscountFor(t *testing.T) {
	percent := &PromoCode{DiscountType: DiscountPercent, DiscountValue: 1000}
	require.Equal(t, int64(850), percent.DiscountFor(8500))

	flat := &PromoCode{DiscountType: DiscountFlat, DiscountValue: 10000}
	require.Equal(t, int64(8500), flat.DiscountFor(8500), "flat discount caps at the amount")
}
