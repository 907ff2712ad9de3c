package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pirouette-hq/pirouette/internal/shared"
)

// Service handles promo code business logic. Validation is a pure read;
// redemption belongs to the invoice engine and always runs inside its
// transaction via Repository.RecordRedemption.
type Service struct {
	repo  Repository
	clock func() time.Time
}

// NewService builds Service instance.
func NewService(repo Repository) *Service {
	return &Service{
		repo:  repo,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// Validate checks a code against its window, usage limit, scope and
// minimum purchase. It never mutates current_uses.
func (s *Service) Validate(ctx context.Context, studioID int64, rawCode string, redemptionContext AppliesTo, amount int64) (*Validation, error) {
	code := Normalize(rawCode)
	if code == "" {
		return &Validation{Valid: false, Reason: "promo code not found"}, nil
	}

	pc, err := s.repo.GetActiveByCode(ctx, studioID, code)
	if err != nil {
		if errorsIsNotFound(err) {
			return &Validation{Valid: false, Reason: "promo code not found"}, nil
		}
		return nil, err
	}

	now := s.clock()
	switch {
	case pc.StartsAt != nil && now.Before(*pc.StartsAt):
		return &Validation{Valid: false, Reason: "promo code is not active yet", Code: pc}, nil
	case pc.ExpiresAt != nil && now.After(*pc.ExpiresAt):
		return &Validation{Valid: false, Reason: "promo code has expired", Code: pc}, nil
	case !pc.UsesRemaining():
		return &Validation{Valid: false, Reason: "usage limit reached", Code: pc}, nil
	case !pc.AppliesToContext(redemptionContext):
		return &Validation{Valid: false, Reason: fmt.Sprintf("not valid for %s", redemptionContext), Code: pc}, nil
	case pc.MinPurchase > 0 && amount < pc.MinPurchase:
		return &Validation{Valid: false, Reason: "minimum purchase not met", Code: pc}, nil
	}

	return &Validation{Valid: true, Code: pc}, nil
}

// Create registers a new code for the studio.
func (s *Service) Create(ctx context.Context, in CreatePromoCodeInput) (*PromoCode, error) {
	in.Code = Normalize(in.Code)
	if in.Code == "" {
		return nil, fmt.Errorf("code is required: %w", shared.ErrValidation)
	}
	if err := validateDiscount(in.DiscountType, in.DiscountValue); err != nil {
		return nil, err
	}
	if !validAppliesTo(in.AppliesTo) {
		return nil, fmt.Errorf("invalid applies_to %q: %w", in.AppliesTo, shared.ErrValidation)
	}
	if in.MaxUses != nil && *in.MaxUses <= 0 {
		return nil, fmt.Errorf("max_uses must be positive: %w", shared.ErrValidation)
	}
	if in.MinPurchase < 0 {
		return nil, fmt.Errorf("min_purchase must not be negative: %w", shared.ErrValidation)
	}
	if in.StartsAt != nil && in.ExpiresAt != nil && !in.ExpiresAt.After(*in.StartsAt) {
		return nil, fmt.Errorf("expires_at must be after starts_at: %w", shared.ErrValidation)
	}
	return s.repo.Create(ctx, in)
}

// Update applies partial changes to a code.
func (s *Service) Update(ctx context.Context, studioID, id int64, in UpdatePromoCodeInput) (*PromoCode, error) {
	if in.DiscountValue != nil {
		existing, err := s.repo.Get(ctx, studioID, id)
		if err != nil {
			return nil, err
		}
		if err := validateDiscount(existing.DiscountType, *in.DiscountValue); err != nil {
			return nil, err
		}
	}
	if in.AppliesTo != nil && !validAppliesTo(*in.AppliesTo) {
		return nil, fmt.Errorf("invalid applies_to %q: %w", *in.AppliesTo, shared.ErrValidation)
	}
	if in.MaxUses != nil && *in.MaxUses <= 0 {
		return nil, fmt.Errorf("max_uses must be positive: %w", shared.ErrValidation)
	}
	return s.repo.Update(ctx, studioID, id, in)
}

// Deactivate retires a code. Codes are never hard-deleted so historical
// discount applications keep their referent.
func (s *Service) Deactivate(ctx context.Context, studioID, id int64) error {
	return s.repo.Deactivate(ctx, studioID, id)
}

// Get returns one code.
func (s *Service) Get(ctx context.Context, studioID, id int64) (*PromoCode, error) {
	return s.repo.Get(ctx, studioID, id)
}

// List returns the studio's codes with pagination metadata.
func (s *Service) List(ctx context.Context, studioID int64, page, perPage int) ([]PromoCode, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	codes, total, err := s.repo.List(ctx, studioID, p.PerPage, p.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return codes, shared.NewPagination(p.Page, p.PerPage, total), nil
}

// Stats returns redemption totals for one code.
func (s *Service) Stats(ctx context.Context, studioID, id int64) (*Stats, error) {
	return s.repo.Stats(ctx, studioID, id)
}

// Applications returns the audit trail of one code's redemptions.
func (s *Service) Applications(ctx context.Context, studioID, id int64) ([]DiscountApplication, error) {
	return s.repo.ListApplications(ctx, studioID, id)
}

func validateDiscount(discountType DiscountType, value int64) error {
	switch discountType {
	case DiscountFlat:
		if value <= 0 {
			return fmt.Errorf("flat discount must be positive: %w", shared.ErrValidation)
		}
	case DiscountPercent:
		if value <= 0 || value > 10000 {
			return fmt.Errorf("percent discount must be between 1 and 10000 basis points: %w", shared.ErrValidation)
		}
	default:
		return fmt.Errorf("invalid discount_type %q: %w", discountType, shared.ErrValidation)
	}
	return nil
}

func validAppliesTo(a AppliesTo) bool {
	switch a {
	case AppliesAll, AppliesRegistration, AppliesInvoice, AppliesTuition:
		return true
	}
	return false
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound)
}
