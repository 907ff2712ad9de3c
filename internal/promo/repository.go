package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pirouette-hq/pirouette/internal/shared"
)

const pgUniqueViolation = "23505"

// CreatePromoCodeInput carries the fields for a new code.
type CreatePromoCodeInput struct {
	StudioID      int64
	Code          string
	Description   string
	DiscountType  DiscountType
	DiscountValue int64
	MaxUses       *int
	MinPurchase   int64
	StartsAt      *time.Time
	ExpiresAt     *time.Time
	AppliesTo     AppliesTo
}

// UpdatePromoCodeInput carries optional updates; nil fields are untouched.
type UpdatePromoCodeInput struct {
	Description   *string
	DiscountValue *int64
	MaxUses       *int
	ClearMaxUses  bool
	MinPurchase   *int64
	StartsAt      *time.Time
	ExpiresAt     *time.Time
	AppliesTo     *AppliesTo
	IsActive      *bool
}

// RedemptionInput records one redemption inside the caller's transaction.
type RedemptionInput struct {
	PromoCodeID    int64
	FamilyID       int64
	InvoiceID      *int64
	EnrollmentID   *int64
	DiscountAmount int64
}

// Repository is the data access surface for promo codes.
type Repository interface {
	Create(ctx context.Context, in CreatePromoCodeInput) (*PromoCode, error)
	Update(ctx context.Context, studioID, id int64, in UpdatePromoCodeInput) (*PromoCode, error)
	Deactivate(ctx context.Context, studioID, id int64) error
	Get(ctx context.Context, studioID, id int64) (*PromoCode, error)
	GetActiveByCode(ctx context.Context, studioID int64, code string) (*PromoCode, error)
	List(ctx context.Context, studioID int64, limit, offset int) ([]PromoCode, int, error)
	Stats(ctx context.Context, studioID, id int64) (*Stats, error)
	ListApplications(ctx context.Context, studioID, id int64) ([]DiscountApplication, error)
	// RecordRedemption inserts the DiscountApplication and increments
	// current_uses inside tx. The two writes and the caller's invoice
	// mutation commit or roll back together.
	RecordRedemption(ctx context.Context, tx pgx.Tx, in RedemptionInput) (*DiscountApplication, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the pgx-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const promoColumns = `id, studio_id, code, description, discount_type, discount_value,
	max_uses, current_uses, min_purchase, starts_at, expires_at, applies_to, is_active,
	created_at, updated_at`

func (r *repository) Create(ctx context.Context, in CreatePromoCodeInput) (*PromoCode, error) {
	query := fmt.Sprintf(`
		INSERT INTO promo_codes (studio_id, code, description, discount_type, discount_value,
			max_uses, min_purchase, starts_at, expires_at, applies_to, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, NOW(), NOW())
		RETURNING %s`, promoColumns)

	var maxUses pgtype.Int4
	if in.MaxUses != nil {
		maxUses = pgtype.Int4{Int32: int32(*in.MaxUses), Valid: true}
	}
	row := r.pool.QueryRow(ctx, query,
		in.StudioID, in.Code, in.Description, in.DiscountType, in.DiscountValue,
		maxUses, in.MinPurchase, timestampOrNull(in.StartsAt), timestampOrNull(in.ExpiresAt), in.AppliesTo,
	)
	code, err := scanPromoCode(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("promo code %q already exists: %w", in.Code, shared.ErrConflict)
		}
		return nil, err
	}
	return code, nil
}

func (r *repository) Update(ctx context.Context, studioID, id int64, in UpdatePromoCodeInput) (*PromoCode, error) {
	query := "UPDATE promo_codes SET updated_at = NOW()"
	var args []interface{}
	argPos := 1

	set := func(col string, v interface{}) {
		query += fmt.Sprintf(", %s = $%d", col, argPos)
		args = append(args, v)
		argPos++
	}

	if in.Description != nil {
		set("description", *in.Description)
	}
	if in.DiscountValue != nil {
		set("discount_value", *in.DiscountValue)
	}
	if in.ClearMaxUses {
		query += ", max_uses = NULL"
	} else if in.MaxUses != nil {
		set("max_uses", *in.MaxUses)
	}
	if in.MinPurchase != nil {
		set("min_purchase", *in.MinPurchase)
	}
	if in.StartsAt != nil {
		set("starts_at", *in.StartsAt)
	}
	if in.ExpiresAt != nil {
		set("expires_at", *in.ExpiresAt)
	}
	if in.AppliesTo != nil {
		set("applies_to", *in.AppliesTo)
	}
	if in.IsActive != nil {
		set("is_active", *in.IsActive)
	}

	query += fmt.Sprintf(" WHERE id = $%d AND studio_id = $%d RETURNING %s", argPos, argPos+1, promoColumns)
	args = append(args, id, studioID)

	code, err := scanPromoCode(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("promo code: %w", shared.ErrNotFound)
		}
		return nil, err
	}
	return code, nil
}

func (r *repository) Deactivate(ctx context.Context, studioID, id int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE promo_codes SET is_active = FALSE, updated_at = NOW() WHERE id = $1 AND studio_id = $2`,
		id, studioID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("promo code: %w", shared.ErrNotFound)
	}
	return nil
}

func (r *repository) Get(ctx context.Context, studioID, id int64) (*PromoCode, error) {
	query := fmt.Sprintf(`SELECT %s FROM promo_codes WHERE id = $1 AND studio_id = $2`, promoColumns)
	code, err := scanPromoCode(r.pool.QueryRow(ctx, query, id, studioID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("promo code: %w", shared.ErrNotFound)
		}
		return nil, err
	}
	return code, nil
}

func (r *repository) GetActiveByCode(ctx context.Context, studioID int64, code string) (*PromoCode, error) {
	query := fmt.Sprintf(`SELECT %s FROM promo_codes WHERE studio_id = $1 AND code = $2 AND is_active`, promoColumns)
	pc, err := scanPromoCode(r.pool.QueryRow(ctx, query, studioID, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("promo code: %w", shared.ErrNotFound)
		}
		return nil, err
	}
	return pc, nil
}

func (r *repository) List(ctx context.Context, studioID int64, limit, offset int) ([]PromoCode, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM promo_codes WHERE studio_id = $1`, studioID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM promo_codes WHERE studio_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, promoColumns)
	rows, err := r.pool.Query(ctx, query, studioID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var codes []PromoCode
	for rows.Next() {
		code, err := scanPromoCode(rows)
		if err != nil {
			return nil, 0, err
		}
		codes = append(codes, *code)
	}
	return codes, total, rows.Err()
}

func (r *repository) Stats(ctx context.Context, studioID, id int64) (*Stats, error) {
	if _, err := r.Get(ctx, studioID, id); err != nil {
		return nil, err
	}

	const query = `
		SELECT COUNT(*), COALESCE(SUM(discount_amount), 0), MAX(applied_at)
		FROM discount_applications
		WHERE promo_code_id = $1`

	stats := Stats{PromoCodeID: id}
	var lastUsed pgtype.Timestamptz
	if err := r.pool.QueryRow(ctx, query, id).Scan(&stats.TotalUses, &stats.TotalDiscounted, &lastUsed); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		stats.LastUsedAt = &lastUsed.Time
	}
	return &stats, nil
}

func (r *repository) ListApplications(ctx context.Context, studioID, id int64) ([]DiscountApplication, error) {
	if _, err := r.Get(ctx, studioID, id); err != nil {
		return nil, err
	}

	const query = `
		SELECT id, promo_code_id, family_id, invoice_id, enrollment_id, discount_amount, applied_at
		FROM discount_applications
		WHERE promo_code_id = $1
		ORDER BY applied_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []DiscountApplication
	for rows.Next() {
		var a DiscountApplication
		var invoiceID, enrollmentID pgtype.Int8
		if err := rows.Scan(&a.ID, &a.PromoCodeID, &a.FamilyID, &invoiceID, &enrollmentID, &a.DiscountAmount, &a.AppliedAt); err != nil {
			return nil, err
		}
		if invoiceID.Valid {
			a.InvoiceID = &invoiceID.Int64
		}
		if enrollmentID.Valid {
			a.EnrollmentID = &enrollmentID.Int64
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (r *repository) RecordRedemption(ctx context.Context, tx pgx.Tx, in RedemptionInput) (*DiscountApplication, error) {
	// The usage counter only moves when the guard still holds; a full code
	// loses the race here, not at validation time.
	tag, err := tx.Exec(ctx, `
		UPDATE promo_codes SET current_uses = current_uses + 1, updated_at = NOW()
		WHERE id = $1 AND (max_uses IS NULL OR current_uses < max_uses)`,
		in.PromoCodeID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("usage limit reached: %w", shared.ErrPreconditionFailed)
	}

	var invoiceID, enrollmentID pgtype.Int8
	if in.InvoiceID != nil {
		invoiceID = pgtype.Int8{Int64: *in.InvoiceID, Valid: true}
	}
	if in.EnrollmentID != nil {
		enrollmentID = pgtype.Int8{Int64: *in.EnrollmentID, Valid: true}
	}

	app := DiscountApplication{
		PromoCodeID:    in.PromoCodeID,
		FamilyID:       in.FamilyID,
		InvoiceID:      in.InvoiceID,
		EnrollmentID:   in.EnrollmentID,
		DiscountAmount: in.DiscountAmount,
	}
	// discount_applications has a unique index on invoice_id: one redeemed
	// code per invoice, enforced by the store itself.
	err = tx.QueryRow(ctx, `
		INSERT INTO discount_applications (promo_code_id, family_id, invoice_id, enrollment_id, discount_amount, applied_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, applied_at`,
		in.PromoCodeID, in.FamilyID, invoiceID, enrollmentID, in.DiscountAmount,
	).Scan(&app.ID, &app.AppliedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("invoice already has a discount applied: %w", shared.ErrConflict)
		}
		return nil, err
	}
	return &app, nil
}

func scanPromoCode(row pgx.Row) (*PromoCode, error) {
	var c PromoCode
	var maxUses pgtype.Int4
	var startsAt, expiresAt pgtype.Timestamptz
	err := row.Scan(
		&c.ID, &c.StudioID, &c.Code, &c.Description, &c.DiscountType, &c.DiscountValue,
		&maxUses, &c.CurrentUses, &c.MinPurchase, &startsAt, &expiresAt, &c.AppliesTo, &c.IsActive,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if maxUses.Valid {
		v := int(maxUses.Int32)
		c.MaxUses = &v
	}
	if startsAt.Valid {
		c.StartsAt = &startsAt.Time
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	return &c, nil
}

func timestampOrNull(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
