package studios

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pirouette-hq/pirouette/internal/shared"
)

// Directory provides tenant-scoped reads over studios and families.
type Directory interface {
	GetSettings(ctx context.Context, studioID int64) (*Settings, error)
	GetFamily(ctx context.Context, studioID, familyID int64) (*Family, error)
	CountActiveStudents(ctx context.Context, studioID, familyID int64) (int, error)
	ListBillingStudioIDs(ctx context.Context) ([]int64, error)
}

type directory struct {
	pool *pgxpool.Pool
}

// NewDirectory builds the pgx-backed Directory.
func NewDirectory(pool *pgxpool.Pool) Directory {
	return &directory{pool: pool}
}

func (d *directory) GetSettings(ctx context.Context, studioID int64) (*Settings, error) {
	const query = `
		SELECT studio_id, late_fee_type, late_fee_value, grace_days,
		       sibling_discount_enabled, sibling_discount_type, sibling_discount_value, sibling_min_students,
		       processor_onboarded, processor_account_id
		FROM studio_billing_settings
		WHERE studio_id = $1`

	var s Settings
	var lateFeeType, siblingType pgtype.Text
	var accountID pgtype.Text
	err := d.pool.QueryRow(ctx, query, studioID).Scan(
		&s.StudioID, &lateFeeType, &s.LateFeeValue, &s.GraceDays,
		&s.SiblingDiscountEnabled, &siblingType, &s.SiblingDiscountValue, &s.SiblingMinStudents,
		&s.ProcessorOnboarded, &accountID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("studio settings: %w", shared.ErrNotFound)
		}
		return nil, err
	}
	if lateFeeType.Valid {
		s.LateFeeType = FeeType(lateFeeType.String)
	}
	if siblingType.Valid {
		s.SiblingDiscountType = FeeType(siblingType.String)
	}
	if accountID.Valid {
		s.ProcessorAccountID = accountID.String
	}
	return &s, nil
}

func (d *directory) GetFamily(ctx context.Context, studioID, familyID int64) (*Family, error) {
	const query = `SELECT id, studio_id, name, email FROM families WHERE id = $1 AND studio_id = $2`

	var f Family
	err := d.pool.QueryRow(ctx, query, familyID, studioID).Scan(&f.ID, &f.StudioID, &f.Name, &f.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("family: %w", shared.ErrNotFound)
		}
		return nil, err
	}
	return &f, nil
}

func (d *directory) CountActiveStudents(ctx context.Context, studioID, familyID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM students WHERE studio_id = $1 AND family_id = $2 AND is_active`

	var count int
	if err := d.pool.QueryRow(ctx, query, studioID, familyID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (d *directory) ListBillingStudioIDs(ctx context.Context) ([]int64, error) {
	rows, err := d.pool.Query(ctx, `SELECT studio_id FROM studio_billing_settings ORDER BY studio_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
