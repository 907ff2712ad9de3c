package tuition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pirouette-hq/pirouette/internal/shared"
)

// CreatePlanInput carries the fields for a new plan record.
type CreatePlanInput struct {
	StudioID           int64
	FamilyID           int64
	StudentID          int64
	Name               string
	Amount             int64
	Interval           string
	SubscriptionRef    string
	PriceRef           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// ListPlansRequest filters a studio's plan listing.
type ListPlansRequest struct {
	StudioID int64
	FamilyID *int64
	Status   *PlanStatus
	Limit    int
	Offset   int
}

// Repository is the data access surface for tuition plans. Transition
// methods carry status guards so a stale caller cannot move a plan out of
// a state it already left.
type Repository interface {
	Create(ctx context.Context, in CreatePlanInput) (*Plan, error)
	Get(ctx context.Context, studioID, id int64) (*Plan, error)
	List(ctx context.Context, req ListPlansRequest) ([]Plan, int, error)
	MarkPaused(ctx context.Context, studioID, id int64, at time.Time) error
	MarkResumed(ctx context.Context, studioID, id int64) error
	MarkCancelled(ctx context.Context, studioID, id int64, at time.Time) error
	SetCancelAtPeriodEnd(ctx context.Context, studioID, id int64) error
	Stats(ctx context.Context, studioID int64) (*Stats, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the pgx-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const planColumns = `id, studio_id, family_id, student_id, name, amount, interval, status,
	subscription_ref, price_ref, cancel_at_period_end, current_period_start, current_period_end,
	paused_at, cancelled_at, created_at, updated_at`

func (r *repository) Create(ctx context.Context, in CreatePlanInput) (*Plan, error) {
	query := fmt.Sprintf(`
		INSERT INTO tuition_plans (studio_id, family_id, student_id, name, amount, interval, status,
			subscription_ref, price_ref, cancel_at_period_end, current_period_start, current_period_end,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8, FALSE, $9, $10, NOW(), NOW())
		RETURNING %s`, planColumns)

	return scanPlan(r.pool.QueryRow(ctx, query,
		in.StudioID, in.FamilyID, in.StudentID, in.Name, in.Amount, in.Interval,
		in.SubscriptionRef, in.PriceRef, in.CurrentPeriodStart, in.CurrentPeriodEnd))
}

func (r *repository) Get(ctx context.Context, studioID, id int64) (*Plan, error) {
	query := fmt.Sprintf(`SELECT %s FROM tuition_plans WHERE id = $1 AND studio_id = $2`, planColumns)
	plan, err := scanPlan(r.pool.QueryRow(ctx, query, id, studioID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tuition plan: %w", shared.ErrNotFound)
		}
		return nil, err
	}
	return plan, nil
}

func (r *repository) List(ctx context.Context, req ListPlansRequest) ([]Plan, int, error) {
	conditions := "WHERE studio_id = $1"
	args := []interface{}{req.StudioID}
	argPos := 2

	if req.FamilyID != nil {
		conditions += fmt.Sprintf(" AND family_id = $%d", argPos)
		args = append(args, *req.FamilyID)
		argPos++
	}
	if req.Status != nil {
		conditions += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, *req.Status)
		argPos++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM tuition_plans "+conditions, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM tuition_plans %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		planColumns, conditions, argPos, argPos+1)
	args = append(args, req.Limit, req.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, 0, err
		}
		plans = append(plans, *plan)
	}
	return plans, total, rows.Err()
}

func (r *repository) MarkPaused(ctx context.Context, studioID, id int64, at time.Time) error {
	return r.transition(ctx, `
		UPDATE tuition_plans SET status = 'paused', paused_at = $1, updated_at = NOW()
		WHERE id = $2 AND studio_id = $3 AND status = 'active'`, at, id, studioID)
}

func (r *repository) MarkResumed(ctx context.Context, studioID, id int64) error {
	return r.transition(ctx, `
		UPDATE tuition_plans SET status = 'active', paused_at = NULL, updated_at = NOW()
		WHERE id = $1 AND studio_id = $2 AND status = 'paused'`, id, studioID)
}

func (r *repository) MarkCancelled(ctx context.Context, studioID, id int64, at time.Time) error {
	return r.transition(ctx, `
		UPDATE tuition_plans SET status = 'cancelled', cancelled_at = $1, updated_at = NOW()
		WHERE id = $2 AND studio_id = $3 AND status <> 'cancelled'`, at, id, studioID)
}

func (r *repository) SetCancelAtPeriodEnd(ctx context.Context, studioID, id int64) error {
	return r.transition(ctx, `
		UPDATE tuition_plans SET cancel_at_period_end = TRUE, updated_at = NOW()
		WHERE id = $1 AND studio_id = $2 AND status IN ('active','past_due') AND cancel_at_period_end = FALSE`,
		id, studioID)
}

func (r *repository) transition(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tuition plan cannot change in its current state: %w", shared.ErrPreconditionFailed)
	}
	return nil
}

func (r *repository) Stats(ctx context.Context, studioID int64) (*Stats, error) {
	const query = `
		SELECT COUNT(*) FILTER (WHERE status = 'active'),
		       COUNT(*) FILTER (WHERE status = 'paused'),
		       COUNT(*) FILTER (WHERE status = 'past_due'),
		       COUNT(*) FILTER (WHERE status = 'cancelled'),
		       COALESCE(SUM(CASE WHEN status = 'active' AND interval = 'year' THEN amount / 12
		                         WHEN status = 'active' THEN amount ELSE 0 END), 0)
		FROM tuition_plans WHERE studio_id = $1`

	var s Stats
	err := r.pool.QueryRow(ctx, query, studioID).Scan(
		&s.ActiveCount, &s.PausedCount, &s.PastDueCount, &s.CancelledCount, &s.MRRCents)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	var pausedAt, cancelledAt pgtype.Timestamptz
	err := row.Scan(
		&p.ID, &p.StudioID, &p.FamilyID, &p.StudentID, &p.Name, &p.Amount, &p.Interval, &p.Status,
		&p.SubscriptionRef, &p.PriceRef, &p.CancelAtPeriodEnd, &p.CurrentPeriodStart, &p.CurrentPeriodEnd,
		&pausedAt, &cancelledAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pausedAt.Valid {
		p.PausedAt = &pausedAt.Time
	}
	if cancelledAt.Valid {
		p.CancelledAt = &cancelledAt.Time
	}
	return &p, nil
}
