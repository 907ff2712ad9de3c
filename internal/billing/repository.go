package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pirouette-hq/pirouette/internal/platform/db"
	"github.com/pirouette-hq/pirouette/internal/promo"
	"github.com/pirouette-hq/pirouette/internal/shared"
)

const pgUniqueViolation = "23505"

// CreateInvoiceInput carries the fields for a new draft invoice.
type CreateInvoiceInput struct {
	StudioID  int64
	FamilyID  int64
	Number    string
	IssueDate time.Time
	DueDate   time.Time
	TaxRate   float64
	Notes     string
}

// LineItemInput describes one line to append.
type LineItemInput struct {
	Kind         LineKind
	Description  string
	Quantity     int
	UnitPrice    int64
	EnrollmentID *int64
}

// PaymentInput describes one ledger entry to record.
type PaymentInput struct {
	StudioID    int64
	InvoiceID   int64
	Amount      int64
	Method      string
	ExternalRef *string
}

// ApplyPromoInput bundles the three writes of a promo redemption.
type ApplyPromoInput struct {
	StudioID       int64
	InvoiceID      int64
	FamilyID       int64
	PromoCodeID    int64
	DiscountAmount int64
	Line           LineItemInput
	Totals         Totals
}

// SiblingDiscountInput bundles a sibling discount application.
type SiblingDiscountInput struct {
	StudioID       int64
	InvoiceID      int64
	DiscountAmount int64
	Line           LineItemInput
	Totals         Totals
}

// LateFeeInput bundles an idempotent late-fee application.
type LateFeeInput struct {
	StudioID  int64
	InvoiceID int64
	Line      LineItemInput
	Totals    Totals
	AppliedAt time.Time
}

// ListInvoicesRequest filters a studio's invoice listing.
type ListInvoicesRequest struct {
	StudioID int64
	FamilyID *int64
	Status   *InvoiceStatus
	Limit    int
	Offset   int
}

// Repository is the data access surface for invoices. Mutating methods
// carry their own compare-and-set guards so concurrent admins cannot race
// an invoice out of a checked state between read and write.
type Repository interface {
	Create(ctx context.Context, in CreateInvoiceInput) (*Invoice, error)
	CountForStudio(ctx context.Context, studioID int64) (int, error)
	Get(ctx context.Context, studioID, id int64) (*Invoice, error)
	List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error)
	AddLine(ctx context.Context, studioID, invoiceID int64, line LineItemInput, totals Totals) error
	RemoveLine(ctx context.Context, studioID, invoiceID, lineID int64, totals Totals) error
	MarkSent(ctx context.Context, studioID, id int64, sentAt time.Time) error
	MarkPaid(ctx context.Context, studioID, id int64, paidAt time.Time, payment PaymentInput) error
	Void(ctx context.Context, studioID, id int64) error
	ApplyRefund(ctx context.Context, studioID, id int64, newAmountPaid int64, newStatus InvoiceStatus, payment PaymentInput) error
	ApplyPromoDiscount(ctx context.Context, in ApplyPromoInput) error
	ApplySiblingDiscount(ctx context.Context, in SiblingDiscountInput) error
	SetExternalPaymentRef(ctx context.Context, studioID, id int64, ref string) error
	TransitionOverdue(ctx context.Context, studioID int64, asOf time.Time) (int, error)
	ListLateFeeCandidates(ctx context.Context, studioID int64, dueBefore time.Time) ([]Invoice, error)
	ApplyLateFee(ctx context.Context, in LateFeeInput) (bool, error)
	ListPayments(ctx context.Context, studioID, invoiceID int64) ([]Payment, error)
	Stats(ctx context.Context, studioID int64) (*Stats, error)
}

type repository struct {
	pool  *pgxpool.Pool
	promo promo.Repository
}

// NewRepository builds the pgx-backed Repository. The promo repository is
// needed so a redemption commits in the same transaction as the invoice
// mutation.
func NewRepository(pool *pgxpool.Pool, promoRepo promo.Repository) Repository {
	return &repository{pool: pool, promo: promoRepo}
}

const invoiceColumns = `id, studio_id, family_id, number, status, issue_date, due_date,
	subtotal, tax_rate, tax_amount, discount_amount, late_fee_amount, total, amount_paid,
	promo_code_id, external_payment_ref, sent_at, paid_at, late_fee_applied_at, notes,
	created_at, updated_at`

func (r *repository) Create(ctx context.Context, in CreateInvoiceInput) (*Invoice, error) {
	query := fmt.Sprintf(`
		INSERT INTO invoices (studio_id, family_id, number, status, issue_date, due_date,
			subtotal, tax_rate, tax_amount, discount_amount, late_fee_amount, total, amount_paid,
			notes, created_at, updated_at)
		VALUES ($1, $2, $3, 'draft', $4, $5, 0, $6, 0, 0, 0, 0, 0, $7, NOW(), NOW())
		RETURNING %s`, invoiceColumns)

	inv, err := scanInvoice(r.pool.QueryRow(ctx, query,
		in.StudioID, in.FamilyID, in.Number, in.IssueDate, in.DueDate, in.TaxRate, in.Notes))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("invoice number %s taken: %w", in.Number, shared.ErrConflict)
		}
		return nil, err
	}
	return inv, nil
}

func (r *repository) CountForStudio(ctx context.Context, studioID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE studio_id = $1`, studioID).Scan(&count)
	return count, err
}

func (r *repository) Get(ctx context.Context, studioID, id int64) (*Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE id = $1 AND studio_id = $2`, invoiceColumns)
	inv, err := scanInvoice(r.pool.QueryRow(ctx, query, id, studioID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("invoice: %w", shared.ErrNotFound)
		}
		return nil, err
	}
	lines, err := r.getLines(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines
	return inv, nil
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *repository) getLines(ctx context.Context, q queryer, invoiceID int64) ([]LineItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, invoice_id, kind, description, quantity, unit_price, total, enrollment_id
		FROM invoice_line_items WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []LineItem
	for rows.Next() {
		var l LineItem
		var enrollmentID pgtype.Int8
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Kind, &l.Description, &l.Quantity, &l.UnitPrice, &l.Total, &enrollmentID); err != nil {
			return nil, err
		}
		if enrollmentID.Valid {
			l.EnrollmentID = &enrollmentID.Int64
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *repository) List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error) {
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
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM invoices "+conditions, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM invoices %s ORDER BY issue_date DESC, id DESC LIMIT $%d OFFSET $%d`,
		invoiceColumns, conditions, argPos, argPos+1)
	args = append(args, req.Limit, req.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, total, rows.Err()
}

func (r *repository) AddLine(ctx context.Context, studioID, invoiceID int64, line LineItemInput, totals Totals) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := insertLine(ctx, tx, invoiceID, line); err != nil {
			return err
		}
		return updateTotalsGuarded(ctx, tx, studioID, invoiceID, totals, "status IN ('draft','sent')")
	})
}

func (r *repository) RemoveLine(ctx context.Context, studioID, invoiceID, lineID int64, totals Totals) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM invoice_line_items WHERE id = $1 AND invoice_id = $2`, lineID, invoiceID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("line item: %w", shared.ErrNotFound)
		}
		return updateTotalsGuarded(ctx, tx, studioID, invoiceID, totals, "status IN ('draft','sent')")
	})
}

func (r *repository) MarkSent(ctx context.Context, studioID, id int64, sentAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET status = 'sent', sent_at = $1, updated_at = NOW()
		WHERE id = $2 AND studio_id = $3 AND status = 'draft' AND total > 0`,
		sentAt, id, studioID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice cannot be sent in its current state: %w", shared.ErrPreconditionFailed)
	}
	return nil
}

func (r *repository) MarkPaid(ctx context.Context, studioID, id int64, paidAt time.Time, payment PaymentInput) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE invoices SET status = 'paid', amount_paid = total, paid_at = $1, updated_at = NOW()
			WHERE id = $2 AND studio_id = $3 AND status IN ('sent','partial','overdue')`,
			paidAt, id, studioID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("invoice cannot be marked paid in its current state: %w", shared.ErrPreconditionFailed)
		}
		return insertPayment(ctx, tx, payment)
	})
}

func (r *repository) Void(ctx context.Context, studioID, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET status = 'void', updated_at = NOW()
		WHERE id = $1 AND studio_id = $2 AND status NOT IN ('paid','void','cancelled')`,
		id, studioID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice cannot be voided in its current state: %w", shared.ErrPreconditionFailed)
	}
	return nil
}

func (r *repository) ApplyRefund(ctx context.Context, studioID, id int64, newAmountPaid int64, newStatus InvoiceStatus, payment PaymentInput) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE invoices SET amount_paid = $1, status = $2, updated_at = NOW()
			WHERE id = $3 AND studio_id = $4 AND status IN ('paid','partial')`,
			newAmountPaid, newStatus, id, studioID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("invoice cannot be refunded in its current state: %w", shared.ErrPreconditionFailed)
		}
		return insertPayment(ctx, tx, payment)
	})
}

func (r *repository) ApplyPromoDiscount(ctx context.Context, in ApplyPromoInput) error {
	// Serializable so two admins applying codes concurrently cannot both
	// observe the pre-redemption usage count. promo_code_id IS NULL is the
	// compare-and-set token: the loser of the race sees zero rows.
	return db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE invoices SET promo_code_id = $1, discount_amount = $2, total = $3, updated_at = NOW()
			WHERE id = $4 AND studio_id = $5 AND promo_code_id IS NULL AND status IN ('draft','sent')`,
			in.PromoCodeID, in.Totals.DiscountAmount, in.Totals.Total, in.InvoiceID, in.StudioID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("invoice already has a promo code applied: %w", shared.ErrConflict)
		}
		if err := insertLine(ctx, tx, in.InvoiceID, in.Line); err != nil {
			return err
		}
		_, err = r.promo.RecordRedemption(ctx, tx, promo.RedemptionInput{
			PromoCodeID:    in.PromoCodeID,
			FamilyID:       in.FamilyID,
			InvoiceID:      &in.InvoiceID,
			DiscountAmount: in.DiscountAmount,
		})
		return err
	})
}

func (r *repository) ApplySiblingDiscount(ctx context.Context, in SiblingDiscountInput) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := insertLine(ctx, tx, in.InvoiceID, in.Line); err != nil {
			return err
		}
		return updateTotalsGuarded(ctx, tx, in.StudioID, in.InvoiceID, in.Totals, "status IN ('draft','sent')")
	})
}

func (r *repository) SetExternalPaymentRef(ctx context.Context, studioID, id int64, ref string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET external_payment_ref = $1, updated_at = NOW()
		WHERE id = $2 AND studio_id = $3`, ref, id, studioID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice: %w", shared.ErrNotFound)
	}
	return nil
}

func (r *repository) TransitionOverdue(ctx context.Context, studioID int64, asOf time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET status = 'overdue', updated_at = NOW()
		WHERE studio_id = $1 AND status IN ('sent','partial') AND due_date < $2`,
		studioID, asOf)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *repository) ListLateFeeCandidates(ctx context.Context, studioID int64, dueBefore time.Time) ([]Invoice, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM invoices
		WHERE studio_id = $1 AND status = 'overdue' AND late_fee_applied_at IS NULL AND due_date < $2
		ORDER BY id`, invoiceColumns)

	rows, err := r.pool.Query(ctx, query, studioID, dueBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

func (r *repository) ApplyLateFee(ctx context.Context, in LateFeeInput) (bool, error) {
	applied := false
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		// late_fee_applied_at IS NULL is the idempotency guard; a
		// concurrent or repeated run loses here and changes nothing.
		tag, err := tx.Exec(ctx, `
			UPDATE invoices SET subtotal = $1, tax_amount = $2, late_fee_amount = $3, total = $4,
				late_fee_applied_at = $5, updated_at = NOW()
			WHERE id = $6 AND studio_id = $7 AND late_fee_applied_at IS NULL`,
			in.Totals.Subtotal, in.Totals.TaxAmount, in.Totals.LateFeeAmount, in.Totals.Total,
			in.AppliedAt, in.InvoiceID, in.StudioID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		return insertLine(ctx, tx, in.InvoiceID, in.Line)
	})
	return applied, err
}

func (r *repository) ListPayments(ctx context.Context, studioID, invoiceID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, studio_id, invoice_id, amount, method, external_ref, created_at
		FROM payments WHERE studio_id = $1 AND invoice_id = $2 ORDER BY id`, studioID, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		var externalRef pgtype.Text
		if err := rows.Scan(&p.ID, &p.StudioID, &p.InvoiceID, &p.Amount, &p.Method, &externalRef, &p.CreatedAt); err != nil {
			return nil, err
		}
		if externalRef.Valid {
			p.ExternalRef = &externalRef.String
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *repository) Stats(ctx context.Context, studioID int64) (*Stats, error) {
	const query = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'draft'),
		       COALESCE(SUM(total - amount_paid) FILTER (WHERE status IN ('sent','partial','overdue')), 0),
		       COUNT(*) FILTER (WHERE status = 'overdue'),
		       COALESCE(SUM(amount_paid), 0)
		FROM invoices WHERE studio_id = $1`

	var s Stats
	err := r.pool.QueryRow(ctx, query, studioID).Scan(
		&s.TotalInvoices, &s.DraftCount, &s.OutstandingCents, &s.OverdueCount, &s.PaidCents)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func insertLine(ctx context.Context, tx pgx.Tx, invoiceID int64, line LineItemInput) error {
	var enrollmentID pgtype.Int8
	if line.EnrollmentID != nil {
		enrollmentID = pgtype.Int8{Int64: *line.EnrollmentID, Valid: true}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO invoice_line_items (invoice_id, kind, description, quantity, unit_price, total, enrollment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		invoiceID, line.Kind, line.Description, line.Quantity, line.UnitPrice,
		int64(line.Quantity)*line.UnitPrice, enrollmentID)
	return err
}

func insertPayment(ctx context.Context, tx pgx.Tx, p PaymentInput) error {
	var externalRef pgtype.Text
	if p.ExternalRef != nil {
		externalRef = pgtype.Text{String: *p.ExternalRef, Valid: true}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO payments (studio_id, invoice_id, amount, method, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		p.StudioID, p.InvoiceID, p.Amount, p.Method, externalRef)
	return err
}

func updateTotalsGuarded(ctx context.Context, tx pgx.Tx, studioID, invoiceID int64, totals Totals, statusGuard string) error {
	query := fmt.Sprintf(`
		UPDATE invoices SET subtotal = $1, tax_amount = $2, discount_amount = $3,
			late_fee_amount = $4, total = $5, updated_at = NOW()
		WHERE id = $6 AND studio_id = $7 AND %s`, statusGuard)
	tag, err := tx.Exec(ctx, query,
		totals.Subtotal, totals.TaxAmount, totals.DiscountAmount, totals.LateFeeAmount, totals.Total,
		invoiceID, studioID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice is no longer editable: %w", shared.ErrPreconditionFailed)
	}
	return nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var promoCodeID pgtype.Int8
	var externalRef, notes pgtype.Text
	var sentAt, paidAt, lateFeeAt pgtype.Timestamptz
	err := row.Scan(
		&inv.ID, &inv.StudioID, &inv.FamilyID, &inv.Number, &inv.Status, &inv.IssueDate, &inv.DueDate,
		&inv.Subtotal, &inv.TaxRate, &inv.TaxAmount, &inv.DiscountAmount, &inv.LateFeeAmount, &inv.Total, &inv.AmountPaid,
		&promoCodeID, &externalRef, &sentAt, &paidAt, &lateFeeAt, &notes,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if promoCodeID.Valid {
		inv.PromoCodeID = &promoCodeID.Int64
	}
	if externalRef.Valid {
		inv.ExternalPaymentRef = &externalRef.String
	}
	if sentAt.Valid {
		inv.SentAt = &sentAt.Time
	}
	if paidAt.Valid {
		inv.PaidAt = &paidAt.Time
	}
	if lateFeeAt.Valid {
		inv.LateFeeAppliedAt = &lateFeeAt.Time
	}
	if notes.Valid {
		inv.Notes = notes.String
	}
	return &inv, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
