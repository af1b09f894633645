package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tuition-ledger/internal/platform/db"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
)

// Repository provides PostgreSQL backed persistence for installments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const selectColumns = `
	id, student_id, reference_year, reference_month, value::text, due_date, status,
	document_number, description,
	barcode, digitable_line, external_payment_id, ticket_url, qr_code, qr_code_base64, slip_issued_at,
	paid_at, created_at, updated_at`

// Get retrieves an installment by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Installment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM installments WHERE id = $1`, id)
	return scanOne(row)
}

// FindByStudentAndMonth returns the installment for the pair or ErrNotFound.
func (r *Repository) FindByStudentAndMonth(ctx context.Context, studentID string, ref ReferenceMonth) (*Installment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM installments
		WHERE student_id = $1 AND reference_year = $2 AND reference_month = $3`,
		studentID, ref.Year, int(ref.Month))
	return scanOne(row)
}

// FindByStudent lists a student's installments in calendar order, optionally filtered
// by stored status.
func (r *Repository) FindByStudent(ctx context.Context, studentID string, status *Status) ([]Installment, error) {
	query := `SELECT ` + selectColumns + ` FROM installments WHERE student_id = $1`
	args := []any{studentID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, string(*status))
	}
	query += ` ORDER BY reference_year, reference_month`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindByExternalPaymentID resolves a gateway payment id back to its installment.
func (r *Repository) FindByExternalPaymentID(ctx context.Context, externalID string) (*Installment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM installments WHERE external_payment_id = $1`, externalID)
	return scanOne(row)
}

// Insert creates the installment unless one already exists for the same student and
// month; in that case ErrDuplicate is returned and nothing is written.
func (r *Repository) Insert(ctx context.Context, inst Installment) (*Installment, error) {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Status == "" {
		inst.Status = StatusPending
	}
	query := `
		INSERT INTO installments (
			id, student_id, reference_year, reference_month, value, due_date, status,
			document_number, description,
			barcode, digitable_line, external_payment_id, ticket_url, qr_code, qr_code_base64, slip_issued_at,
			paid_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())
		ON CONFLICT (student_id, reference_year, reference_month) DO NOTHING
		RETURNING created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		inst.ID,
		inst.StudentID,
		inst.Reference.Year,
		int(inst.Reference.Month),
		inst.Value.String(),
		inst.DueDate,
		string(inst.Status),
		nullText(inst.DocumentNumber),
		inst.Description,
		nullText(inst.Slip.Barcode),
		nullText(inst.Slip.DigitableLine),
		nullText(inst.Slip.ExternalPaymentID),
		nullText(inst.Slip.TicketURL),
		nullText(inst.Slip.QRCode),
		nullText(inst.Slip.QRCodeBase64),
		nullTime(inst.Slip.IssuedAt),
		nullTime(inst.PaidAt),
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDuplicate
	}
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return &inst, nil
}

// BatchInsert inserts items one at a time, recording each outcome.
func (r *Repository) BatchInsert(ctx context.Context, items []Installment) shared.BatchResult[Installment] {
	return insertEach(ctx, items, r.Insert)
}

// Update applies a partial update.
func (r *Repository) Update(ctx context.Context, id string, patch Patch) (*Installment, error) {
	if patch.Empty() {
		return nil, ErrEmptyPatch
	}
	sets := []string{}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.PaidAt != nil {
		add("paid_at", *patch.PaidAt)
	}
	if patch.Value != nil {
		args = append(args, patch.Value.String())
		sets = append(sets, fmt.Sprintf("value = $%d::numeric", len(args)))
	}
	if patch.DueDate != nil {
		add("due_date", *patch.DueDate)
	}
	if patch.Slip != nil {
		add("barcode", nullText(patch.Slip.Barcode))
		add("digitable_line", nullText(patch.Slip.DigitableLine))
		add("external_payment_id", nullText(patch.Slip.ExternalPaymentID))
		add("ticket_url", nullText(patch.Slip.TicketURL))
		add("qr_code", nullText(patch.Slip.QRCode))
		add("qr_code_base64", nullText(patch.Slip.QRCodeBase64))
		add("slip_issued_at", nullTime(patch.Slip.IssuedAt))
	}
	sets = append(sets, "updated_at = NOW()")

	query := `UPDATE installments SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + selectColumns
	inst, err := scanOne(r.pool.QueryRow(ctx, query, args...))
	if err != nil && shared.IsUniqueViolation(err) {
		return nil, fmt.Errorf("ledger: external payment id already linked: %w", shared.ErrDuplicate)
	}
	return inst, err
}

// AssignDocumentNumber sets the billing code only when none is stored yet.
func (r *Repository) AssignDocumentNumber(ctx context.Context, id, code string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE installments SET document_number = $2, updated_at = NOW()
			WHERE id = $1 AND document_number IS NULL`, id, code)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM installments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrDocumentNumberAssigned
	}, db.ReadCommitted())
}

// Delete removes an installment.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM installments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOne(row pgx.Row) (*Installment, error) {
	inst, err := scanInstallment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

func scanInstallment(row pgx.Row) (*Installment, error) {
	var inst Installment
	var month int
	var value, status string
	var docNumber, barcode, digitable, externalID, ticketURL, qrCode, qrCodeB64 pgtype.Text
	var issuedAt, paidAt pgtype.Timestamptz

	err := row.Scan(
		&inst.ID, &inst.StudentID, &inst.Reference.Year, &month, &value, &inst.DueDate, &status,
		&docNumber, &inst.Description,
		&barcode, &digitable, &externalID, &ticketURL, &qrCode, &qrCodeB64, &issuedAt,
		&paidAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Reference.Month = time.Month(month)
	inst.Status = Status(status)
	inst.Value, err = decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("ledger: stored value %q: %w", value, err)
	}
	inst.DocumentNumber = docNumber.String
	inst.Slip = Slip{
		Barcode:           barcode.String,
		DigitableLine:     digitable.String,
		ExternalPaymentID: externalID.String,
		TicketURL:         ticketURL.String,
		QRCode:            qrCode.String,
		QRCodeBase64:      qrCodeB64.String,
	}
	if issuedAt.Valid {
		inst.Slip.IssuedAt = &issuedAt.Time
	}
	if paidAt.Valid {
		inst.PaidAt = &paidAt.Time
	}
	return &inst, nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
