package billing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tuition-ledger/internal/money"
	"github.com/odyssey-erp/tuition-ledger/internal/slip"
	"github.com/odyssey-erp/tuition-ledger/internal/tuition"
)

// StudentSnapshot is the billing view of a student record.
type StudentSnapshot struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Unit    string          `json:"unit"`
	Blocked bool            `json:"blocked"`
	Tuition tuition.Profile `json:"tuition"`
	Payer   slip.Payer      `json:"payer"`
}

// Directory reads student billing data owned by the enrollment side of the system.
type Directory interface {
	Profile(ctx context.Context, studentID string) (*StudentSnapshot, error)
	Roster(ctx context.Context, unit string) ([]StudentSnapshot, error)
	SaveTuition(ctx context.Context, studentID string, profile tuition.Profile) error
}

// PostgresDirectory reads the students table.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory constructs the directory.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

var _ Directory = (*PostgresDirectory)(nil)

const studentColumns = `
	id, name, unit, blocked,
	base_tuition::text, discount_percent::text, final_tuition::text, scholarship, tuition_last_edited,
	payer_email, payer_first_name, payer_last_name, payer_tax_id,
	zip_code, street_name, street_number, neighborhood, city, state`

// Profile returns one student's snapshot.
func (d *PostgresDirectory) Profile(ctx context.Context, studentID string) (*StudentSnapshot, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, studentID)
	snap, err := scanStudent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Roster lists every student of a unit ordered by name, blocked ones included.
func (d *PostgresDirectory) Roster(ctx context.Context, unit string) ([]StudentSnapshot, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+studentColumns+` FROM students WHERE unit = $1 ORDER BY name, id`, unit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StudentSnapshot
	for rows.Next() {
		snap, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// SaveTuition persists the calculator state for a student.
func (d *PostgresDirectory) SaveTuition(ctx context.Context, studentID string, p tuition.Profile) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE students
		SET base_tuition = $2::numeric, discount_percent = $3::numeric, final_tuition = $4::numeric,
		    scholarship = $5, tuition_last_edited = $6, updated_at = NOW()
		WHERE id = $1`,
		studentID, p.Base.String(), p.Discount.String(), p.Final.String(), p.Scholarship, string(p.LastEdited))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStudentNotFound
	}
	return nil
}

func scanStudent(row pgx.Row) (*StudentSnapshot, error) {
	var (
		snap                            StudentSnapshot
		base, discount, final           pgtype.Text
		lastEdited                      pgtype.Text
		email, first, last, taxID       pgtype.Text
		zip, street, number, hood, city pgtype.Text
		state                           pgtype.Text
	)
	if err := row.Scan(
		&snap.ID, &snap.Name, &snap.Unit, &snap.Blocked,
		&base, &discount, &final, &snap.Tuition.Scholarship, &lastEdited,
		&email, &first, &last, &taxID,
		&zip, &street, &number, &hood, &city, &state,
	); err != nil {
		return nil, err
	}
	snap.Tuition.Base = decimalOrZero(base)
	snap.Tuition.Discount = decimalOrZero(discount)
	snap.Tuition.Final = decimalOrZero(final)
	snap.Tuition.LastEdited = tuition.Field(lastEdited.String)
	snap.Payer = slip.Payer{
		Email:     email.String,
		FirstName: first.String,
		LastName:  last.String,
		TaxID:     taxID.String,
		Address: slip.Address{
			ZipCode:      zip.String,
			StreetName:   street.String,
			StreetNumber: number.String,
			Neighborhood: hood.String,
			City:         city.String,
			State:        state.String,
		},
	}
	return &snap, nil
}

func decimalOrZero(t pgtype.Text) decimal.Decimal {
	if !t.Valid {
		return decimal.Zero
	}
	return money.Normalize(t.String)
}
