package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgExclusionViolation  = "23P01"
	pgForeignKeyViolation = "23503"
)

var appointmentColumns = []any{
	"id", "patient_id", "provider_id", "start_time", "end_time",
	"reason", "category", "status", "cancelled_by", "created_at", "updated_at",
}

const appointmentSelect = `
	SELECT id, patient_id, provider_id, start_time, end_time,
	       reason, category, status, cancelled_by, created_at, updated_at
	FROM appointments`

type PgRepository struct {
	pool    *pgxpool.Pool
	dialect goqu.DialectWrapper
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, dialect: goqu.Dialect("postgres")}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var cancelledBy *uuid.UUID

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.Range.Start,
		&a.Range.End,
		&a.Reason,
		&a.Category,
		&a.Status,
		&cancelledBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.CancelledBy = cancelledBy
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgExclusionViolation:
			return ErrDoubleBooked
		case pgForeignKeyViolation:
			return ErrProviderNotFound
		}
	}
	return err
}

// Providers

func (r *PgRepository) CreateProvider(ctx context.Context, p *Provider) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO providers (id, name, category, slot_minutes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Name, p.Category, int(p.SlotDuration/time.Minute), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}
	return nil
}

func (r *PgRepository) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	var slotMinutes int

	err := r.pool.QueryRow(ctx, `
		SELECT id, name, category, slot_minutes, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &slotMinutes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	p.SlotDuration = time.Duration(slotMinutes) * time.Minute

	rows, err := r.pool.Query(ctx, `
		SELECT weekday, start_minute, end_minute
		FROM availability_windows
		WHERE provider_id = $1
		ORDER BY weekday, start_minute
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load windows: %w", err)
	}
	p.Windows, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Window, error) {
		var day, start, end int
		if err := row.Scan(&day, &start, &end); err != nil {
			return Window{}, err
		}
		return Window{Day: time.Weekday(day), Start: ClockTime(start), End: ClockTime(end)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan windows: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
		SELECT id, provider_id, start_time, end_time, reason, created_at
		FROM blackouts
		WHERE provider_id = $1
		ORDER BY start_time
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load blackouts: %w", err)
	}
	p.Blackouts, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Blackout, error) {
		var b Blackout
		err := row.Scan(&b.ID, &b.ProviderID, &b.Range.Start, &b.Range.End, &b.Reason, &b.CreatedAt)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan blackouts: %w", err)
	}

	return &p, nil
}

// ReplaceWindows swaps the weekly template in one transaction.
func (r *PgRepository) ReplaceWindows(ctx context.Context, providerID uuid.UUID, windows []Window) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE providers SET updated_at = now() WHERE id = $1`, providerID)
	if err != nil {
		return fmt.Errorf("touch provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM availability_windows WHERE provider_id = $1`, providerID); err != nil {
		return fmt.Errorf("delete windows: %w", err)
	}

	rows := make([][]any, 0, len(windows))
	for _, w := range windows {
		rows = append(rows, []any{providerID, int(w.Day), int(w.Start), int(w.End)})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"availability_windows"},
		[]string{"provider_id", "weekday", "start_minute", "end_minute"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy windows: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) InsertBlackout(ctx context.Context, b *Blackout) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO blackouts (id, provider_id, start_time, end_time, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, b.ID, b.ProviderID, b.Range.Start, b.Range.End, b.Reason, b.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

// Appointments

func (r *PgRepository) ListActiveAppointments(ctx context.Context, providerID uuid.UUID, within Range) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, appointmentSelect+`
		WHERE provider_id = $1
		  AND status IN ('requested', 'confirmed')
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, providerID, within.Start, within.End)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, appointmentSelect+`
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, provider_id, start_time, end_time,
		                          reason, category, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.PatientID, a.ProviderID, a.Range.Start, a.Range.End,
		a.Reason, a.Category, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (r *PgRepository) SaveAppointment(ctx context.Context, a *Appointment) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET start_time = $2,
		    end_time = $3,
		    reason = $4,
		    category = $5,
		    updated_at = $6
		WHERE id = $1
		  AND status IN ('requested', 'confirmed')
	`, a.ID, a.Range.Start, a.Range.End, a.Reason, a.Category, a.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = r.pool.QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1`, a.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAppointmentNotFound
	}
	if err != nil {
		return err
	}
	return ErrAppointmentClosed
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, c StatusChange) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancelled_by = COALESCE($4, cancelled_by),
		    updated_at = $7
		WHERE id = $1
		  AND status = $3
		  AND start_time = $5
		  AND end_time = $6
		RETURNING id, patient_id, provider_id, start_time, end_time,
		          reason, category, status, cancelled_by, created_at, updated_at
	`, c.ID, c.To, c.From, c.CancelledBy, c.Range.Start, c.Range.End, c.At)

	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f Filter) ([]Appointment, error) {
	query, args, err := r.listQuery(f)
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// listQuery builds the WHERE clause from the set filter fields.
func (r *PgRepository) listQuery(f Filter) (string, []any, error) {
	ds := r.dialect.From("appointments").
		Select(appointmentColumns...).
		Order(goqu.C("start_time").Asc(), goqu.C("created_at").Asc())

	if f.ProviderID != nil {
		ds = ds.Where(goqu.C("provider_id").Eq(f.ProviderID.String()))
	}
	if f.PatientID != nil {
		ds = ds.Where(goqu.C("patient_id").Eq(f.PatientID.String()))
	}
	if f.Category != nil {
		ds = ds.Where(goqu.C("category").Eq(string(*f.Category)))
	}
	if f.Status != nil {
		ds = ds.Where(goqu.C("status").Eq(string(*f.Status)))
	}
	if f.Range != nil {
		ds = ds.Where(
			goqu.C("start_time").Lt(f.Range.End),
			goqu.C("end_time").Gt(f.Range.Start),
		)
	}

	return ds.Prepared(true).ToSQL()
}

func (r *PgRepository) FindStaleRequested(ctx context.Context, createdBefore time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, appointmentSelect+`
		WHERE status = 'requested'
		  AND created_at < $1
		ORDER BY start_time
	`, createdBefore)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
