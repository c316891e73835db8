package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the booking tables. Statements are idempotent.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS providers (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS patients (
	id                   UUID PRIMARY KEY,
	name                 TEXT NOT NULL,
	active               BOOLEAN NOT NULL DEFAULT TRUE,
	blocked              BOOLEAN NOT NULL DEFAULT FALSE,
	consecutive_no_shows INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS insurance_plans (
	id              UUID PRIMARY KEY,
	name            TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	accepted_by_all BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS provider_insurance_plans (
	provider_id UUID NOT NULL REFERENCES providers(id),
	plan_id     UUID NOT NULL REFERENCES insurance_plans(id),
	PRIMARY KEY (provider_id, plan_id)
);

CREATE TABLE IF NOT EXISTS availability_rules (
	id               UUID PRIMARY KEY,
	provider_id      UUID NOT NULL REFERENCES providers(id),
	weekday          SMALLINT NOT NULL CHECK (weekday BETWEEN 0 AND 6),
	start_time       TIME NOT NULL,
	end_time         TIME NOT NULL,
	duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (end_time > start_time)
);
CREATE INDEX IF NOT EXISTS availability_rules_provider_weekday
	ON availability_rules (provider_id, weekday) WHERE active;

CREATE TABLE IF NOT EXISTS blackouts (
	id          UUID PRIMARY KEY,
	provider_id UUID NOT NULL REFERENCES providers(id),
	day         DATE NOT NULL,
	start_time  TIME NOT NULL,
	end_time    TIME NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (end_time > start_time)
);
CREATE INDEX IF NOT EXISTS blackouts_provider_day ON blackouts (provider_id, day);

CREATE TABLE IF NOT EXISTS appointments (
	id                  UUID PRIMARY KEY,
	patient_id          UUID NOT NULL REFERENCES patients(id),
	provider_id         UUID NOT NULL REFERENCES providers(id),
	appt_date           DATE NOT NULL,
	appt_time           TIME NOT NULL,
	status              TEXT NOT NULL CHECK (status IN ('scheduled', 'rescheduled', 'realized', 'cancelled', 'no_show')),
	self_pay            BOOLEAN NOT NULL,
	insurance_plan_id   UUID REFERENCES insurance_plans(id),
	cancellation_reason TEXT,
	clinical_note       TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS appointments_active_slot
	ON appointments (provider_id, appt_date, appt_time)
	WHERE status IN ('scheduled', 'rescheduled');
CREATE INDEX IF NOT EXISTS appointments_patient ON appointments (patient_id, appt_date);

CREATE TABLE IF NOT EXISTS event_logs (
	id             BIGSERIAL PRIMARY KEY,
	event_type     TEXT NOT NULL,
	appointment_id UUID REFERENCES appointments(id),
	payload        JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const pgUniqueViolation = "23505"

type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	db pgConn
}

// PgStore is the Postgres Store, backed by a pgx pool.
type PgStore struct {
	pgQueries
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pgQueries: pgQueries{db: pool}, pool: pool}
}

func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (s *PgStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isPgUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

// pgDialect renders AppointmentFilter queries for Postgres.
type pgDialect struct{}

func (pgDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (pgDialect) DateValue(d Date) any      { return d.In(time.UTC) }
func (pgDialect) TimeValue(t TimeOfDay) any { return pgTime(t) }

func pgTime(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * int64(time.Minute/time.Microsecond), Valid: true}
}

func fromPgTime(t pgtype.Time) TimeOfDay {
	return TimeOfDay(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Helpers

const (
	patientColumns     = `id, name, active, blocked, consecutive_no_shows, created_at, updated_at`
	ruleColumns        = `id, provider_id, weekday, start_time, end_time, duration_minutes, active, created_at, updated_at`
	blackoutColumns    = `id, provider_id, day, start_time, end_time, reason, created_at`
	appointmentColumns = `id, patient_id, provider_id, appt_date, appt_time, status, self_pay, insurance_plan_id,
		cancellation_reason, clinical_note, created_at, updated_at`
)

func pgScanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Active, &p.Blocked, &p.ConsecutiveNoShows, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func pgScanRule(row pgx.Row) (*AvailabilityRule, error) {
	var r AvailabilityRule
	var weekday int16
	var start, end pgtype.Time
	err := row.Scan(&r.ID, &r.ProviderID, &weekday, &start, &end, &r.DurationMinutes, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	r.Weekday = time.Weekday(weekday)
	r.Start, r.End = fromPgTime(start), fromPgTime(end)
	return &r, nil
}

func pgScanBlackout(row pgx.Row) (*Blackout, error) {
	var b Blackout
	var day time.Time
	var start, end pgtype.Time
	err := row.Scan(&b.ID, &b.ProviderID, &day, &start, &end, &b.Reason, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBlackoutNotFound
		}
		return nil, err
	}
	b.Date = DateOf(day)
	b.Start, b.End = fromPgTime(start), fromPgTime(end)
	return &b, nil
}

func pgScanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var day time.Time
	var at pgtype.Time
	var status string
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&day,
		&at,
		&status,
		&a.Payer.SelfPay,
		&a.Payer.InsurancePlanID,
		&a.CancellationReason,
		&a.ClinicalNote,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a.Date = DateOf(day)
	a.Time = fromPgTime(at)
	a.Status = Status(status)
	return &a, nil
}

func pgCollect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Interface methods

func (q *pgQueries) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := q.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return pgScanPatient(row)
}

func (q *pgQueries) GetPatientForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := q.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1 FOR UPDATE`, id)
	return pgScanPatient(row)
}

func (q *pgQueries) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	err := q.db.QueryRow(ctx, `
		SELECT id, name, active, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (q *pgQueries) GetInsurancePlan(ctx context.Context, id uuid.UUID) (*InsurancePlan, error) {
	var p InsurancePlan
	err := q.db.QueryRow(ctx, `
		SELECT id, name, active, accepted_by_all
		FROM insurance_plans
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Active, &p.AcceptedByAll)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsurancePlanNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (q *pgQueries) ProviderAcceptsPlan(ctx context.Context, providerID, planID uuid.UUID) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM provider_insurance_plans WHERE provider_id = $1 AND plan_id = $2
		)
	`, providerID, planID).Scan(&ok)
	return ok, err
}

func (q *pgQueries) GetRule(ctx context.Context, id uuid.UUID) (*AvailabilityRule, error) {
	row := q.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM availability_rules WHERE id = $1`, id)
	return pgScanRule(row)
}

func (q *pgQueries) ListRules(ctx context.Context, providerID uuid.UUID) ([]AvailabilityRule, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE provider_id = $1
		ORDER BY weekday, start_time
	`, providerID)
	if err != nil {
		return nil, err
	}
	return pgCollect(rows, pgScanRule)
}

func (q *pgQueries) ListActiveRules(ctx context.Context, providerID uuid.UUID, weekday int) ([]AvailabilityRule, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE provider_id = $1 AND weekday = $2 AND active
		ORDER BY start_time
	`, providerID, weekday)
	if err != nil {
		return nil, err
	}
	return pgCollect(rows, pgScanRule)
}

func (q *pgQueries) InsertRule(ctx context.Context, r *AvailabilityRule) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO availability_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.ProviderID, int16(r.Weekday), pgTime(r.Start), pgTime(r.End), r.DurationMinutes, r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert availability rule: %w", err)
	}
	return nil
}

func (q *pgQueries) UpdateRule(ctx context.Context, r *AvailabilityRule) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE availability_rules
		SET weekday = $2, start_time = $3, end_time = $4, duration_minutes = $5, active = $6, updated_at = $7
		WHERE id = $1
	`, r.ID, int16(r.Weekday), pgTime(r.Start), pgTime(r.End), r.DurationMinutes, r.Active, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update availability rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (q *pgQueries) GetBlackout(ctx context.Context, id uuid.UUID) (*Blackout, error) {
	row := q.db.QueryRow(ctx, `SELECT `+blackoutColumns+` FROM blackouts WHERE id = $1`, id)
	return pgScanBlackout(row)
}

func (q *pgQueries) ListBlackouts(ctx context.Context, providerID uuid.UUID, from, to Date) ([]Blackout, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+blackoutColumns+`
		FROM blackouts
		WHERE provider_id = $1 AND day BETWEEN $2 AND $3
		ORDER BY day, start_time
	`, providerID, from.In(time.UTC), to.In(time.UTC))
	if err != nil {
		return nil, err
	}
	return pgCollect(rows, pgScanBlackout)
}

func (q *pgQueries) InsertBlackout(ctx context.Context, b *Blackout) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO blackouts (`+blackoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.ProviderID, b.Date.In(time.UTC), pgTime(b.Start), pgTime(b.End), b.Reason, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert blackout: %w", err)
	}
	return nil
}

func (q *pgQueries) DeleteBlackout(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM blackouts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete blackout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlackoutNotFound
	}
	return nil
}

func (q *pgQueries) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := q.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return pgScanAppointment(row)
}

func (q *pgQueries) ListActiveAppointmentsOn(ctx context.Context, providerID uuid.UUID, date Date) ([]Appointment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1 AND appt_date = $2 AND status IN ('scheduled', 'rescheduled')
		ORDER BY appt_time
	`, providerID, date.In(time.UTC))
	if err != nil {
		return nil, err
	}
	return pgCollect(rows, pgScanAppointment)
}

func (q *pgQueries) CountActiveFutureAppointments(ctx context.Context, patientID uuid.UUID, today Date, now TimeOfDay) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE patient_id = $1
		  AND status IN ('scheduled', 'rescheduled')
		  AND (appt_date > $2 OR (appt_date = $2 AND appt_time > $3))
	`, patientID, today.In(time.UTC), pgTime(now)).Scan(&n)
	return n, err
}

func (q *pgQueries) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	clause, args := f.Build(pgDialect{})
	rows, err := q.db.Query(ctx, `SELECT `+appointmentColumns+` FROM appointments `+clause, args...)
	if err != nil {
		return nil, err
	}
	return pgCollect(rows, pgScanAppointment)
}

func (q *pgQueries) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		a.ID, a.PatientID, a.ProviderID, a.Date.In(time.UTC), pgTime(a.Time), string(a.Status),
		a.Payer.SelfPay, a.Payer.InsurancePlanID, a.CancellationReason, a.ClinicalNote,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (q *pgQueries) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE appointments
		SET appt_date = $2, appt_time = $3, status = $4, cancellation_reason = $5, clinical_note = $6, updated_at = $7
		WHERE id = $1 AND status IN ('scheduled', 'rescheduled')
	`, a.ID, a.Date.In(time.UTC), pgTime(a.Time), string(a.Status), a.CancellationReason, a.ClinicalNote, a.UpdatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (q *pgQueries) ResetNoShows(ctx context.Context, patientID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE patients SET consecutive_no_shows = 0, updated_at = now() WHERE id = $1
	`, patientID)
	if err != nil {
		return fmt.Errorf("reset no-shows: %w", err)
	}
	return nil
}

func (q *pgQueries) RecordNoShow(ctx context.Context, patientID uuid.UUID, limit int) (*Patient, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE patients
		SET consecutive_no_shows = consecutive_no_shows + 1,
		    blocked = blocked OR consecutive_no_shows + 1 >= $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+patientColumns, patientID, limit)
	return pgScanPatient(row)
}

func (q *pgQueries) Unblock(ctx context.Context, patientID uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE patients SET blocked = FALSE, consecutive_no_shows = 0, updated_at = now() WHERE id = $1
	`, patientID)
	if err != nil {
		return fmt.Errorf("unblock patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

// LockProvider takes a transaction-scoped advisory lock keyed on the
// provider and scope. Outside a transaction it is released immediately.
func (q *pgQueries) LockProvider(ctx context.Context, providerID uuid.UUID, scope string) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, providerID.String()+":"+scope)
	if err != nil {
		return fmt.Errorf("lock provider %s: %w", scope, err)
	}
	return nil
}

func (q *pgQueries) InsertEvent(ctx context.Context, ev EventLog) error {
	var appID *uuid.UUID
	if ev.AppointmentID != nil {
		appID = ev.AppointmentID
	}

	_, err := q.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, appID, ev.Payload, nullableTime(ev.CreatedAt))
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

// Registry

func (s *PgStore) UpsertProvider(ctx context.Context, p *Provider) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO providers (id, name, active, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active, updated_at = now()
	`, p.ID, p.Name, p.Active)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

func (s *PgStore) UpsertPatient(ctx context.Context, p *Patient) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patients (id, name, active, blocked, consecutive_no_shows, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active, updated_at = now()
	`, p.ID, p.Name, p.Active, p.Blocked, p.ConsecutiveNoShows)
	if err != nil {
		return fmt.Errorf("upsert patient: %w", err)
	}
	return nil
}

func (s *PgStore) UpsertInsurancePlan(ctx context.Context, p *InsurancePlan) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO insurance_plans (id, name, active, accepted_by_all)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active, accepted_by_all = EXCLUDED.accepted_by_all
	`, p.ID, p.Name, p.Active, p.AcceptedByAll)
	if err != nil {
		return fmt.Errorf("upsert insurance plan: %w", err)
	}
	return nil
}

func (s *PgStore) AcceptPlan(ctx context.Context, providerID, planID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_insurance_plans (provider_id, plan_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, providerID, planID)
	if err != nil {
		return fmt.Errorf("accept plan: %w", err)
	}
	return nil
}
