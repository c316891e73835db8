package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// SQLiteSchema mirrors PostgresSchema. Dates are stored as YYYY-MM-DD text,
// times of day as HH:MM text and instants as RFC 3339 text, so string
// comparison orders them correctly.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS providers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS patients (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	active               BOOLEAN NOT NULL DEFAULT TRUE,
	blocked              BOOLEAN NOT NULL DEFAULT FALSE,
	consecutive_no_shows INTEGER NOT NULL DEFAULT 0,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS insurance_plans (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	accepted_by_all BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS provider_insurance_plans (
	provider_id TEXT NOT NULL REFERENCES providers(id),
	plan_id     TEXT NOT NULL REFERENCES insurance_plans(id),
	PRIMARY KEY (provider_id, plan_id)
);

CREATE TABLE IF NOT EXISTS availability_rules (
	id               TEXT PRIMARY KEY,
	provider_id      TEXT NOT NULL REFERENCES providers(id),
	weekday          INTEGER NOT NULL CHECK (weekday BETWEEN 0 AND 6),
	start_time       TEXT NOT NULL,
	end_time         TEXT NOT NULL,
	duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	CHECK (end_time > start_time)
);
CREATE INDEX IF NOT EXISTS availability_rules_provider_weekday
	ON availability_rules (provider_id, weekday) WHERE active;

CREATE TABLE IF NOT EXISTS blackouts (
	id          TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL REFERENCES providers(id),
	day         TEXT NOT NULL,
	start_time  TEXT NOT NULL,
	end_time    TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	CHECK (end_time > start_time)
);
CREATE INDEX IF NOT EXISTS blackouts_provider_day ON blackouts (provider_id, day);

CREATE TABLE IF NOT EXISTS appointments (
	id                  TEXT PRIMARY KEY,
	patient_id          TEXT NOT NULL REFERENCES patients(id),
	provider_id         TEXT NOT NULL REFERENCES providers(id),
	appt_date           TEXT NOT NULL,
	appt_time           TEXT NOT NULL,
	status              TEXT NOT NULL CHECK (status IN ('scheduled', 'rescheduled', 'realized', 'cancelled', 'no_show')),
	self_pay            BOOLEAN NOT NULL,
	insurance_plan_id   TEXT REFERENCES insurance_plans(id),
	cancellation_reason TEXT,
	clinical_note       TEXT,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS appointments_active_slot
	ON appointments (provider_id, appt_date, appt_time)
	WHERE status IN ('scheduled', 'rescheduled');
CREATE INDEX IF NOT EXISTS appointments_patient ON appointments (patient_id, appt_date);

CREATE TABLE IF NOT EXISTS event_logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type     TEXT NOT NULL,
	appointment_id TEXT REFERENCES appointments(id),
	payload        TEXT,
	created_at     TEXT NOT NULL
);
`

type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQueries struct {
	db sqlConn
}

// SQLiteStore is the embedded Store used for development and tests. It holds
// a single connection, so transactions are fully serialised.
type SQLiteStore struct {
	sqliteQueries
	db *sql.DB
}

// NewSQLiteStore opens path (":memory:" for a private in-memory database)
// and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{sqliteQueries: sqliteQueries{db: db}, db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&sqliteQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteDialect struct{}

func (sqliteDialect) Placeholder(int) string    { return "?" }
func (sqliteDialect) DateValue(d Date) any      { return d.String() }
func (sqliteDialect) TimeValue(t TimeOfDay) any { return t.String() }

func isSQLiteUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse instant %q: %w", s, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteScanPatient(row rowScanner) (*Patient, error) {
	var p Patient
	var created, updated string
	err := row.Scan(&p.ID, &p.Name, &p.Active, &p.Blocked, &p.ConsecutiveNoShows, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	if p.CreatedAt, err = parseInstant(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseInstant(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func sqliteScanRule(row rowScanner) (*AvailabilityRule, error) {
	var r AvailabilityRule
	var weekday int
	var start, end, created, updated string
	err := row.Scan(&r.ID, &r.ProviderID, &weekday, &start, &end, &r.DurationMinutes, &r.Active, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	r.Weekday = time.Weekday(weekday)
	if r.Start, err = ParseTimeOfDay(start); err != nil {
		return nil, err
	}
	if r.End, err = ParseTimeOfDay(end); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseInstant(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseInstant(updated); err != nil {
		return nil, err
	}
	return &r, nil
}

func sqliteScanBlackout(row rowScanner) (*Blackout, error) {
	var b Blackout
	var day, start, end, created string
	err := row.Scan(&b.ID, &b.ProviderID, &day, &start, &end, &b.Reason, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBlackoutNotFound
		}
		return nil, err
	}
	if b.Date, err = ParseDate(day); err != nil {
		return nil, err
	}
	if b.Start, err = ParseTimeOfDay(start); err != nil {
		return nil, err
	}
	if b.End, err = ParseTimeOfDay(end); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseInstant(created); err != nil {
		return nil, err
	}
	return &b, nil
}

func sqliteScanAppointment(row rowScanner) (*Appointment, error) {
	var a Appointment
	var day, at, status, created, updated string
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
		&created,
		&updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a.Status = Status(status)
	if a.Date, err = ParseDate(day); err != nil {
		return nil, err
	}
	if a.Time, err = ParseTimeOfDay(at); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseInstant(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseInstant(updated); err != nil {
		return nil, err
	}
	return &a, nil
}

func sqliteCollect[T any](rows *sql.Rows, scan func(rowScanner) (*T, error)) ([]T, error) {
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

func (q *sqliteQueries) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id)
	return sqliteScanPatient(row)
}

// GetPatientForUpdate is a plain read: the immediate transaction already
// holds the database write lock.
func (q *sqliteQueries) GetPatientForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return q.GetPatient(ctx, id)
}

func (q *sqliteQueries) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	var created, updated string
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, active, created_at, updated_at
		FROM providers
		WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Active, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	if p.CreatedAt, err = parseInstant(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseInstant(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *sqliteQueries) GetInsurancePlan(ctx context.Context, id uuid.UUID) (*InsurancePlan, error) {
	var p InsurancePlan
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, active, accepted_by_all
		FROM insurance_plans
		WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Active, &p.AcceptedByAll)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInsurancePlanNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (q *sqliteQueries) ProviderAcceptsPlan(ctx context.Context, providerID, planID uuid.UUID) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM provider_insurance_plans WHERE provider_id = ? AND plan_id = ?
	`, providerID, planID).Scan(&n)
	return n > 0, err
}

func (q *sqliteQueries) GetRule(ctx context.Context, id uuid.UUID) (*AvailabilityRule, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM availability_rules WHERE id = ?`, id)
	return sqliteScanRule(row)
}

func (q *sqliteQueries) ListRules(ctx context.Context, providerID uuid.UUID) ([]AvailabilityRule, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE provider_id = ?
		ORDER BY weekday, start_time
	`, providerID)
	if err != nil {
		return nil, err
	}
	return sqliteCollect(rows, sqliteScanRule)
}

func (q *sqliteQueries) ListActiveRules(ctx context.Context, providerID uuid.UUID, weekday int) ([]AvailabilityRule, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE provider_id = ? AND weekday = ? AND active
		ORDER BY start_time
	`, providerID, weekday)
	if err != nil {
		return nil, err
	}
	return sqliteCollect(rows, sqliteScanRule)
}

func (q *sqliteQueries) InsertRule(ctx context.Context, r *AvailabilityRule) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO availability_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ProviderID, int(r.Weekday), r.Start.String(), r.End.String(), r.DurationMinutes, r.Active,
		formatInstant(r.CreatedAt), formatInstant(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert availability rule: %w", err)
	}
	return nil
}

func (q *sqliteQueries) UpdateRule(ctx context.Context, r *AvailabilityRule) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE availability_rules
		SET weekday = ?, start_time = ?, end_time = ?, duration_minutes = ?, active = ?, updated_at = ?
		WHERE id = ?
	`, int(r.Weekday), r.Start.String(), r.End.String(), r.DurationMinutes, r.Active, formatInstant(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update availability rule: %w", err)
	}
	return requireAffected(res, ErrRuleNotFound)
}

func (q *sqliteQueries) GetBlackout(ctx context.Context, id uuid.UUID) (*Blackout, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+blackoutColumns+` FROM blackouts WHERE id = ?`, id)
	return sqliteScanBlackout(row)
}

func (q *sqliteQueries) ListBlackouts(ctx context.Context, providerID uuid.UUID, from, to Date) ([]Blackout, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+blackoutColumns+`
		FROM blackouts
		WHERE provider_id = ? AND day BETWEEN ? AND ?
		ORDER BY day, start_time
	`, providerID, from.String(), to.String())
	if err != nil {
		return nil, err
	}
	return sqliteCollect(rows, sqliteScanBlackout)
}

func (q *sqliteQueries) InsertBlackout(ctx context.Context, b *Blackout) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO blackouts (`+blackoutColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.ProviderID, b.Date.String(), b.Start.String(), b.End.String(), b.Reason, formatInstant(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert blackout: %w", err)
	}
	return nil
}

func (q *sqliteQueries) DeleteBlackout(ctx context.Context, id uuid.UUID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM blackouts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete blackout: %w", err)
	}
	return requireAffected(res, ErrBlackoutNotFound)
}

func (q *sqliteQueries) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	return sqliteScanAppointment(row)
}

func (q *sqliteQueries) ListActiveAppointmentsOn(ctx context.Context, providerID uuid.UUID, date Date) ([]Appointment, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = ? AND appt_date = ? AND status IN ('scheduled', 'rescheduled')
		ORDER BY appt_time
	`, providerID, date.String())
	if err != nil {
		return nil, err
	}
	return sqliteCollect(rows, sqliteScanAppointment)
}

func (q *sqliteQueries) CountActiveFutureAppointments(ctx context.Context, patientID uuid.UUID, today Date, now TimeOfDay) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE patient_id = ?
		  AND status IN ('scheduled', 'rescheduled')
		  AND (appt_date > ? OR (appt_date = ? AND appt_time > ?))
	`, patientID, today.String(), today.String(), now.String()).Scan(&n)
	return n, err
}

func (q *sqliteQueries) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	clause, args := f.Build(sqliteDialect{})
	rows, err := q.db.QueryContext(ctx, `SELECT `+appointmentColumns+` FROM appointments `+clause, args...)
	if err != nil {
		return nil, err
	}
	return sqliteCollect(rows, sqliteScanAppointment)
}

func (q *sqliteQueries) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.PatientID, a.ProviderID, a.Date.String(), a.Time.String(), string(a.Status),
		a.Payer.SelfPay, a.Payer.InsurancePlanID, a.CancellationReason, a.ClinicalNote,
		formatInstant(a.CreatedAt), formatInstant(a.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (q *sqliteQueries) UpdateAppointment(ctx context.Context, a *Appointment) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE appointments
		SET appt_date = ?, appt_time = ?, status = ?, cancellation_reason = ?, clinical_note = ?, updated_at = ?
		WHERE id = ? AND status IN ('scheduled', 'rescheduled')
	`, a.Date.String(), a.Time.String(), string(a.Status), a.CancellationReason, a.ClinicalNote,
		formatInstant(a.UpdatedAt), a.ID)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("update appointment: %w", err)
	}
	return requireAffected(res, ErrAppointmentNotFound)
}

func (q *sqliteQueries) ResetNoShows(ctx context.Context, patientID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE patients SET consecutive_no_shows = 0, updated_at = ? WHERE id = ?
	`, formatInstant(time.Now()), patientID)
	if err != nil {
		return fmt.Errorf("reset no-shows: %w", err)
	}
	return nil
}

func (q *sqliteQueries) RecordNoShow(ctx context.Context, patientID uuid.UUID, limit int) (*Patient, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE patients
		SET consecutive_no_shows = consecutive_no_shows + 1,
		    blocked = (blocked OR consecutive_no_shows + 1 >= ?),
		    updated_at = ?
		WHERE id = ?
	`, limit, formatInstant(time.Now()), patientID)
	if err != nil {
		return nil, fmt.Errorf("record no-show: %w", err)
	}
	if err := requireAffected(res, ErrPatientNotFound); err != nil {
		return nil, err
	}
	return q.GetPatient(ctx, patientID)
}

func (q *sqliteQueries) Unblock(ctx context.Context, patientID uuid.UUID) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE patients SET blocked = FALSE, consecutive_no_shows = 0, updated_at = ? WHERE id = ?
	`, formatInstant(time.Now()), patientID)
	if err != nil {
		return fmt.Errorf("unblock patient: %w", err)
	}
	return requireAffected(res, ErrPatientNotFound)
}

// LockProvider is a no-op: every SQLite transaction already holds the
// database write lock from BEGIN IMMEDIATE.
func (q *sqliteQueries) LockProvider(context.Context, uuid.UUID, string) error {
	return nil
}

func (q *sqliteQueries) InsertEvent(ctx context.Context, ev EventLog) error {
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var payload *string
	if ev.Payload != nil {
		s := string(ev.Payload)
		payload = &s
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, ev.EventType, ev.AppointmentID, payload, formatInstant(created))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// ListEvents returns the event log of one appointment, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]EventLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, appointment_id, payload, created_at
		FROM event_logs
		WHERE appointment_id = ?
		ORDER BY id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventLog
	for rows.Next() {
		var ev EventLog
		var payload sql.NullString
		var created string
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AppointmentID, &payload, &created); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		if ev.CreatedAt, err = parseInstant(created); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Registry

func (s *SQLiteStore) UpsertProvider(ctx context.Context, p *Provider) error {
	now := formatInstant(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, active = excluded.active, updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Active, now, now)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertPatient(ctx context.Context, p *Patient) error {
	now := formatInstant(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, active, blocked, consecutive_no_shows, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, active = excluded.active, updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Active, p.Blocked, p.ConsecutiveNoShows, now, now)
	if err != nil {
		return fmt.Errorf("upsert patient: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertInsurancePlan(ctx context.Context, p *InsurancePlan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO insurance_plans (id, name, active, accepted_by_all)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, active = excluded.active, accepted_by_all = excluded.accepted_by_all
	`, p.ID, p.Name, p.Active, p.AcceptedByAll)
	if err != nil {
		return fmt.Errorf("upsert insurance plan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AcceptPlan(ctx context.Context, providerID, planID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO provider_insurance_plans (provider_id, plan_id) VALUES (?, ?)
	`, providerID, planID)
	if err != nil {
		return fmt.Errorf("accept plan: %w", err)
	}
	return nil
}
