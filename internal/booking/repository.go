package booking

import (
	"context"

	"github.com/google/uuid"
)

// Queries contains all DB interactions needed by the service. Store
// implementations return the package's not-found sentinels for missing rows
// and ErrSlotTaken when the active-slot unique index rejects a write.
type Queries interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	// GetPatientForUpdate locks the patient row until the transaction ends.
	GetPatientForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetInsurancePlan(ctx context.Context, id uuid.UUID) (*InsurancePlan, error)
	ProviderAcceptsPlan(ctx context.Context, providerID, planID uuid.UUID) (bool, error)

	// Availability
	GetRule(ctx context.Context, id uuid.UUID) (*AvailabilityRule, error)
	ListRules(ctx context.Context, providerID uuid.UUID) ([]AvailabilityRule, error)
	ListActiveRules(ctx context.Context, providerID uuid.UUID, weekday int) ([]AvailabilityRule, error)
	InsertRule(ctx context.Context, r *AvailabilityRule) error
	UpdateRule(ctx context.Context, r *AvailabilityRule) error

	// Blackouts
	GetBlackout(ctx context.Context, id uuid.UUID) (*Blackout, error)
	ListBlackouts(ctx context.Context, providerID uuid.UUID, from, to Date) ([]Blackout, error)
	InsertBlackout(ctx context.Context, b *Blackout) error
	DeleteBlackout(ctx context.Context, id uuid.UUID) error

	// Ledger
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListActiveAppointmentsOn(ctx context.Context, providerID uuid.UUID, date Date) ([]Appointment, error)
	CountActiveFutureAppointments(ctx context.Context, patientID uuid.UUID, today Date, now TimeOfDay) (int, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	// UpdateAppointment writes the mutable columns of a, but only while the
	// stored status is still active. It returns ErrAppointmentNotFound when no
	// active row matched.
	UpdateAppointment(ctx context.Context, a *Appointment) error

	// Patient policy state
	ResetNoShows(ctx context.Context, patientID uuid.UUID) error
	// RecordNoShow increments the counter and sets blocked once it reaches
	// limit, in one statement. It returns the patient after the update.
	RecordNoShow(ctx context.Context, patientID uuid.UUID, limit int) (*Patient, error)
	Unblock(ctx context.Context, patientID uuid.UUID) error

	// LockProvider serialises writers touching one part of a provider's
	// calendar (a date, or a weekday's rules) until the transaction ends.
	LockProvider(ctx context.Context, providerID uuid.UUID, scope string) error

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store is a Queries that can run a function inside a single transaction.
// fn must only use the Queries it is given.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Registry writes the reference rows the booking core reads but does not
// own. Profiles are managed elsewhere; seeding and tests use this.
type Registry interface {
	UpsertProvider(ctx context.Context, p *Provider) error
	UpsertPatient(ctx context.Context, p *Patient) error
	UpsertInsurancePlan(ctx context.Context, p *InsurancePlan) error
	AcceptPlan(ctx context.Context, providerID, planID uuid.UUID) error
}
