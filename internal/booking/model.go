package booking

import (
	"time"

	"github.com/google/uuid"
)

type Provider struct {
	ID        uuid.UUID
	Name      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID                 uuid.UUID
	Name               string
	Active             bool
	Blocked            bool
	ConsecutiveNoShows int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// InsurancePlan is a payer other than the patient. AcceptedByAll marks plans
// every provider takes without an explicit acceptance row.
type InsurancePlan struct {
	ID            uuid.UUID
	Name          string
	Active        bool
	AcceptedByAll bool
}

// Payer is either self-pay or a single insurance plan, never both.
type Payer struct {
	SelfPay         bool       `json:"self_pay"`
	InsurancePlanID *uuid.UUID `json:"insurance_plan_id,omitempty"`
}

func SelfPay() Payer { return Payer{SelfPay: true} }

func Insurance(planID uuid.UUID) Payer {
	return Payer{InsurancePlanID: &planID}
}

func (p Payer) Validate() error {
	switch {
	case p.SelfPay && p.InsurancePlanID != nil:
		return NewValidationError("invalid_payer", "payer must be self-pay or an insurance plan, not both")
	case !p.SelfPay && p.InsurancePlanID == nil:
		return NewValidationError("invalid_payer", "payer must be self-pay or name an insurance plan")
	case p.InsurancePlanID != nil && *p.InsurancePlanID == uuid.Nil:
		return NewValidationError("invalid_payer", "insurance plan id is required")
	}
	return nil
}

type AvailabilityRule struct {
	ID              uuid.UUID
	ProviderID      uuid.UUID
	Weekday         time.Weekday
	Start           TimeOfDay
	End             TimeOfDay
	DurationMinutes int
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Overlaps reports whether the two rules share a minute on the same weekday.
func (r AvailabilityRule) Overlaps(o AvailabilityRule) bool {
	return r.Weekday == o.Weekday && r.Start < o.End && o.Start < r.End
}

type Blackout struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Date       Date
	Start      TimeOfDay
	End        TimeOfDay
	Reason     string
	CreatedAt  time.Time
}

// Covers uses half-open containment: start <= t < end.
func (b Blackout) Covers(t TimeOfDay) bool {
	return t >= b.Start && t < b.End
}

type Appointment struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	ProviderID         uuid.UUID
	Date               Date
	Time               TimeOfDay
	Status             Status
	Payer              Payer
	CancellationReason *string
	ClinicalNote       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StartsAt returns the appointment start as an instant in loc.
func (a Appointment) StartsAt(loc *time.Location) time.Time {
	return At(a.Date, a.Time, loc)
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// NoShowOutcome is what MarkNoShow reports about the patient after the update.
type NoShowOutcome struct {
	Appointment        *Appointment
	ConsecutiveNoShows int
	PatientBlocked     bool
}

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleProvider, RoleAdmin:
		return true
	}
	return false
}

// Actor is the already authenticated caller of an operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

func PatientActor(id uuid.UUID) Actor  { return Actor{ID: id, Role: RolePatient} }
func ProviderActor(id uuid.UUID) Actor { return Actor{ID: id, Role: RoleProvider} }
func AdminActor(id uuid.UUID) Actor    { return Actor{ID: id, Role: RoleAdmin} }

// canSee reports whether a falls inside the actor's scope.
func (act Actor) canSee(a *Appointment) bool {
	switch act.Role {
	case RoleAdmin:
		return true
	case RolePatient:
		return a.PatientID == act.ID
	case RoleProvider:
		return a.ProviderID == act.ID
	}
	return false
}
