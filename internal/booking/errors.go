package booking

import (
	"errors"
	"fmt"
)

// Kind groups errors by how callers are expected to react to them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindPolicy     Kind = "policy_violation"
	KindInternal   Kind = "internal"
)

// Error carries a stable machine readable Code and a human Message.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrPatientNotFound       = &Error{Kind: KindNotFound, Code: "patient_not_found", Message: "patient not found"}
	ErrProviderNotFound      = &Error{Kind: KindNotFound, Code: "provider_not_found", Message: "provider not found"}
	ErrAppointmentNotFound   = &Error{Kind: KindNotFound, Code: "appointment_not_found", Message: "appointment not found"}
	ErrInsurancePlanNotFound = &Error{Kind: KindNotFound, Code: "insurance_plan_not_found", Message: "insurance plan not found"}
	ErrRuleNotFound          = &Error{Kind: KindNotFound, Code: "availability_rule_not_found", Message: "availability rule not found"}
	ErrBlackoutNotFound      = &Error{Kind: KindNotFound, Code: "blackout_not_found", Message: "blackout not found"}

	ErrSlotTaken               = &Error{Kind: KindConflict, Code: "slot_taken", Message: "slot already has an active appointment"}
	ErrSlotBlocked             = &Error{Kind: KindConflict, Code: "slot_blocked", Message: "slot falls inside a provider blackout"}
	ErrSlotBeingBooked         = &Error{Kind: KindConflict, Code: "slot_being_booked", Message: "slot is currently being booked, please retry"}
	ErrRuleOverlap             = &Error{Kind: KindConflict, Code: "rule_overlap", Message: "availability overlaps an existing active rule"}
	ErrBlackoutOverlapsBooking = &Error{Kind: KindConflict, Code: "blackout_overlaps_booking", Message: "active appointments exist in this period, cancel them before blocking it"}

	ErrPatientBlocked      = &Error{Kind: KindPolicy, Code: "patient_blocked", Message: "patient is blocked after consecutive no-shows, contact the administration"}
	ErrBookingLimitReached = &Error{Kind: KindPolicy, Code: "booking_limit_reached", Message: "patient already holds the maximum number of future appointments"}
	ErrNoticePeriod        = &Error{Kind: KindPolicy, Code: "notice_period", Message: "appointments can only be changed with enough notice"}
	ErrInvalidTransition   = &Error{Kind: KindPolicy, Code: "invalid_transition", Message: "invalid status transition"}
	ErrPlanNotAccepted     = &Error{Kind: KindPolicy, Code: "plan_not_accepted", Message: "provider does not accept this insurance plan"}
	ErrActorNotPermitted   = &Error{Kind: KindPolicy, Code: "actor_not_permitted", Message: "caller is not allowed to perform this action"}
	ErrPatientNotBlocked   = &Error{Kind: KindPolicy, Code: "patient_not_blocked", Message: "patient is not blocked"}
	ErrProviderInactive    = &Error{Kind: KindPolicy, Code: "provider_inactive", Message: "provider is not accepting appointments"}
	ErrNoteBeforeVisit     = &Error{Kind: KindPolicy, Code: "note_before_visit", Message: "clinical notes can only be recorded on or after the appointment date"}

	ErrSlotInPast     = &Error{Kind: KindValidation, Code: "slot_in_past", Message: "appointment time must be in the future"}
	ErrDateInPast     = &Error{Kind: KindValidation, Code: "date_in_past", Message: "date must not be in the past"}
	ErrSlotNotOffered = &Error{Kind: KindValidation, Code: "slot_not_offered", Message: "provider does not offer this time"}
	ErrInvalidRange   = &Error{Kind: KindValidation, Code: "invalid_range", Message: "end time must be after start time"}
)

func NewValidationError(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// internalError wraps an unexpected store failure. Callers only ever see
// the generic message; the cause stays reachable through Unwrap for logs.
func internalError(op string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: op + " failed", Err: err}
}

// KindOf returns the Kind of err, treating anything untyped as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, or internal_error for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Code
	}
	return "internal_error"
}

func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsPolicy(err error) bool     { return KindOf(err) == KindPolicy }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// withMessage copies a sentinel and replaces its message.
func withMessage(base *Error, msg string) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: msg}
}
