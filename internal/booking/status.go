package booking

import "fmt"

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusRescheduled Status = "rescheduled"
	StatusRealized    Status = "realized"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no_show"
)

// ActiveStatuses still occupy a slot.
var ActiveStatuses = []Status{StatusScheduled, StatusRescheduled}

var transitions = map[Status][]Status{
	StatusScheduled:   {StatusRescheduled, StatusCancelled, StatusRealized, StatusNoShow},
	StatusRescheduled: {StatusRescheduled, StatusCancelled, StatusRealized, StatusNoShow},
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", NewValidationError("invalid_status", fmt.Sprintf("unknown appointment status %q", s))
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusRescheduled, StatusRealized, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusRescheduled
}

func (s Status) Terminal() bool {
	return s.Valid() && !s.Active()
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func checkTransition(a *Appointment, next Status) error {
	if a.Status.CanTransition(next) {
		return nil
	}
	if a.Status.Terminal() {
		return &Error{
			Kind:    KindPolicy,
			Code:    ErrInvalidTransition.Code,
			Message: fmt.Sprintf("appointment is already %s", a.Status),
		}
	}
	return &Error{
		Kind:    KindPolicy,
		Code:    ErrInvalidTransition.Code,
		Message: fmt.Sprintf("appointment is %s and cannot become %s", a.Status, next),
	}
}
