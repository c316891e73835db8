package booking

import (
	"fmt"
	"time"
)

// Policy holds the clinic's booking rules. It is pure: callers load state,
// ask the policy, and persist whatever it decides inside their transaction.
type Policy struct {
	MaxActiveFuture    int
	CancellationNotice time.Duration
	NoShowLimit        int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxActiveFuture:    2,
		CancellationNotice: 24 * time.Hour,
		NoShowLimit:        3,
	}
}

// CheckCanBook rejects blocked patients and patients already at their
// future booking limit.
func (p Policy) CheckCanBook(patient *Patient, activeFuture int) error {
	if patient.Blocked {
		return ErrPatientBlocked
	}
	if activeFuture >= p.MaxActiveFuture {
		return withMessage(ErrBookingLimitReached, fmt.Sprintf(
			"patient already has %d future appointments, cancel one to book another", activeFuture))
	}
	return nil
}

// CheckNotice requires at least CancellationNotice between now and the
// appointment start. Exactly the notice period passes.
func (p Policy) CheckNotice(startsAt, now time.Time) error {
	if startsAt.Sub(truncateMinute(now)) >= p.CancellationNotice {
		return nil
	}
	return withMessage(ErrNoticePeriod, fmt.Sprintf(
		"appointments can only be cancelled or rescheduled at least %s in advance", formatNotice(p.CancellationNotice)))
}

// NoticeApplies reports whether the actor is held to the notice period.
// Providers and administrators may change bookings at any time.
func (p Policy) NoticeApplies(actor Actor) bool {
	return actor.Role == RolePatient
}

// BlocksAfter reports whether a patient reaching count consecutive no-shows
// gets blocked.
func (p Policy) BlocksAfter(count int) bool {
	return count >= p.NoShowLimit
}

func truncateMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

func formatNotice(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}
