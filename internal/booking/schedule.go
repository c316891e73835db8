package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSlotDuration = 30
	blackoutListWindow  = 365
	maxBlackoutReason   = 500
)

// RuleInput is the editable part of an availability rule.
type RuleInput struct {
	Weekday         time.Weekday
	Start           TimeOfDay
	End             TimeOfDay
	DurationMinutes int
}

func (in *RuleInput) validate() error {
	if in.DurationMinutes == 0 {
		in.DurationMinutes = defaultSlotDuration
	}
	switch {
	case in.Weekday < time.Sunday || in.Weekday > time.Saturday:
		return NewValidationError("invalid_weekday", "weekday must be between 0 (Sunday) and 6 (Saturday)")
	case !in.Start.Valid() || !in.End.Valid():
		return NewValidationError("invalid_time", "start and end must be valid times of day")
	case in.End <= in.Start:
		return ErrInvalidRange
	case in.DurationMinutes < 0:
		return NewValidationError("invalid_duration", "slot duration must be positive")
	case in.Start.Add(in.DurationMinutes) > in.End:
		return NewValidationError("invalid_duration", "slot duration does not fit between start and end")
	}
	return nil
}

// BlackoutInput describes a one-off unavailable window.
type BlackoutInput struct {
	Date   Date
	Start  TimeOfDay
	End    TimeOfDay
	Reason string
}

func canManage(actor Actor, providerID uuid.UUID) error {
	if actor.Role == RoleAdmin || (actor.Role == RoleProvider && actor.ID == providerID) {
		return nil
	}
	return withMessage(ErrActorNotPermitted, "only the provider or an administrator can change this schedule")
}

func ruleLockScope(wd time.Weekday) string {
	return fmt.Sprintf("rules:%d", int(wd))
}

// checkRuleOverlap rejects r when another active rule of the same weekday
// shares any minute with it.
func checkRuleOverlap(ctx context.Context, q Queries, r AvailabilityRule) error {
	existing, err := q.ListActiveRules(ctx, r.ProviderID, int(r.Weekday))
	if err != nil {
		return err
	}
	for _, o := range existing {
		if o.ID != r.ID && r.Overlaps(o) {
			return withMessage(ErrRuleOverlap, fmt.Sprintf(
				"overlaps the %s-%s rule on %s", o.Start, o.End, o.Weekday))
		}
	}
	return nil
}

func (s *Service) AddRule(ctx context.Context, actor Actor, providerID uuid.UUID, in RuleInput) (rule *AvailabilityRule, err error) {
	defer s.observe("add_rule", time.Now(), &err)

	if err := canManage(actor, providerID); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetProvider(ctx, providerID); err != nil {
		return nil, s.storeErr(ctx, "load provider", err, "provider_id", providerID)
	}

	now := s.now()
	r := &AvailabilityRule{
		ID:              uuid.New(),
		ProviderID:      providerID,
		Weekday:         in.Weekday,
		Start:           in.Start,
		End:             in.End,
		DurationMinutes: in.DurationMinutes,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.store.WithTx(ctx, func(q Queries) error {
		if err := q.LockProvider(ctx, providerID, ruleLockScope(r.Weekday)); err != nil {
			return err
		}
		if err := checkRuleOverlap(ctx, q, *r); err != nil {
			return err
		}
		return q.InsertRule(ctx, r)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "add availability rule", err, "provider_id", providerID)
	}
	return r, nil
}

func (s *Service) UpdateRule(ctx context.Context, actor Actor, ruleID uuid.UUID, in RuleInput) (rule *AvailabilityRule, err error) {
	defer s.observe("update_rule", time.Now(), &err)

	if err := in.validate(); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(q Queries) error {
		r, err := q.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		if err := canManage(actor, r.ProviderID); err != nil {
			return err
		}
		if err := q.LockProvider(ctx, r.ProviderID, ruleLockScope(in.Weekday)); err != nil {
			return err
		}

		r.Weekday = in.Weekday
		r.Start, r.End = in.Start, in.End
		r.DurationMinutes = in.DurationMinutes
		r.UpdatedAt = s.now()
		if r.Active {
			if err := checkRuleOverlap(ctx, q, *r); err != nil {
				return err
			}
		}
		if err := q.UpdateRule(ctx, r); err != nil {
			return err
		}
		rule = r
		return nil
	})
	if err != nil {
		return nil, s.storeErr(ctx, "update availability rule", err, "rule_id", ruleID)
	}
	return rule, nil
}

// DeleteRule deactivates a rule. Existing appointments in its slots are kept.
func (s *Service) DeleteRule(ctx context.Context, actor Actor, ruleID uuid.UUID) (err error) {
	defer s.observe("delete_rule", time.Now(), &err)

	err = s.store.WithTx(ctx, func(q Queries) error {
		r, err := q.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		if err := canManage(actor, r.ProviderID); err != nil {
			return err
		}
		if !r.Active {
			return nil
		}
		r.Active = false
		r.UpdatedAt = s.now()
		return q.UpdateRule(ctx, r)
	})
	if err != nil {
		return s.storeErr(ctx, "delete availability rule", err, "rule_id", ruleID)
	}
	return nil
}

func (s *Service) ListRules(ctx context.Context, providerID uuid.UUID) (rules []AvailabilityRule, err error) {
	defer s.observe("list_rules", time.Now(), &err)

	if _, err := s.store.GetProvider(ctx, providerID); err != nil {
		return nil, s.storeErr(ctx, "load provider", err, "provider_id", providerID)
	}
	rules, err = s.store.ListRules(ctx, providerID)
	if err != nil {
		return nil, s.storeErr(ctx, "list availability rules", err, "provider_id", providerID)
	}
	return rules, nil
}

// AddBlackout marks a window of one day as unavailable. It is refused while
// any active appointment starts inside the window.
func (s *Service) AddBlackout(ctx context.Context, actor Actor, providerID uuid.UUID, in BlackoutInput) (blackout *Blackout, err error) {
	defer s.observe("add_blackout", time.Now(), &err)

	if err := canManage(actor, providerID); err != nil {
		return nil, err
	}
	switch {
	case in.Date.IsZero():
		return nil, NewValidationError("invalid_date", "date is required")
	case !in.Start.Valid() || !in.End.Valid():
		return nil, NewValidationError("invalid_time", "start and end must be valid times of day")
	case in.End <= in.Start:
		return nil, ErrInvalidRange
	}
	now := s.now()
	if in.Date.Before(DateOf(now)) {
		return nil, withMessage(ErrDateInPast, "cannot block a past date")
	}
	if _, err := s.store.GetProvider(ctx, providerID); err != nil {
		return nil, s.storeErr(ctx, "load provider", err, "provider_id", providerID)
	}

	b := &Blackout{
		ID:         uuid.New(),
		ProviderID: providerID,
		Date:       in.Date,
		Start:      in.Start,
		End:        in.End,
		Reason:     truncate(strings.TrimSpace(in.Reason), maxBlackoutReason),
		CreatedAt:  now,
	}

	err = s.store.WithTx(ctx, func(q Queries) error {
		if err := q.LockProvider(ctx, providerID, b.Date.String()); err != nil {
			return err
		}
		booked, err := q.ListActiveAppointmentsOn(ctx, providerID, b.Date)
		if err != nil {
			return err
		}
		for _, a := range booked {
			if b.Covers(a.Time) {
				return withMessage(ErrBlackoutOverlapsBooking, fmt.Sprintf(
					"appointment at %s on %s is still active, cancel it before blocking the period", a.Time, a.Date))
			}
		}
		return q.InsertBlackout(ctx, b)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "add blackout", err, "provider_id", providerID, "date", in.Date.String())
	}
	return b, nil
}

func (s *Service) DeleteBlackout(ctx context.Context, actor Actor, blackoutID uuid.UUID) (err error) {
	defer s.observe("delete_blackout", time.Now(), &err)

	err = s.store.WithTx(ctx, func(q Queries) error {
		b, err := q.GetBlackout(ctx, blackoutID)
		if err != nil {
			return err
		}
		if err := canManage(actor, b.ProviderID); err != nil {
			return err
		}
		return q.DeleteBlackout(ctx, b.ID)
	})
	if err != nil {
		return s.storeErr(ctx, "delete blackout", err, "blackout_id", blackoutID)
	}
	return nil
}

// ListBlackouts returns the provider's blackouts between from and to
// inclusive. Missing bounds default to today and a year ahead.
func (s *Service) ListBlackouts(ctx context.Context, providerID uuid.UUID, from, to *Date) (blackouts []Blackout, err error) {
	defer s.observe("list_blackouts", time.Now(), &err)

	start := DateOf(s.now())
	if from != nil {
		start = *from
	}
	end := start.AddDays(blackoutListWindow)
	if to != nil {
		end = *to
	}
	if end.Before(start) {
		return nil, withMessage(ErrInvalidRange, "to must not be before from")
	}

	if _, err := s.store.GetProvider(ctx, providerID); err != nil {
		return nil, s.storeErr(ctx, "load provider", err, "provider_id", providerID)
	}
	blackouts, err = s.store.ListBlackouts(ctx, providerID, start, end)
	if err != nil {
		return nil, s.storeErr(ctx, "list blackouts", err, "provider_id", providerID)
	}
	return blackouts, nil
}

// GetAppointment returns one appointment within the actor's scope.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (appt *Appointment, err error) {
	defer s.observe("get_appointment", time.Now(), &err)

	appt, err = s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, s.storeErr(ctx, "get appointment", err, "appointment_id", id)
	}
	if !actor.canSee(appt) {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

// ListAppointments narrows f to the actor's scope before querying: patients
// see their own bookings, providers their own calendar.
func (s *Service) ListAppointments(ctx context.Context, actor Actor, f AppointmentFilter) (appts []Appointment, err error) {
	defer s.observe("list_appointments", time.Now(), &err)

	switch actor.Role {
	case RolePatient:
		id := actor.ID
		f.PatientID = &id
	case RoleProvider:
		id := actor.ID
		f.ProviderID = &id
	case RoleAdmin:
	default:
		return nil, ErrActorNotPermitted
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, NewValidationError("invalid_status", fmt.Sprintf("unknown status %q", st))
		}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, withMessage(ErrInvalidRange, "to must not be before from")
	}

	now := s.now()
	f.Today, f.Now = DateOf(now), TimeOfDayOf(now)
	f.normalize()

	appts, err = s.store.ListAppointments(ctx, f)
	if err != nil {
		return nil, s.storeErr(ctx, "list appointments", err)
	}
	return appts, nil
}
