package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/config"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentRealized    = "APPOINTMENT_REALIZED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
)

const (
	maxReasonLength = 500
	maxNoteLength   = 2000
)

// Observer receives the outcome of every service operation.
type Observer interface {
	Observe(op string, err error, elapsed time.Duration)
}

type Service struct {
	store    Store
	locker   redisclient.Locker
	policy   Policy
	loc      *time.Location
	clock    func() time.Time
	log      zerolog.Logger
	observer Observer
}

type Option func(*Service)

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func NewService(store Store, locker redisclient.Locker, cfg config.Config, opts ...Option) *Service {
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	policy := DefaultPolicy()
	if cfg.MaxActiveFuture > 0 {
		policy.MaxActiveFuture = cfg.MaxActiveFuture
	}
	if cfg.CancellationNotice > 0 {
		policy.CancellationNotice = cfg.CancellationNotice
	}
	if cfg.NoShowLimit > 0 {
		policy.NoShowLimit = cfg.NoShowLimit
	}

	s := &Service{
		store:  store,
		locker: locker,
		policy: policy,
		loc:    loc,
		clock:  time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) Location() *time.Location { return s.loc }

// now is the current instant in the clinic location.
func (s *Service) now() time.Time {
	return s.clock().In(s.loc)
}

// BookingRequest describes a new appointment.
type BookingRequest struct {
	PatientID  uuid.UUID
	ProviderID uuid.UUID
	Date       Date
	Time       TimeOfDay
	Payer      Payer
}

func (r BookingRequest) validate() error {
	switch {
	case r.PatientID == uuid.Nil:
		return NewValidationError("invalid_patient_id", "patient_id is required")
	case r.ProviderID == uuid.Nil:
		return NewValidationError("invalid_provider_id", "provider_id is required")
	case r.Date.IsZero():
		return NewValidationError("invalid_date", "date is required")
	case !r.Time.Valid():
		return NewValidationError("invalid_time", "time must be between 00:00 and 23:59")
	}
	return r.Payer.Validate()
}

// Create books a slot for a patient. The slot lock keeps concurrent requests
// for the same slot from racing through the checks; the store transaction and
// its active-slot unique index make the write itself safe regardless.
func (s *Service) Create(ctx context.Context, actor Actor, req BookingRequest) (created *Appointment, err error) {
	defer s.observe("create", time.Now(), &err)

	switch actor.Role {
	case RolePatient:
		if actor.ID != req.PatientID {
			return nil, withMessage(ErrActorNotPermitted, "patients can only book for themselves")
		}
	case RoleAdmin:
	default:
		return nil, withMessage(ErrActorNotPermitted, "only patients and administrators can book appointments")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	today, nowTOD := DateOf(now), TimeOfDayOf(now)

	patient, err := s.store.GetPatient(ctx, req.PatientID)
	if err != nil {
		return nil, s.storeErr(ctx, "load patient", err, "patient_id", req.PatientID)
	}
	if !patient.Active {
		return nil, ErrPatientNotFound
	}
	active, err := s.store.CountActiveFutureAppointments(ctx, patient.ID, today, nowTOD)
	if err != nil {
		return nil, s.storeErr(ctx, "count appointments", err, "patient_id", patient.ID)
	}
	if err := s.policy.CheckCanBook(patient, active); err != nil {
		return nil, err
	}

	if !At(req.Date, req.Time, s.loc).After(truncateMinute(now)) {
		return nil, ErrSlotInPast
	}

	provider, err := s.store.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return nil, s.storeErr(ctx, "load provider", err, "provider_id", req.ProviderID)
	}
	if !provider.Active {
		return nil, ErrProviderInactive
	}
	if err := s.checkPayer(ctx, provider.ID, req.Payer); err != nil {
		return nil, err
	}
	if err := checkSlot(ctx, s.store, provider.ID, req.Date, req.Time, uuid.Nil); err != nil {
		return nil, s.storeErr(ctx, "check slot", err, "provider_id", provider.ID)
	}

	err = s.locker.WithSlotLock(ctx, slotKey(provider.ID, req.Date, req.Time), func(lockCtx context.Context) error {
		return s.store.WithTx(lockCtx, func(q Queries) error {
			if err := q.LockProvider(lockCtx, provider.ID, req.Date.String()); err != nil {
				return err
			}
			// Re-check under the locks: another booking may have landed since.
			p, err := q.GetPatientForUpdate(lockCtx, patient.ID)
			if err != nil {
				return err
			}
			active, err := q.CountActiveFutureAppointments(lockCtx, p.ID, today, nowTOD)
			if err != nil {
				return err
			}
			if err := s.policy.CheckCanBook(p, active); err != nil {
				return err
			}
			if err := checkSlot(lockCtx, q, provider.ID, req.Date, req.Time, uuid.Nil); err != nil {
				return err
			}

			appt := &Appointment{
				ID:         uuid.New(),
				PatientID:  p.ID,
				ProviderID: provider.ID,
				Date:       req.Date,
				Time:       req.Time,
				Status:     StatusScheduled,
				Payer:      req.Payer,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := q.InsertAppointment(lockCtx, appt); err != nil {
				return err
			}
			created = appt

			return s.logEvent(lockCtx, q, appt.ID, EventAppointmentCreated, map[string]any{
				"patient_id":  appt.PatientID.String(),
				"provider_id": appt.ProviderID.String(),
				"date":        appt.Date.String(),
				"time":        appt.Time.String(),
				"self_pay":    appt.Payer.SelfPay,
			})
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, s.storeErr(ctx, "create appointment", err, "patient_id", req.PatientID, "provider_id", req.ProviderID)
	}

	return created, nil
}

// Cancel moves an active appointment to cancelled. Patients must give at
// least the configured notice; providers and administrators need not.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (appt *Appointment, err error) {
	defer s.observe("cancel", time.Now(), &err)

	now := s.now()
	reason = cancellationReason(actor, reason)

	appt, err = s.transition(ctx, "cancel appointment", actor, id, StatusCancelled, func(q Queries, a *Appointment) error {
		if s.policy.NoticeApplies(actor) {
			if err := s.policy.CheckNotice(a.StartsAt(s.loc), now); err != nil {
				return err
			}
		}
		a.CancellationReason = &reason
		return nil
	}, func(q Queries, a *Appointment) error {
		return s.logEvent(ctx, q, a.ID, EventAppointmentCancelled, map[string]any{
			"actor_id":   actor.ID.String(),
			"actor_role": string(actor.Role),
			"reason":     reason,
		})
	})
	if err != nil {
		return nil, err
	}

	if actor.Role != RolePatient {
		s.log.Info().
			Str("appointment_id", appt.ID.String()).
			Str("actor_id", actor.ID.String()).
			Str("actor_role", string(actor.Role)).
			Msg("appointment cancelled by staff")
	}
	return appt, nil
}

// Reschedule moves an active appointment to a new free slot of the same
// provider, in place. The notice rule applies to the original slot.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, newDate Date, newTime TimeOfDay) (appt *Appointment, err error) {
	defer s.observe("reschedule", time.Now(), &err)

	if actor.Role == RoleProvider {
		return nil, withMessage(ErrActorNotPermitted, "providers cannot reschedule appointments")
	}
	if newDate.IsZero() || !newTime.Valid() {
		return nil, NewValidationError("invalid_slot", "new date and time are required")
	}

	now := s.now()
	if !At(newDate, newTime, s.loc).After(truncateMinute(now)) {
		return nil, withMessage(ErrSlotInPast, "new date and time must be in the future")
	}

	current, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, s.storeErr(ctx, "load appointment", err, "appointment_id", id)
	}
	if !actor.canSee(current) {
		return nil, ErrAppointmentNotFound
	}

	var from Date
	var fromTime TimeOfDay
	err = s.locker.WithSlotLock(ctx, slotKey(current.ProviderID, newDate, newTime), func(lockCtx context.Context) error {
		appt, err = s.transition(lockCtx, "reschedule appointment", actor, id, StatusRescheduled, func(q Queries, a *Appointment) error {
			if s.policy.NoticeApplies(actor) {
				if err := s.policy.CheckNotice(a.StartsAt(s.loc), now); err != nil {
					return err
				}
			}
			if err := q.LockProvider(lockCtx, a.ProviderID, newDate.String()); err != nil {
				return err
			}
			if err := checkSlot(lockCtx, q, a.ProviderID, newDate, newTime, a.ID); err != nil {
				return err
			}
			from, fromTime = a.Date, a.Time
			a.Date, a.Time = newDate, newTime
			return nil
		}, func(q Queries, a *Appointment) error {
			return s.logEvent(lockCtx, q, a.ID, EventAppointmentRescheduled, map[string]any{
				"from_date": from.String(),
				"from_time": fromTime.String(),
				"to_date":   a.Date.String(),
				"to_time":   a.Time.String(),
			})
		})
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, s.storeErr(ctx, "reschedule appointment", err, "appointment_id", id)
	}
	return appt, nil
}

// MarkRealized records that the appointment took place, optionally with the
// provider's clinical note, and resets the patient's no-show streak.
func (s *Service) MarkRealized(ctx context.Context, actor Actor, id uuid.UUID, note string) (appt *Appointment, err error) {
	defer s.observe("mark_realized", time.Now(), &err)

	if actor.Role != RoleProvider {
		return nil, withMessage(ErrActorNotPermitted, "only the provider can mark an appointment as realized")
	}
	note = truncate(strings.TrimSpace(note), maxNoteLength)

	return s.transition(ctx, "mark realized", actor, id, StatusRealized, func(q Queries, a *Appointment) error {
		if note == "" {
			return nil
		}
		if a.Date.After(DateOf(s.now())) {
			return ErrNoteBeforeVisit
		}
		a.ClinicalNote = &note
		return nil
	}, func(q Queries, a *Appointment) error {
		if err := q.ResetNoShows(ctx, a.PatientID); err != nil {
			return err
		}
		return s.logEvent(ctx, q, a.ID, EventAppointmentRealized, map[string]any{
			"has_note": a.ClinicalNote != nil,
		})
	})
}

// MarkNoShow records a missed appointment. Reaching the no-show limit blocks
// the patient until an administrator unblocks them.
func (s *Service) MarkNoShow(ctx context.Context, actor Actor, id uuid.UUID) (out *NoShowOutcome, err error) {
	defer s.observe("mark_no_show", time.Now(), &err)

	if actor.Role != RoleProvider {
		return nil, withMessage(ErrActorNotPermitted, "only the provider can mark a no-show")
	}

	var patient *Patient
	appt, err := s.transition(ctx, "mark no-show", actor, id, StatusNoShow, nil, func(q Queries, a *Appointment) error {
		p, err := q.RecordNoShow(ctx, a.PatientID, s.policy.NoShowLimit)
		if err != nil {
			return err
		}
		patient = p
		return s.logEvent(ctx, q, a.ID, EventAppointmentNoShow, map[string]any{
			"consecutive_no_shows": p.ConsecutiveNoShows,
			"patient_blocked":      p.Blocked,
		})
	})
	if err != nil {
		return nil, err
	}

	if patient.Blocked && s.policy.BlocksAfter(patient.ConsecutiveNoShows) && !s.policy.BlocksAfter(patient.ConsecutiveNoShows-1) {
		s.log.Warn().
			Str("patient_id", patient.ID.String()).
			Int("consecutive_no_shows", patient.ConsecutiveNoShows).
			Msg("patient blocked after consecutive no-shows")
	}

	return &NoShowOutcome{
		Appointment:        appt,
		ConsecutiveNoShows: patient.ConsecutiveNoShows,
		PatientBlocked:     patient.Blocked,
	}, nil
}

// UnblockPatient is the administrator action that lifts an auto-block and
// clears the no-show streak.
func (s *Service) UnblockPatient(ctx context.Context, actor Actor, patientID uuid.UUID) (err error) {
	defer s.observe("unblock_patient", time.Now(), &err)

	if actor.Role != RoleAdmin {
		return withMessage(ErrActorNotPermitted, "only administrators can unblock patients")
	}

	err = s.store.WithTx(ctx, func(q Queries) error {
		p, err := q.GetPatientForUpdate(ctx, patientID)
		if err != nil {
			return err
		}
		if !p.Blocked {
			return ErrPatientNotBlocked
		}
		return q.Unblock(ctx, p.ID)
	})
	if err != nil {
		return s.storeErr(ctx, "unblock patient", err, "patient_id", patientID)
	}

	s.log.Info().
		Str("patient_id", patientID.String()).
		Str("admin_id", actor.ID.String()).
		Msg("patient unblocked")
	return nil
}

// transition runs one lifecycle step inside a transaction: load, scope
// check, state check, before hook, conditional write, after hook.
func (s *Service) transition(
	ctx context.Context,
	op string,
	actor Actor,
	id uuid.UUID,
	next Status,
	before func(q Queries, a *Appointment) error,
	after func(q Queries, a *Appointment) error,
) (*Appointment, error) {
	var result *Appointment

	err := s.store.WithTx(ctx, func(q Queries) error {
		a, err := q.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !actor.canSee(a) {
			return ErrAppointmentNotFound
		}
		if err := checkTransition(a, next); err != nil {
			return err
		}
		if before != nil {
			if err := before(q, a); err != nil {
				return err
			}
		}

		a.Status = next
		a.UpdatedAt = s.now()
		if err := q.UpdateAppointment(ctx, a); err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return withMessage(ErrInvalidTransition, "appointment is no longer active")
			}
			return err
		}

		if after != nil {
			if err := after(q, a); err != nil {
				return err
			}
		}
		result = a
		return nil
	})
	if err != nil {
		return nil, s.storeErr(ctx, op, err, "appointment_id", id, "next_status", string(next))
	}
	return result, nil
}

func (s *Service) checkPayer(ctx context.Context, providerID uuid.UUID, payer Payer) error {
	if payer.SelfPay {
		return nil
	}
	plan, err := s.store.GetInsurancePlan(ctx, *payer.InsurancePlanID)
	if err != nil {
		return s.storeErr(ctx, "load insurance plan", err, "plan_id", *payer.InsurancePlanID)
	}
	if !plan.Active {
		return withMessage(ErrInsurancePlanNotFound, "insurance plan is no longer active")
	}
	if plan.AcceptedByAll {
		return nil
	}
	ok, err := s.store.ProviderAcceptsPlan(ctx, providerID, plan.ID)
	if err != nil {
		return s.storeErr(ctx, "check plan acceptance", err, "provider_id", providerID, "plan_id", plan.ID)
	}
	if !ok {
		return withMessage(ErrPlanNotAccepted, fmt.Sprintf("provider does not accept %s", plan.Name))
	}
	return nil
}

func (s *Service) logEvent(ctx context.Context, q Queries, appointmentID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := q.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event %s: %w", eventType, err)
	}
	return nil
}

// storeErr passes typed errors through and turns anything else into a
// logged internal error.
func (s *Service) storeErr(ctx context.Context, op string, err error, kv ...any) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	s.log.Error().
		Err(err).
		Str("op", op).
		Fields(stringify(kv)).
		Msg("booking store failure")
	return internalError(op, err)
}

func (s *Service) observe(op string, start time.Time, err *error) {
	if s.observer == nil {
		return
	}
	s.observer.Observe(op, *err, time.Since(start))
}

func slotKey(providerID uuid.UUID, date Date, t TimeOfDay) string {
	return fmt.Sprintf("%s:%s:%s", providerID, date, t)
}

func cancellationReason(actor Actor, reason string) string {
	reason = truncate(strings.TrimSpace(reason), maxReasonLength)
	if reason != "" {
		return reason
	}
	switch actor.Role {
	case RoleProvider:
		return "cancelled by provider"
	case RoleAdmin:
		return "cancelled by administrator"
	}
	return "cancelled by patient"
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max]))
}

func stringify(kv []any) []any {
	out := make([]any, len(kv))
	for i, v := range kv {
		if st, ok := v.(fmt.Stringer); ok {
			out[i] = st.String()
			continue
		}
		out[i] = v
	}
	return out
}
