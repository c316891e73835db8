package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking/internal/config"
)

// Fixed clock: Friday 2026-10-16 10:00 UTC.
var fixedNow = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	store    *SQLiteStore
	svc      *Service
	admin    Actor
	provider uuid.UUID
	patient  uuid.UUID
	today    Date
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		ctx:   ctx,
		store: store,
		admin: AdminActor(uuid.New()),
		today: DateOf(fixedNow),
	}
	f.svc = NewService(store, nil, config.Config{Location: time.UTC},
		WithClock(func() time.Time { return fixedNow }))

	f.provider = f.addProvider(t)
	f.patient = f.addPatient(t, false)
	return f
}

// at returns a service over the same store whose clock reads now.
func (f *fixture) at(now time.Time) *Service {
	return NewService(f.store, nil, config.Config{Location: time.UTC},
		WithClock(func() time.Time { return now }))
}

// addProvider registers an active provider attending every day 08:00-12:00
// in 30 minute slots.
func (f *fixture) addProvider(t *testing.T) uuid.UUID {
	t.Helper()

	p := &Provider{ID: uuid.New(), Name: "Dr. Test", Active: true}
	require.NoError(t, f.store.UpsertProvider(f.ctx, p))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		_, err := f.svc.AddRule(f.ctx, f.admin, p.ID, RuleInput{Weekday: wd, Start: hm(8, 0), End: hm(12, 0)})
		require.NoError(t, err)
	}
	return p.ID
}

func (f *fixture) addPatient(t *testing.T, blocked bool) uuid.UUID {
	t.Helper()

	p := &Patient{ID: uuid.New(), Name: "Test Patient", Active: true, Blocked: blocked}
	require.NoError(t, f.store.UpsertPatient(f.ctx, p))
	return p.ID
}

func (f *fixture) book(t *testing.T, patient uuid.UUID, date Date, at TimeOfDay) *Appointment {
	t.Helper()

	appt, err := f.svc.Create(f.ctx, PatientActor(patient), f.request(patient, date, at))
	require.NoError(t, err)
	return appt
}

func (f *fixture) request(patient uuid.UUID, date Date, at TimeOfDay) BookingRequest {
	return BookingRequest{
		PatientID:  patient,
		ProviderID: f.provider,
		Date:       date,
		Time:       at,
		Payer:      SelfPay(),
	}
}

func (f *fixture) patientState(t *testing.T, id uuid.UUID) *Patient {
	t.Helper()

	p, err := f.store.GetPatient(f.ctx, id)
	require.NoError(t, err)
	return p
}

func (f *fixture) eventTypes(t *testing.T, appointmentID uuid.UUID) []string {
	t.Helper()

	events, err := f.store.ListEvents(f.ctx, appointmentID)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

// =============================================================================
// SLOTS
// =============================================================================

func TestListSlots(t *testing.T) {
	f := newFixture(t)

	list, err := f.svc.ListSlots(f.ctx, f.provider, f.today.AddDays(1))
	require.NoError(t, err)
	assert.Len(t, list.Slots, 8)
	assert.Equal(t, hm(8, 0), list.Slots[0])
	assert.Equal(t, hm(11, 30), list.Slots[7])
	assert.Empty(t, list.Reason)

	again, err := f.svc.ListSlots(f.ctx, f.provider, f.today.AddDays(1))
	require.NoError(t, err)
	assert.Equal(t, list.Slots, again.Slots)

	// Today at 10:00: only later starts remain.
	list, err = f.svc.ListSlots(f.ctx, f.provider, f.today)
	require.NoError(t, err)
	assert.Equal(t, []TimeOfDay{hm(10, 30), hm(11, 0), hm(11, 30)}, list.Slots)

	_, err = f.svc.ListSlots(f.ctx, f.provider, f.today.AddDays(-1))
	assert.ErrorIs(t, err, ErrDateInPast)

	_, err = f.svc.ListSlots(f.ctx, uuid.New(), f.today.AddDays(1))
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestListSlots_ReasonWhenProviderDoesNotAttend(t *testing.T) {
	f := newFixture(t)

	idle := &Provider{ID: uuid.New(), Name: "Dr. Idle", Active: true}
	require.NoError(t, f.store.UpsertProvider(f.ctx, idle))

	list, err := f.svc.ListSlots(f.ctx, idle.ID, f.today.AddDays(3))
	require.NoError(t, err)
	assert.Empty(t, list.Slots)
	assert.Equal(t, "provider does not attend on Monday", list.Reason)
}

func TestListSlots_ExcludesBookedAndBlackedOut(t *testing.T) {
	f := newFixture(t)
	day := f.today.AddDays(2)

	f.book(t, f.patient, day, hm(8, 0))
	_, err := f.svc.AddBlackout(f.ctx, ProviderActor(f.provider), f.provider, BlackoutInput{
		Date: day, Start: hm(10, 0), End: hm(12, 0), Reason: "training",
	})
	require.NoError(t, err)

	list, err := f.svc.ListSlots(f.ctx, f.provider, day)
	require.NoError(t, err)
	assert.Equal(t, []TimeOfDay{hm(8, 30), hm(9, 0), hm(9, 30)}, list.Slots)
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_BooksFreeSlot(t *testing.T) {
	f := newFixture(t)
	day := f.today.AddDays(3)

	appt := f.book(t, f.patient, day, hm(9, 0))

	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, f.patient, appt.PatientID)
	assert.Equal(t, day, appt.Date)
	assert.Equal(t, hm(9, 0), appt.Time)

	stored, err := f.svc.GetAppointment(f.ctx, PatientActor(f.patient), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, stored.ID)
	assert.True(t, stored.Payer.SelfPay)

	assert.Equal(t, []string{EventAppointmentCreated}, f.eventTypes(t, appt.ID))
}

func TestCreate_RejectsUnavailableSlots(t *testing.T) {
	f := newFixture(t)
	day := f.today.AddDays(3)
	f.book(t, f.patient, day, hm(9, 0))
	other := f.addPatient(t, false)

	_, err := f.svc.Create(f.ctx, PatientActor(other), f.request(other, day, hm(9, 0)))
	assert.ErrorIs(t, err, ErrSlotTaken)
	assert.True(t, IsConflict(err))

	_, err = f.svc.Create(f.ctx, PatientActor(other), f.request(other, day, hm(9, 15)))
	assert.ErrorIs(t, err, ErrSlotNotOffered)

	_, err = f.svc.Create(f.ctx, PatientActor(other), f.request(other, day, hm(14, 0)))
	assert.ErrorIs(t, err, ErrSlotNotOffered)

	_, err = f.svc.Create(f.ctx, PatientActor(other), f.request(other, f.today, hm(9, 30)))
	assert.ErrorIs(t, err, ErrSlotInPast)

	_, err = f.svc.AddBlackout(f.ctx, f.admin, f.provider, BlackoutInput{Date: day, Start: hm(11, 0), End: hm(12, 0)})
	require.NoError(t, err)
	_, err = f.svc.Create(f.ctx, PatientActor(other), f.request(other, day, hm(11, 30)))
	assert.ErrorIs(t, err, ErrSlotBlocked)
}

func TestCreate_BookingLimit(t *testing.T) {
	f := newFixture(t)

	first := f.book(t, f.patient, f.today.AddDays(3), hm(8, 0))
	f.book(t, f.patient, f.today.AddDays(4), hm(8, 0))

	_, err := f.svc.Create(f.ctx, PatientActor(f.patient), f.request(f.patient, f.today.AddDays(5), hm(8, 0)))
	assert.ErrorIs(t, err, ErrBookingLimitReached)
	assert.True(t, IsPolicy(err))

	_, err = f.svc.Cancel(f.ctx, PatientActor(f.patient), first.ID, "")
	require.NoError(t, err)

	f.book(t, f.patient, f.today.AddDays(5), hm(8, 0))
}

func TestCreate_BookingLimitIgnoresAppointmentAtCurrentMinute(t *testing.T) {
	f := newFixture(t)

	f.book(t, f.patient, f.today, hm(10, 30))
	f.book(t, f.patient, f.today.AddDays(1), hm(8, 0))

	// At 10:30 the first appointment has started and no longer counts.
	later := f.at(fixedNow.Add(30 * time.Minute))
	appt, err := later.Create(f.ctx, PatientActor(f.patient), f.request(f.patient, f.today.AddDays(2), hm(8, 0)))
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, appt.Status)

	// A minute earlier it still counted.
	other := f.addPatient(t, false)
	f.book(t, other, f.today, hm(11, 0))
	f.book(t, other, f.today.AddDays(1), hm(8, 30))
	earlier := f.at(fixedNow.Add(59 * time.Minute))
	_, err = earlier.Create(f.ctx, PatientActor(other), f.request(other, f.today.AddDays(2), hm(8, 30)))
	assert.ErrorIs(t, err, ErrBookingLimitReached)
}

func TestListAppointments_UpcomingExcludesCurrentMinute(t *testing.T) {
	f := newFixture(t)
	now := f.book(t, f.patient, f.today, hm(10, 30))
	next := f.book(t, f.patient, f.today, hm(11, 0))

	svc := f.at(fixedNow.Add(30 * time.Minute))
	upcoming, err := svc.ListAppointments(f.ctx, PatientActor(f.patient), AppointmentFilter{Scope: ScopeUpcoming})
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, next.ID, upcoming[0].ID)

	past, err := svc.ListAppointments(f.ctx, PatientActor(f.patient), AppointmentFilter{Scope: ScopePast})
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, now.ID, past[0].ID)
}

func TestCreate_BlockedAndInactivePatients(t *testing.T) {
	f := newFixture(t)

	blocked := f.addPatient(t, true)
	_, err := f.svc.Create(f.ctx, PatientActor(blocked), f.request(blocked, f.today.AddDays(3), hm(8, 0)))
	assert.ErrorIs(t, err, ErrPatientBlocked)

	gone := &Patient{ID: uuid.New(), Name: "Former Patient", Active: false}
	require.NoError(t, f.store.UpsertPatient(f.ctx, gone))
	_, err = f.svc.Create(f.ctx, f.admin, f.request(gone.ID, f.today.AddDays(3), hm(8, 0)))
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = f.svc.Create(f.ctx, f.admin, f.request(uuid.New(), f.today.AddDays(3), hm(8, 0)))
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestCreate_ActorPermissions(t *testing.T) {
	f := newFixture(t)
	other := f.addPatient(t, false)
	req := f.request(other, f.today.AddDays(3), hm(8, 0))

	_, err := f.svc.Create(f.ctx, PatientActor(f.patient), req)
	assert.ErrorIs(t, err, ErrActorNotPermitted)

	_, err = f.svc.Create(f.ctx, ProviderActor(f.provider), req)
	assert.ErrorIs(t, err, ErrActorNotPermitted)

	appt, err := f.svc.Create(f.ctx, f.admin, req)
	require.NoError(t, err)
	assert.Equal(t, other, appt.PatientID)
}

func TestCreate_InsurancePlans(t *testing.T) {
	f := newFixture(t)
	day := f.today.AddDays(3)

	restricted := &InsurancePlan{ID: uuid.New(), Name: "Restricted", Active: true}
	universal := &InsurancePlan{ID: uuid.New(), Name: "Universal", Active: true, AcceptedByAll: true}
	require.NoError(t, f.store.UpsertInsurancePlan(f.ctx, restricted))
	require.NoError(t, f.store.UpsertInsurancePlan(f.ctx, universal))

	req := f.request(f.patient, day, hm(8, 0))
	req.Payer = Insurance(restricted.ID)
	_, err := f.svc.Create(f.ctx, PatientActor(f.patient), req)
	assert.ErrorIs(t, err, ErrPlanNotAccepted)

	req.Payer = Insurance(uuid.New())
	_, err = f.svc.Create(f.ctx, PatientActor(f.patient), req)
	assert.ErrorIs(t, err, ErrInsurancePlanNotFound)

	req.Payer = Insurance(universal.ID)
	appt, err := f.svc.Create(f.ctx, PatientActor(f.patient), req)
	require.NoError(t, err)
	require.NotNil(t, appt.Payer.InsurancePlanID)
	assert.Equal(t, universal.ID, *appt.Payer.InsurancePlanID)

	require.NoError(t, f.store.AcceptPlan(f.ctx, f.provider, restricted.ID))
	req.Time = hm(8, 30)
	req.Payer = Insurance(restricted.ID)
	_, err = f.svc.Create(f.ctx, PatientActor(f.patient), req)
	assert.NoError(t, err)
}

func TestCreate_ConcurrentRequestsForOneSlot(t *testing.T) {
	f := newFixture(t)
	day := f.today.AddDays(3)

	const contenders = 10
	patients := make([]uuid.UUID, contenders)
	for i := range patients {
		patients[i] = f.addPatient(t, false)
	}

	var (
		wg    sync.WaitGroup
		gate  = make(chan struct{})
		errs  = make([]error, contenders)
		appts = make([]*Appointment, contenders)
	)
	for i, p := range patients {
		wg.Add(1)
		go func(i int, p uuid.UUID) {
			defer wg.Done()
			<-gate
			appts[i], errs[i] = f.svc.Create(f.ctx, PatientActor(p), f.request(p, day, hm(9, 0)))
		}(i, p)
	}
	close(gate)
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		if err == nil {
			succeeded++
			require.NotNil(t, appts[i])
			continue
		}
		assert.True(t, IsConflict(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	booked, err := f.store.ListActiveAppointmentsOn(f.ctx, f.provider, day)
	require.NoError(t, err)
	assert.Len(t, booked, 1)
}

// =============================================================================
// CANCEL / RESCHEDULE
// =============================================================================

func TestCancel_NoticePeriod(t *testing.T) {
	f := newFixture(t)
	tomorrow := f.today.AddDays(1)

	// 23h ahead: too late for the patient.
	soon := f.book(t, f.patient, tomorrow, hm(9, 0))
	_, err := f.svc.Cancel(f.ctx, PatientActor(f.patient), soon.ID, "")
	assert.ErrorIs(t, err, ErrNoticePeriod)

	// The provider may still cancel it.
	cancelled, err := f.svc.Cancel(f.ctx, ProviderActor(f.provider), soon.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancellationReason)
	assert.Equal(t, "cancelled by provider", *cancelled.CancellationReason)

	// Exactly 24h ahead passes.
	edge := f.book(t, f.patient, tomorrow, hm(10, 0))
	cancelled, err = f.svc.Cancel(f.ctx, PatientActor(f.patient), edge.ID, "  travelling  ")
	require.NoError(t, err)
	assert.Equal(t, "travelling", *cancelled.CancellationReason)

	assert.Equal(t, []string{EventAppointmentCreated, EventAppointmentCancelled}, f.eventTypes(t, edge.ID))
}

func TestCancel_TerminalAndOutOfScope(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.patient, f.today.AddDays(3), hm(8, 0))
	stranger := f.addPatient(t, false)

	_, err := f.svc.Cancel(f.ctx, PatientActor(stranger), appt.ID, "")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = f.svc.Cancel(f.ctx, PatientActor(f.patient), appt.ID, "")
	require.NoError(t, err)

	_, err = f.svc.Cancel(f.ctx, PatientActor(f.patient), appt.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.EqualError(t, err, "appointment is already cancelled")

	_, err = f.svc.Cancel(f.ctx, f.admin, uuid.New(), "")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestCancel_FreesSlot(t *testing.T) {
	f := newFixture(t)
	day := f.today.AddDays(3)
	appt := f.book(t, f.patient, day, hm(8, 0))

	_, err := f.svc.Cancel(f.ctx, PatientActor(f.patient), appt.ID, "")
	require.NoError(t, err)

	other := f.addPatient(t, false)
	f.book(t, other, day, hm(8, 0))
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	day := f.today.AddDays(3)
	appt := f.book(t, f.patient, day, hm(8, 0))
	other := f.addPatient(t, false)
	f.book(t, other, day, hm(9, 0))

	_, err := f.svc.Reschedule(f.ctx, PatientActor(f.patient), appt.ID, day, hm(9, 0))
	assert.ErrorIs(t, err, ErrSlotTaken)

	moved, err := f.svc.Reschedule(f.ctx, PatientActor(f.patient), appt.ID, day.AddDays(1), hm(11, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusRescheduled, moved.Status)
	assert.Equal(t, day.AddDays(1), moved.Date)
	assert.Equal(t, hm(11, 0), moved.Time)

	// The old slot is free again.
	list, err := f.svc.ListSlots(f.ctx, f.provider, day)
	require.NoError(t, err)
	assert.Contains(t, list.Slots, hm(8, 0))

	// Moving onto its own slot is allowed.
	again, err := f.svc.Reschedule(f.ctx, PatientActor(f.patient), appt.ID, day.AddDays(1), hm(11, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusRescheduled, again.Status)

	events, err := f.store.ListEvents(f.ctx, appt.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, day.String(), payload["from_date"])
	assert.Equal(t, "08:00", payload["from_time"])
	assert.Equal(t, "11:00", payload["to_time"])
}

func TestReschedule_Rules(t *testing.T) {
	f := newFixture(t)
	soon := f.book(t, f.patient, f.today.AddDays(1), hm(9, 0))

	_, err := f.svc.Reschedule(f.ctx, PatientActor(f.patient), soon.ID, f.today.AddDays(4), hm(9, 0))
	assert.ErrorIs(t, err, ErrNoticePeriod)

	_, err = f.svc.Reschedule(f.ctx, ProviderActor(f.provider), soon.ID, f.today.AddDays(4), hm(9, 0))
	assert.ErrorIs(t, err, ErrActorNotPermitted)

	_, err = f.svc.Reschedule(f.ctx, f.admin, soon.ID, f.today, hm(9, 0))
	assert.ErrorIs(t, err, ErrSlotInPast)

	moved, err := f.svc.Reschedule(f.ctx, f.admin, soon.ID, f.today.AddDays(4), hm(9, 0))
	require.NoError(t, err)
	assert.Equal(t, f.today.AddDays(4), moved.Date)
}

func TestReschedule_NoticeBoundary(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.patient, f.today.AddDays(1), hm(10, 0))

	// Exactly 24h ahead is enough notice.
	moved, err := f.svc.Reschedule(f.ctx, PatientActor(f.patient), appt.ID, f.today.AddDays(2), hm(10, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusRescheduled, moved.Status)
	assert.Equal(t, f.today.AddDays(2), moved.Date)

	// One minute later it is not.
	late := f.at(fixedNow.AddDate(0, 0, 1).Add(time.Minute))
	_, err = late.Reschedule(f.ctx, PatientActor(f.patient), appt.ID, f.today.AddDays(3), hm(10, 0))
	assert.ErrorIs(t, err, ErrNoticePeriod)
}

// =============================================================================
// OUTCOMES & NO-SHOW BLOCKING
// =============================================================================

func TestMarkNoShow_BlocksAfterThreeConsecutive(t *testing.T) {
	f := newFixture(t)
	provider := ProviderActor(f.provider)

	for i := 1; i <= 3; i++ {
		appt := f.book(t, f.patient, f.today.AddDays(i), hm(8, 0))
		out, err := f.svc.MarkNoShow(f.ctx, provider, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusNoShow, out.Appointment.Status)
		assert.Equal(t, i, out.ConsecutiveNoShows)
		assert.Equal(t, i == 3, out.PatientBlocked)
	}

	_, err := f.svc.Create(f.ctx, PatientActor(f.patient), f.request(f.patient, f.today.AddDays(5), hm(8, 0)))
	assert.ErrorIs(t, err, ErrPatientBlocked)

	require.NoError(t, f.svc.UnblockPatient(f.ctx, f.admin, f.patient))
	p := f.patientState(t, f.patient)
	assert.False(t, p.Blocked)
	assert.Zero(t, p.ConsecutiveNoShows)

	f.book(t, f.patient, f.today.AddDays(5), hm(8, 0))
}

func TestMarkNoShow_LogsBlockOnce(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	svc := NewService(f.store, nil, config.Config{Location: time.UTC},
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(zerolog.New(&buf)))

	// Two bookings at a time keeps the patient under the booking limit. The
	// fourth was booked before the block and still counts as a no-show.
	missed := 0
	for round := 0; round < 2; round++ {
		pair := []*Appointment{
			f.book(t, f.patient, f.today.AddDays(2*round+1), hm(8, 0)),
			f.book(t, f.patient, f.today.AddDays(2*round+2), hm(8, 0)),
		}
		for _, appt := range pair {
			out, err := svc.MarkNoShow(f.ctx, ProviderActor(f.provider), appt.ID)
			require.NoError(t, err)
			missed++
			assert.Equal(t, missed, out.ConsecutiveNoShows)
			assert.Equal(t, missed >= 3, out.PatientBlocked)
		}
	}

	assert.Equal(t, 1, strings.Count(buf.String(), "patient blocked after consecutive no-shows"))
}

func TestMarkRealized_ResetsNoShowStreak(t *testing.T) {
	f := newFixture(t)
	provider := ProviderActor(f.provider)

	for i := 1; i <= 2; i++ {
		appt := f.book(t, f.patient, f.today.AddDays(i), hm(8, 0))
		_, err := f.svc.MarkNoShow(f.ctx, provider, appt.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.patientState(t, f.patient).ConsecutiveNoShows)

	appt := f.book(t, f.patient, f.today.AddDays(3), hm(8, 0))
	visitDay := fixedNow.AddDate(0, 0, 3)
	realized, err := f.at(visitDay).MarkRealized(f.ctx, provider, appt.ID, " follow up in 6 months ")
	require.NoError(t, err)
	assert.Equal(t, StatusRealized, realized.Status)
	require.NotNil(t, realized.ClinicalNote)
	assert.Equal(t, "follow up in 6 months", *realized.ClinicalNote)
	assert.Zero(t, f.patientState(t, f.patient).ConsecutiveNoShows)

	// A later no-show starts a fresh streak.
	next := f.book(t, f.patient, f.today.AddDays(4), hm(8, 0))
	out, err := f.svc.MarkNoShow(f.ctx, provider, next.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, out.ConsecutiveNoShows)
	assert.False(t, out.PatientBlocked)
}

func TestMarkOutcome_Permissions(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.patient, f.today.AddDays(2), hm(8, 0))

	_, err := f.svc.MarkRealized(f.ctx, PatientActor(f.patient), appt.ID, "")
	assert.ErrorIs(t, err, ErrActorNotPermitted)

	_, err = f.svc.MarkNoShow(f.ctx, f.admin, appt.ID)
	assert.ErrorIs(t, err, ErrActorNotPermitted)

	_, err = f.svc.MarkNoShow(f.ctx, ProviderActor(uuid.New()), appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	realized, err := f.at(fixedNow.AddDate(0, 0, 2)).MarkRealized(f.ctx, ProviderActor(f.provider), appt.ID, strings.Repeat("x", 2500))
	require.NoError(t, err)
	assert.Len(t, *realized.ClinicalNote, 2000)

	_, err = f.svc.MarkNoShow(f.ctx, ProviderActor(f.provider), appt.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkRealized_NoteOnlyOnOrAfterVisitDay(t *testing.T) {
	f := newFixture(t)
	provider := ProviderActor(f.provider)
	appt := f.book(t, f.patient, f.today.AddDays(5), hm(9, 0))

	_, err := f.svc.MarkRealized(f.ctx, provider, appt.ID, "blood pressure normal")
	assert.ErrorIs(t, err, ErrNoteBeforeVisit)
	assert.True(t, IsPolicy(err))

	stored, err := f.store.GetAppointment(f.ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, stored.Status)
	assert.Nil(t, stored.ClinicalNote)

	realized, err := f.at(fixedNow.AddDate(0, 0, 5)).MarkRealized(f.ctx, provider, appt.ID, "blood pressure normal")
	require.NoError(t, err)
	require.NotNil(t, realized.ClinicalNote)
	assert.Equal(t, "blood pressure normal", *realized.ClinicalNote)
}

func TestMarkRealized_WithoutNoteBeforeVisitDay(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.patient, f.today.AddDays(5), hm(9, 0))

	realized, err := f.svc.MarkRealized(f.ctx, ProviderActor(f.provider), appt.ID, "   ")
	require.NoError(t, err)
	assert.Equal(t, StatusRealized, realized.Status)
	assert.Nil(t, realized.ClinicalNote)
}

func TestUnblockPatient_Errors(t *testing.T) {
	f := newFixture(t)

	err := f.svc.UnblockPatient(f.ctx, f.admin, f.patient)
	assert.ErrorIs(t, err, ErrPatientNotBlocked)

	blocked := f.addPatient(t, true)
	err = f.svc.UnblockPatient(f.ctx, ProviderActor(f.provider), blocked)
	assert.ErrorIs(t, err, ErrActorNotPermitted)

	err = f.svc.UnblockPatient(f.ctx, f.admin, uuid.New())
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

// =============================================================================
// SCHEDULE MANAGEMENT
// =============================================================================

func TestAddRule_Overlap(t *testing.T) {
	f := newFixture(t)
	owner := ProviderActor(f.provider)

	_, err := f.svc.AddRule(f.ctx, owner, f.provider, RuleInput{Weekday: time.Monday, Start: hm(11, 0), End: hm(13, 0)})
	assert.ErrorIs(t, err, ErrRuleOverlap)

	// Touching the end of the morning block is not an overlap.
	afternoon, err := f.svc.AddRule(f.ctx, owner, f.provider, RuleInput{Weekday: time.Monday, Start: hm(12, 0), End: hm(14, 0), DurationMinutes: 60})
	require.NoError(t, err)
	assert.Equal(t, 60, afternoon.DurationMinutes)

	_, err = f.svc.AddRule(f.ctx, owner, f.provider, RuleInput{Weekday: time.Tuesday, Start: hm(14, 0), End: hm(13, 0)})
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = f.svc.AddRule(f.ctx, owner, f.provider, RuleInput{Weekday: time.Tuesday, Start: hm(14, 0), End: hm(14, 20)})
	assert.True(t, IsValidation(err))

	_, err = f.svc.AddRule(f.ctx, ProviderActor(uuid.New()), f.provider, RuleInput{Weekday: time.Tuesday, Start: hm(14, 0), End: hm(15, 0)})
	assert.ErrorIs(t, err, ErrActorNotPermitted)

	// 2026-10-19 is a Monday.
	list, err := f.svc.ListSlots(f.ctx, f.provider, f.today.AddDays(3))
	require.NoError(t, err)
	assert.Len(t, list.Slots, 10)
}

func TestUpdateAndDeleteRule(t *testing.T) {
	f := newFixture(t)
	owner := ProviderActor(f.provider)

	rule, err := f.svc.AddRule(f.ctx, owner, f.provider, RuleInput{Weekday: time.Monday, Start: hm(14, 0), End: hm(16, 0)})
	require.NoError(t, err)

	_, err = f.svc.UpdateRule(f.ctx, owner, rule.ID, RuleInput{Weekday: time.Monday, Start: hm(11, 0), End: hm(16, 0)})
	assert.ErrorIs(t, err, ErrRuleOverlap)

	updated, err := f.svc.UpdateRule(f.ctx, owner, rule.ID, RuleInput{Weekday: time.Monday, Start: hm(14, 0), End: hm(15, 0)})
	require.NoError(t, err)
	assert.Equal(t, hm(15, 0), updated.End)

	require.NoError(t, f.svc.DeleteRule(f.ctx, owner, rule.ID))

	rules, err := f.svc.ListRules(f.ctx, f.provider)
	require.NoError(t, err)
	var found bool
	for _, r := range rules {
		if r.ID == rule.ID {
			found = true
			assert.False(t, r.Active)
		}
	}
	assert.True(t, found)

	err = f.svc.DeleteRule(f.ctx, owner, uuid.New())
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestAddBlackout(t *testing.T) {
	f := newFixture(t)
	owner := ProviderActor(f.provider)
	day := f.today.AddDays(2)
	f.book(t, f.patient, day, hm(9, 0))

	_, err := f.svc.AddBlackout(f.ctx, owner, f.provider, BlackoutInput{Date: day, Start: hm(8, 30), End: hm(9, 30)})
	assert.ErrorIs(t, err, ErrBlackoutOverlapsBooking)
	assert.True(t, IsConflict(err))

	// The half-open window ending at 09:00 leaves the booking alone.
	b, err := f.svc.AddBlackout(f.ctx, owner, f.provider, BlackoutInput{Date: day, Start: hm(8, 0), End: hm(9, 0), Reason: "staff meeting"})
	require.NoError(t, err)
	assert.Equal(t, "staff meeting", b.Reason)

	_, err = f.svc.AddBlackout(f.ctx, owner, f.provider, BlackoutInput{Date: f.today.AddDays(-1), Start: hm(8, 0), End: hm(9, 0)})
	assert.ErrorIs(t, err, ErrDateInPast)

	_, err = f.svc.AddBlackout(f.ctx, owner, f.provider, BlackoutInput{Date: day, Start: hm(11, 0), End: hm(10, 0)})
	assert.ErrorIs(t, err, ErrInvalidRange)

	listed, err := f.svc.ListBlackouts(f.ctx, f.provider, nil, nil)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, b.ID, listed[0].ID)

	require.NoError(t, f.svc.DeleteBlackout(f.ctx, owner, b.ID))
	listed, err = f.svc.ListBlackouts(f.ctx, f.provider, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, listed)

	err = f.svc.DeleteBlackout(f.ctx, owner, b.ID)
	assert.ErrorIs(t, err, ErrBlackoutNotFound)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestListAppointments_Scope(t *testing.T) {
	f := newFixture(t)
	other := f.addPatient(t, false)

	mine := f.book(t, f.patient, f.today.AddDays(3), hm(8, 0))
	f.book(t, other, f.today.AddDays(3), hm(8, 30))
	done := f.book(t, f.patient, f.today.AddDays(4), hm(8, 0))
	_, err := f.svc.MarkRealized(f.ctx, ProviderActor(f.provider), done.ID, "")
	require.NoError(t, err)

	appts, err := f.svc.ListAppointments(f.ctx, PatientActor(f.patient), AppointmentFilter{})
	require.NoError(t, err)
	assert.Len(t, appts, 2)

	// Patients cannot widen their scope through the filter.
	appts, err = f.svc.ListAppointments(f.ctx, PatientActor(f.patient), AppointmentFilter{PatientID: &other})
	require.NoError(t, err)
	for _, a := range appts {
		assert.Equal(t, f.patient, a.PatientID)
	}

	upcoming, err := f.svc.ListAppointments(f.ctx, PatientActor(f.patient), AppointmentFilter{Scope: ScopeUpcoming})
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, mine.ID, upcoming[0].ID)

	past, err := f.svc.ListAppointments(f.ctx, PatientActor(f.patient), AppointmentFilter{Scope: ScopePast})
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, done.ID, past[0].ID)

	all, err := f.svc.ListAppointments(f.ctx, ProviderActor(f.provider), AppointmentFilter{Statuses: []Status{StatusScheduled}})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.ListAppointments(f.ctx, f.admin, AppointmentFilter{Statuses: []Status{"pending"}})
	assert.True(t, IsValidation(err))
}

type recordingObserver struct {
	mu  sync.Mutex
	ops map[string]Kind
}

func (o *recordingObserver) Observe(op string, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.ops[op] = ""
		return
	}
	o.ops[op] = KindOf(err)
}

func TestService_ReportsOutcomesToObserver(t *testing.T) {
	f := newFixture(t)
	obs := &recordingObserver{ops: map[string]Kind{}}
	f.svc.observer = obs

	f.book(t, f.patient, f.today.AddDays(3), hm(8, 0))
	_, err := f.svc.ListSlots(f.ctx, f.provider, f.today.AddDays(-1))
	require.Error(t, err)

	assert.Equal(t, Kind(""), obs.ops["create"])
	assert.Equal(t, KindValidation, obs.ops["list_slots"])
}
