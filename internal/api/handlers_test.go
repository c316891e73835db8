package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/config"
)

// Friday 2026-10-16 10:00 UTC.
var testNow = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

type testServer struct {
	t        *testing.T
	handler  http.Handler
	store    *booking.SQLiteStore
	provider uuid.UUID
	patient  uuid.UUID
	admin    uuid.UUID
}

type countingObserver struct {
	routes map[string]int
}

func (o *countingObserver) ObserveHTTP(method, route string, status int, _ time.Duration) {
	o.routes[method+" "+route]++
}

func newTestServer(t *testing.T) (*testServer, *countingObserver) {
	t.Helper()

	ctx := context.Background()
	store, err := booking.NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := booking.NewService(store, nil, config.Config{Location: time.UTC},
		booking.WithClock(func() time.Time { return testNow }))

	ts := &testServer{
		t:        t,
		store:    store,
		provider: uuid.New(),
		patient:  uuid.New(),
		admin:    uuid.New(),
	}
	require.NoError(t, store.UpsertProvider(ctx, &booking.Provider{ID: ts.provider, Name: "Dr. House", Active: true}))
	require.NoError(t, store.UpsertPatient(ctx, &booking.Patient{ID: ts.patient, Name: "Jane Roe", Active: true}))

	obs := &countingObserver{routes: map[string]int{}}
	ts.handler = NewRouter(RouterConfig{
		Service:  svc,
		Store:    store,
		StoreTag: "sqlite",
		Logger:   zerolog.Nop(),
		Metrics:  obs,
		Env:      "test",
		Version:  "test",
	})
	return ts, obs
}

func (ts *testServer) do(method, path string, actor *booking.Actor, body any) *httptest.ResponseRecorder {
	ts.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(headerActorID, actor.ID.String())
		req.Header.Set(headerActorRole, string(actor.Role))
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) addMorningRule(weekday int) {
	ts.t.Helper()

	provider := booking.ProviderActor(ts.provider)
	rec := ts.do(http.MethodPost, "/providers/"+ts.provider.String()+"/availability", &provider, map[string]any{
		"weekday":    weekday,
		"start_time": "08:00",
		"end_time":   "12:00",
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/health/ready", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadinessResponse](t, rec)
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "ok", ready.Dependencies["sqlite"])
}

func TestReadiness_DegradedWithoutRedis(t *testing.T) {
	h := NewHealthHandler(
		PingFunc(func(context.Context) error { return nil }), "postgres",
		PingFunc(func(context.Context) error { return errors.New("connection refused") }),
		"test", "v1",
	)
	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadinessResponse](t, rec)
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, "down", ready.Dependencies["redis"])

	h = NewHealthHandler(PingFunc(func(context.Context) error { return errors.New("down") }), "postgres", nil, "test", "v1")
	rec = httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestActorMiddleware_RejectsMissingIdentity(t *testing.T) {
	ts, _ := newTestServer(t)

	rec := ts.do(http.MethodGet, "/appointments", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_actor", decode[ErrorResponse](t, rec).Error)

	bogus := booking.Actor{ID: uuid.New(), Role: "receptionist"}
	rec = ts.do(http.MethodGet, "/appointments", &bogus, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBookingFlow(t *testing.T) {
	ts, obs := newTestServer(t)
	patient := booking.PatientActor(ts.patient)
	provider := booking.ProviderActor(ts.provider)

	// 2026-10-19 is a Monday.
	ts.addMorningRule(int(time.Monday))

	rec := ts.do(http.MethodGet, "/providers/"+ts.provider.String()+"/slots?date=2026-10-19", &patient, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	slots := decode[SlotListResponse](t, rec)
	assert.Len(t, slots.Slots, 8)
	assert.Equal(t, "08:00", slots.Slots[0])

	create := map[string]any{
		"patient_id":  ts.patient.String(),
		"provider_id": ts.provider.String(),
		"date":        "2026-10-19",
		"time":        "09:00",
		"payer":       map[string]any{"self_pay": true},
	}
	rec = ts.do(http.MethodPost, "/appointments", &patient, create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appt := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "scheduled", appt.Status)
	assert.Equal(t, "09:00", appt.Time)

	// Same slot again.
	rec = ts.do(http.MethodPost, "/appointments", &patient, create)
	assert.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "slot_taken", errResp.Error)
	assert.Equal(t, "conflict", errResp.Kind)

	rec = ts.do(http.MethodGet, "/appointments/"+appt.ID.String(), &patient, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	stranger := booking.PatientActor(uuid.New())
	rec = ts.do(http.MethodGet, "/appointments/"+appt.ID.String(), &stranger, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/reschedule", &patient, map[string]any{
		"date": "2026-10-19",
		"time": "10:30",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rescheduled", decode[AppointmentResponse](t, rec).Status)

	rec = ts.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/realize", &patient, map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "actor_not_permitted", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/no-show", &provider, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	noShow := decode[NoShowResponse](t, rec)
	assert.Equal(t, "no_show", noShow.Appointment.Status)
	assert.Equal(t, 1, noShow.ConsecutiveNoShows)
	assert.False(t, noShow.PatientBlocked)

	rec = ts.do(http.MethodGet, "/appointments?scope=past", &patient, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[AppointmentListResponse](t, rec)
	assert.Len(t, list.Items, 1)
	assert.Equal(t, 20, list.Limit)

	assert.Equal(t, 2, obs.routes["POST /appointments"])
	assert.Equal(t, 2, obs.routes["GET /appointments/{id}"])
}

func TestCreate_ValidationErrors(t *testing.T) {
	ts, _ := newTestServer(t)
	patient := booking.PatientActor(ts.patient)

	rec := ts.do(http.MethodPost, "/appointments", &patient, map[string]any{
		"patient_id":  "not-a-uuid",
		"provider_id": ts.provider.String(),
		"date":        "19/10/2026",
		"time":        "9h",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid_request_body", errResp.Error)
	assert.Contains(t, errResp.Details, "patient_id must be a valid UUID")
	assert.Contains(t, errResp.Details, "time must be a time in HH:MM format")

	rec = ts.do(http.MethodPost, "/appointments", &patient, map[string]any{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/providers/"+ts.provider.String()+"/slots?date=2026-10-01", &patient, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "date_in_past", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(http.MethodGet, "/appointments/42", &patient, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	provider := booking.ProviderActor(ts.provider)
	base := "/providers/" + ts.provider.String()

	ts.addMorningRule(int(time.Tuesday))

	rec := ts.do(http.MethodPost, base+"/availability", &provider, map[string]any{
		"weekday":    int(time.Tuesday),
		"start_time": "11:00",
		"end_time":   "13:00",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "rule_overlap", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(http.MethodGet, base+"/availability", &provider, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decode[[]AvailabilityRuleResponse](t, rec)
	require.Len(t, rules, 1)
	assert.Equal(t, 30, rules[0].DurationMinutes)

	rec = ts.do(http.MethodDelete, base+"/availability/"+rules[0].ID.String(), &provider, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodPost, base+"/blackouts", &provider, map[string]any{
		"date":       "2026-10-20",
		"start_time": "08:00",
		"end_time":   "12:00",
		"reason":     "conference",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	blackout := decode[BlackoutResponse](t, rec)
	assert.Equal(t, "conference", blackout.Reason)

	other := booking.ProviderActor(uuid.New())
	rec = ts.do(http.MethodDelete, base+"/blackouts/"+blackout.ID.String(), &other, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(http.MethodDelete, base+"/blackouts/"+blackout.ID.String(), &provider, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUnblockEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := booking.AdminActor(ts.admin)
	path := "/admin/patients/" + ts.patient.String() + "/unblock"

	rec := ts.do(http.MethodPost, path, &admin, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "patient_not_blocked", decode[ErrorResponse](t, rec).Error)

	blocked := uuid.New()
	require.NoError(t, ts.store.UpsertPatient(context.Background(),
		&booking.Patient{ID: blocked, Name: "Blocked", Active: true, Blocked: true, ConsecutiveNoShows: 3}))

	rec = ts.do(http.MethodPost, "/admin/patients/"+blocked.String()+"/unblock", &admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}
