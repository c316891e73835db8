package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/booking"
)

// Slots

func listSlotsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}
		date, err := booking.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		list, err := svc.ListSlots(r.Context(), providerID, date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		slots := make([]string, len(list.Slots))
		for i, s := range list.Slots {
			slots[i] = s.String()
		}
		writeJSON(w, http.StatusOK, SlotListResponse{
			ProviderID: list.ProviderID,
			Date:       list.Date.String(),
			Slots:      slots,
			Reason:     list.Reason,
		})
	}
}

// Appointments

func createAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if msg, ok := decodeJSON(r, &req); !ok {
			handleServiceError(w, r, booking.NewValidationError("invalid_request_body", msg))
			return
		}

		date, err := booking.ParseDate(req.Date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		at, err := booking.ParseTimeOfDay(req.Time)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		payer := booking.Payer{SelfPay: req.Payer.SelfPay}
		if req.Payer.InsurancePlanID != "" {
			planID := uuid.MustParse(req.Payer.InsurancePlanID)
			payer.InsurancePlanID = &planID
		}

		appt, err := svc.Create(r.Context(), actorFrom(r.Context()), booking.BookingRequest{
			PatientID:  uuid.MustParse(req.PatientID),
			ProviderID: uuid.MustParse(req.ProviderID),
			Date:       date,
			Time:       at,
			Payer:      payer,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseAppointmentFilter(r)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		appts, err := svc.ListAppointments(r.Context(), actorFrom(r.Context()), f)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		items := make([]AppointmentResponse, len(appts))
		for i := range appts {
			items[i] = toAppointmentResponse(&appts[i])
		}
		limit, offset := f.Page()
		writeJSON(w, http.StatusOK, AppointmentListResponse{Items: items, Limit: limit, Offset: offset})
	}
}

func cancelAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		var req CancelAppointmentRequest
		if r.ContentLength != 0 {
			if msg, ok := decodeJSON(r, &req); !ok {
				handleServiceError(w, r, booking.NewValidationError("invalid_request_body", msg))
				return
			}
		}

		appt, err := svc.Cancel(r.Context(), actorFrom(r.Context()), id, req.Reason)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		var req RescheduleAppointmentRequest
		if msg, ok := decodeJSON(r, &req); !ok {
			handleServiceError(w, r, booking.NewValidationError("invalid_request_body", msg))
			return
		}
		date, err := booking.ParseDate(req.Date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		at, err := booking.ParseTimeOfDay(req.Time)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		appt, err := svc.Reschedule(r.Context(), actorFrom(r.Context()), id, date, at)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func realizeAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		var req RealizeAppointmentRequest
		if r.ContentLength != 0 {
			if msg, ok := decodeJSON(r, &req); !ok {
				handleServiceError(w, r, booking.NewValidationError("invalid_request_body", msg))
				return
			}
		}

		appt, err := svc.MarkRealized(r.Context(), actorFrom(r.Context()), id, req.ClinicalNote)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func noShowAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		out, err := svc.MarkNoShow(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, NoShowResponse{
			Appointment:        toAppointmentResponse(out.Appointment),
			ConsecutiveNoShows: out.ConsecutiveNoShows,
			PatientBlocked:     out.PatientBlocked,
		})
	}
}

// Provider schedule

func listRulesHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}

		rules, err := svc.ListRules(r.Context(), providerID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		resp := make([]AvailabilityRuleResponse, len(rules))
		for i := range rules {
			resp[i] = toRuleResponse(&rules[i])
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func addRuleHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}
		in, ok := decodeRule(w, r)
		if !ok {
			return
		}

		rule, err := svc.AddRule(r.Context(), actorFrom(r.Context()), providerID, in)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toRuleResponse(rule))
	}
}

func updateRuleHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID, ok := uuidParam(w, r, "ruleID", "invalid_rule_id")
		if !ok {
			return
		}
		in, ok := decodeRule(w, r)
		if !ok {
			return
		}

		rule, err := svc.UpdateRule(r.Context(), actorFrom(r.Context()), ruleID, in)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toRuleResponse(rule))
	}
}

func deleteRuleHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID, ok := uuidParam(w, r, "ruleID", "invalid_rule_id")
		if !ok {
			return
		}

		if err := svc.DeleteRule(r.Context(), actorFrom(r.Context()), ruleID); err != nil {
			handleServiceError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func listBlackoutsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}
		from, err := optionalDate(r, "from")
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		to, err := optionalDate(r, "to")
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		blackouts, err := svc.ListBlackouts(r.Context(), providerID, from, to)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		resp := make([]BlackoutResponse, len(blackouts))
		for i := range blackouts {
			resp[i] = toBlackoutResponse(&blackouts[i])
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func addBlackoutHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}
		var req BlackoutRequest
		if msg, ok := decodeJSON(r, &req); !ok {
			handleServiceError(w, r, booking.NewValidationError("invalid_request_body", msg))
			return
		}
		date, err := booking.ParseDate(req.Date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		start, _ := booking.ParseTimeOfDay(req.StartTime)
		end, _ := booking.ParseTimeOfDay(req.EndTime)

		b, err := svc.AddBlackout(r.Context(), actorFrom(r.Context()), providerID, booking.BlackoutInput{
			Date:   date,
			Start:  start,
			End:    end,
			Reason: req.Reason,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toBlackoutResponse(b))
	}
}

func deleteBlackoutHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		blackoutID, ok := uuidParam(w, r, "blackoutID", "invalid_blackout_id")
		if !ok {
			return
		}

		if err := svc.DeleteBlackout(r.Context(), actorFrom(r.Context()), blackoutID); err != nil {
			handleServiceError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// Admin

func unblockPatientHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := uuidParam(w, r, "id", "invalid_patient_id")
		if !ok {
			return
		}

		if err := svc.UnblockPatient(r.Context(), actorFrom(r.Context()), patientID); err != nil {
			handleServiceError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// Helpers

func decodeRule(w http.ResponseWriter, r *http.Request) (booking.RuleInput, bool) {
	var req AvailabilityRuleRequest
	if msg, ok := decodeJSON(r, &req); !ok {
		handleServiceError(w, r, booking.NewValidationError("invalid_request_body", msg))
		return booking.RuleInput{}, false
	}
	start, _ := booking.ParseTimeOfDay(req.StartTime)
	end, _ := booking.ParseTimeOfDay(req.EndTime)
	return booking.RuleInput{
		Weekday:         time.Weekday(*req.Weekday),
		Start:           start,
		End:             end,
		DurationMinutes: req.DurationMinutes,
	}, true
}

func parseAppointmentFilter(r *http.Request) (booking.AppointmentFilter, error) {
	q := r.URL.Query()
	var f booking.AppointmentFilter

	for _, key := range []string{"patient_id", "provider_id"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, booking.NewValidationError("invalid_"+key, key+" must be a valid UUID")
		}
		if key == "patient_id" {
			f.PatientID = &id
		} else {
			f.ProviderID = &id
		}
	}

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			st, err := booking.ParseStatus(s)
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	var err error
	if f.From, err = optionalDate(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = optionalDate(r, "to"); err != nil {
		return f, err
	}
	if f.Scope, err = booking.ParseScope(q.Get("scope")); err != nil {
		return f, err
	}
	if f.Limit, err = optionalInt(r, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = optionalInt(r, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func optionalDate(r *http.Request, key string) (*booking.Date, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	d, err := booking.ParseDate(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, booking.NewValidationError("invalid_"+key, key+" must be a non-negative integer")
	}
	return n, nil
}

func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		handleServiceError(w, r, booking.NewValidationError(code, name+" must be a valid UUID"))
		return uuid.Nil, false
	}
	return id, true
}

var statusByKind = map[booking.Kind]int{
	booking.KindValidation: http.StatusBadRequest,
	booking.KindNotFound:   http.StatusNotFound,
	booking.KindConflict:   http.StatusConflict,
	booking.KindPolicy:     http.StatusUnprocessableEntity,
}

// handleServiceError maps booking errors onto HTTP. Internal failures never
// leak their cause; the service has already logged it.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := booking.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Kind:    string(booking.KindInternal),
			Details: "internal error, request id " + GetRequestID(r.Context()),
		})
		return
	}

	var details string
	var e *booking.Error
	if errors.As(err, &e) {
		details = e.Message
	}
	writeJSON(w, status, ErrorResponse{
		Error:   booking.CodeOf(err),
		Kind:    string(kind),
		Details: details,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
