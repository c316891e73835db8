package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/booking"
)

type PayerRequest struct {
	SelfPay         bool   `json:"self_pay"`
	InsurancePlanID string `json:"insurance_plan_id" validate:"omitempty,uuid"`
}

type CreateAppointmentRequest struct {
	PatientID  string       `json:"patient_id" validate:"required,uuid"`
	ProviderID string       `json:"provider_id" validate:"required,uuid"`
	Date       string       `json:"date" validate:"required,datetime=2006-01-02"`
	Time       string       `json:"time" validate:"required,timeofday"`
	Payer      PayerRequest `json:"payer"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

type RescheduleAppointmentRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	Time string `json:"time" validate:"required,timeofday"`
}

type RealizeAppointmentRequest struct {
	ClinicalNote string `json:"clinical_note" validate:"max=8000"`
}

type AvailabilityRuleRequest struct {
	Weekday         *int   `json:"weekday" validate:"required,min=0,max=6"`
	StartTime       string `json:"start_time" validate:"required,timeofday"`
	EndTime         string `json:"end_time" validate:"required,timeofday"`
	DurationMinutes int    `json:"slot_duration_minutes" validate:"omitempty,min=5,max=480"`
}

type BlackoutRequest struct {
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string `json:"start_time" validate:"required,timeofday"`
	EndTime   string `json:"end_time" validate:"required,timeofday"`
	Reason    string `json:"reason" validate:"max=2000"`
}

type PayerResponse struct {
	SelfPay         bool       `json:"self_pay"`
	InsurancePlanID *uuid.UUID `json:"insurance_plan_id,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID     `json:"id"`
	PatientID          uuid.UUID     `json:"patient_id"`
	ProviderID         uuid.UUID     `json:"provider_id"`
	Date               string        `json:"date"`
	Time               string        `json:"time"`
	Status             string        `json:"status"`
	Payer              PayerResponse `json:"payer"`
	CancellationReason *string       `json:"cancellation_reason,omitempty"`
	ClinicalNote       *string       `json:"clinical_note,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

type NoShowResponse struct {
	Appointment        AppointmentResponse `json:"appointment"`
	ConsecutiveNoShows int                 `json:"consecutive_no_shows"`
	PatientBlocked     bool                `json:"patient_blocked"`
}

type AppointmentListResponse struct {
	Items  []AppointmentResponse `json:"items"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type SlotListResponse struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Date       string    `json:"date"`
	Slots      []string  `json:"slots"`
	Reason     string    `json:"reason,omitempty"`
}

type AvailabilityRuleResponse struct {
	ID              uuid.UUID `json:"id"`
	ProviderID      uuid.UUID `json:"provider_id"`
	Weekday         int       `json:"weekday"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	DurationMinutes int       `json:"slot_duration_minutes"`
	Active          bool      `json:"active"`
}

type BlackoutResponse struct {
	ID         uuid.UUID `json:"id"`
	ProviderID uuid.UUID `json:"provider_id"`
	Date       string    `json:"date"`
	StartTime  string    `json:"start_time"`
	EndTime    string    `json:"end_time"`
	Reason     string    `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:         a.ID,
		PatientID:  a.PatientID,
		ProviderID: a.ProviderID,
		Date:       a.Date.String(),
		Time:       a.Time.String(),
		Status:     string(a.Status),
		Payer: PayerResponse{
			SelfPay:         a.Payer.SelfPay,
			InsurancePlanID: a.Payer.InsurancePlanID,
		},
		CancellationReason: a.CancellationReason,
		ClinicalNote:       a.ClinicalNote,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func toRuleResponse(r *booking.AvailabilityRule) AvailabilityRuleResponse {
	return AvailabilityRuleResponse{
		ID:              r.ID,
		ProviderID:      r.ProviderID,
		Weekday:         int(r.Weekday),
		StartTime:       r.Start.String(),
		EndTime:         r.End.String(),
		DurationMinutes: r.DurationMinutes,
		Active:          r.Active,
	}
}

func toBlackoutResponse(b *booking.Blackout) BlackoutResponse {
	return BlackoutResponse{
		ID:         b.ID,
		ProviderID: b.ProviderID,
		Date:       b.Date.String(),
		StartTime:  b.Start.String(),
		EndTime:    b.End.String(),
		Reason:     b.Reason,
	}
}
