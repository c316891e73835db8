package booking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SlotList is the free-slot answer for one provider and day. Reason explains
// an empty list; it is not an error.
type SlotList struct {
	ProviderID uuid.UUID   `json:"provider_id"`
	Date       Date        `json:"date"`
	Slots      []TimeOfDay `json:"slots"`
	Reason     string      `json:"reason,omitempty"`
}

// candidates expands the rules that apply to date into slot start times.
// A start is produced only while start+duration still fits before the end.
func candidates(date Date, rules []AvailabilityRule) map[TimeOfDay]struct{} {
	out := make(map[TimeOfDay]struct{})
	wd := date.Weekday()
	for _, r := range rules {
		if !r.Active || r.Weekday != wd || r.DurationMinutes <= 0 {
			continue
		}
		for c := r.Start; c.Add(r.DurationMinutes) <= r.End; c = c.Add(r.DurationMinutes) {
			out[c] = struct{}{}
		}
	}
	return out
}

// GenerateSlots derives the free start times for date from the provider's
// rules, blackouts and active appointments. now is the current instant in
// the clinic location; when date is today, starts at or before the current
// minute are dropped. The result is sorted and free of duplicates.
func GenerateSlots(date Date, rules []AvailabilityRule, blackouts []Blackout, booked []Appointment, now time.Time) []TimeOfDay {
	cands := candidates(date, rules)

	occupied := make(map[TimeOfDay]struct{}, len(booked))
	for _, a := range booked {
		if a.Date == date && a.Status.Active() {
			occupied[a.Time] = struct{}{}
		}
	}

	isToday := DateOf(now) == date
	cutoff := TimeOfDayOf(now)

	slots := make([]TimeOfDay, 0, len(cands))
	for c := range cands {
		if _, taken := occupied[c]; taken {
			continue
		}
		if blackedOut(c, date, blackouts) {
			continue
		}
		if isToday && c <= cutoff {
			continue
		}
		slots = append(slots, c)
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

func blackedOut(t TimeOfDay, date Date, blackouts []Blackout) bool {
	for _, b := range blackouts {
		if b.Date == date && b.Covers(t) {
			return true
		}
	}
	return false
}

// classifySlot explains why t cannot be booked on date, or returns nil when
// it is free. Appointment exclude (if set) does not count as occupying.
func classifySlot(date Date, t TimeOfDay, rules []AvailabilityRule, blackouts []Blackout, booked []Appointment, exclude uuid.UUID) error {
	if _, offered := candidates(date, rules)[t]; !offered {
		return withMessage(ErrSlotNotOffered, fmt.Sprintf("provider does not offer %s on %s", t, date))
	}
	if blackedOut(t, date, blackouts) {
		return ErrSlotBlocked
	}
	for _, a := range booked {
		if a.ID != exclude && a.Date == date && a.Time == t && a.Status.Active() {
			return ErrSlotTaken
		}
	}
	return nil
}

// slotInputs loads everything GenerateSlots needs for one provider day.
func slotInputs(ctx context.Context, q Queries, providerID uuid.UUID, date Date) ([]AvailabilityRule, []Blackout, []Appointment, error) {
	rules, err := q.ListActiveRules(ctx, providerID, int(date.Weekday()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil, nil, nil
	}
	blackouts, err := q.ListBlackouts(ctx, providerID, date, date)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list blackouts: %w", err)
	}
	booked, err := q.ListActiveAppointmentsOn(ctx, providerID, date)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list appointments: %w", err)
	}
	return rules, blackouts, booked, nil
}

// checkSlot re-evaluates a single slot against current store state.
func checkSlot(ctx context.Context, q Queries, providerID uuid.UUID, date Date, t TimeOfDay, exclude uuid.UUID) error {
	rules, blackouts, booked, err := slotInputs(ctx, q, providerID, date)
	if err != nil {
		return err
	}
	return classifySlot(date, t, rules, blackouts, booked, exclude)
}

// ListSlots returns the free slots of a provider on date. It reads the
// store every time; results are never cached.
func (s *Service) ListSlots(ctx context.Context, providerID uuid.UUID, date Date) (list *SlotList, err error) {
	defer s.observe("list_slots", time.Now(), &err)

	now := s.now()
	if date.Before(DateOf(now)) {
		return nil, withMessage(ErrDateInPast, fmt.Sprintf("cannot list slots for past date %s", date))
	}

	list = &SlotList{ProviderID: providerID, Date: date, Slots: []TimeOfDay{}}

	provider, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, s.storeErr(ctx, "list slots", err, "provider_id", providerID)
	}
	if !provider.Active {
		list.Reason = "provider is not accepting appointments"
		return list, nil
	}

	rules, blackouts, booked, err := slotInputs(ctx, s.store, providerID, date)
	if err != nil {
		return nil, s.storeErr(ctx, "list slots", err, "provider_id", providerID, "date", date.String())
	}
	if len(rules) == 0 {
		list.Reason = fmt.Sprintf("provider does not attend on %s", date.Weekday())
		return list, nil
	}

	list.Slots = GenerateSlots(date, rules, blackouts, booked, now)
	if len(list.Slots) == 0 {
		list.Reason = fmt.Sprintf("no free slots on %s", date)
	}
	return list, nil
}
