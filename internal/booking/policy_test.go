package booking

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPolicy_CheckNotice(t *testing.T) {
	p := DefaultPolicy()
	start := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)

	assert.NoError(t, p.CheckNotice(start, start.Add(-48*time.Hour)))
	// Exactly the notice period is enough.
	assert.NoError(t, p.CheckNotice(start, start.Add(-24*time.Hour)))
	// Seconds are ignored: 23:59:30 before still counts as 24h.
	assert.NoError(t, p.CheckNotice(start, start.Add(-24*time.Hour+30*time.Second)))

	err := p.CheckNotice(start, start.Add(-23*time.Hour-59*time.Minute))
	assert.ErrorIs(t, err, ErrNoticePeriod)
	assert.True(t, IsPolicy(err))
}

func TestPolicy_CheckCanBook(t *testing.T) {
	p := DefaultPolicy()

	assert.NoError(t, p.CheckCanBook(&Patient{}, 0))
	assert.NoError(t, p.CheckCanBook(&Patient{}, 1))
	assert.ErrorIs(t, p.CheckCanBook(&Patient{}, 2), ErrBookingLimitReached)
	assert.ErrorIs(t, p.CheckCanBook(&Patient{Blocked: true}, 0), ErrPatientBlocked)
}

func TestPolicy_NoticeAppliesToPatientsOnly(t *testing.T) {
	p := DefaultPolicy()
	id := uuid.New()

	assert.True(t, p.NoticeApplies(PatientActor(id)))
	assert.False(t, p.NoticeApplies(ProviderActor(id)))
	assert.False(t, p.NoticeApplies(AdminActor(id)))
}

func TestPolicy_BlocksAfter(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.BlocksAfter(2))
	assert.True(t, p.BlocksAfter(3))
	assert.True(t, p.BlocksAfter(4))
}

func TestStatus_Transitions(t *testing.T) {
	for _, from := range ActiveStatuses {
		for _, to := range []Status{StatusRescheduled, StatusCancelled, StatusRealized, StatusNoShow} {
			assert.True(t, from.CanTransition(to), "%s -> %s", from, to)
		}
		assert.False(t, from.CanTransition(StatusScheduled))
	}
	for _, from := range []Status{StatusRealized, StatusCancelled, StatusNoShow} {
		assert.True(t, from.Terminal())
		for _, to := range []Status{StatusScheduled, StatusRescheduled, StatusCancelled, StatusRealized, StatusNoShow} {
			assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}

	_, err := ParseStatus("pending")
	assert.True(t, IsValidation(err))
}

func TestPayer_Validate(t *testing.T) {
	plan := uuid.New()

	assert.NoError(t, SelfPay().Validate())
	assert.NoError(t, Insurance(plan).Validate())
	assert.Error(t, Payer{}.Validate())
	assert.Error(t, Payer{SelfPay: true, InsurancePlanID: &plan}.Validate())
	assert.Error(t, Insurance(uuid.Nil).Validate())
}

func TestErrors_MatchByCode(t *testing.T) {
	err := withMessage(ErrSlotTaken, "someone else got it")

	assert.ErrorIs(t, err, ErrSlotTaken)
	assert.NotErrorIs(t, err, ErrSlotBlocked)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, "slot_taken", CodeOf(err))

	internal := internalError("create appointment", assert.AnError)
	assert.Equal(t, KindInternal, KindOf(internal))
	assert.Equal(t, "internal_error", CodeOf(internal))
	assert.ErrorIs(t, internal, assert.AnError)
}
