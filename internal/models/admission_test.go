package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
)

func intPtr(v int) *int { return &v }

func openWindow() (time.Time, time.Time, time.Time) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return now.Add(-time.Hour), now.Add(time.Hour), now
}

func TestDecideAdmissionOutsideWindow(t *testing.T) {
	start, end, now := openWindow()

	_, err := DecideAdmission(CapacitySnapshot{
		Capacity:       intPtr(10),
		SelectionType:  SelectionFirstCome,
		RecruitStartAt: start,
		RecruitEndAt:   end,
	}, now.Add(2*time.Hour))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrRecruitmentClosed.Code))

	_, err = DecideAdmission(CapacitySnapshot{
		Capacity:       intPtr(10),
		SelectionType:  SelectionFirstCome,
		RecruitStartAt: start,
		RecruitEndAt:   end,
	}, start.Add(-time.Minute))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrRecruitmentClosed.Code))
}

func TestDecideAdmissionSeatAvailable(t *testing.T) {
	start, end, now := openWindow()

	status, err := DecideAdmission(CapacitySnapshot{
		Capacity:       intPtr(2),
		ApprovedCount:  1,
		SelectionType:  SelectionFirstCome,
		RecruitStartAt: start,
		RecruitEndAt:   end,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)

	status, err = DecideAdmission(CapacitySnapshot{
		Capacity:       intPtr(2),
		ApprovedCount:  1,
		SelectionType:  SelectionReview,
		RecruitStartAt: start,
		RecruitEndAt:   end,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, status)
}

func TestDecideAdmissionUnlimitedCapacity(t *testing.T) {
	start, end, now := openWindow()

	status, err := DecideAdmission(CapacitySnapshot{
		ApprovedCount:  10_000,
		SelectionType:  SelectionFirstCome,
		RecruitStartAt: start,
		RecruitEndAt:   end,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)
}

func TestDecideAdmissionWaitlist(t *testing.T) {
	start, end, now := openWindow()

	status, err := DecideAdmission(CapacitySnapshot{
		Capacity:         intPtr(1),
		ApprovedCount:    1,
		WaitlistCapacity: intPtr(5),
		WaitlistedCount:  2,
		SelectionType:    SelectionFirstCome,
		RecruitStartAt:   start,
		RecruitEndAt:     end,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitlisted, status)
}

func TestDecideAdmissionCapacityExceeded(t *testing.T) {
	start, end, now := openWindow()

	// Waitlist disabled.
	_, err := DecideAdmission(CapacitySnapshot{
		Capacity:       intPtr(1),
		ApprovedCount:  1,
		SelectionType:  SelectionFirstCome,
		RecruitStartAt: start,
		RecruitEndAt:   end,
	}, now)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCapacityExceeded.Code))

	// Waitlist full.
	_, err = DecideAdmission(CapacitySnapshot{
		Capacity:         intPtr(1),
		ApprovedCount:    1,
		WaitlistCapacity: intPtr(1),
		WaitlistedCount:  1,
		SelectionType:    SelectionReview,
		RecruitStartAt:   start,
		RecruitEndAt:     end,
	}, now)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCapacityExceeded.Code))
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to EnrollmentStatus
		allowed  bool
	}{
		{StatusApplied, StatusApproved, true},
		{StatusApplied, StatusRejected, true},
		{StatusApplied, StatusCanceled, true},
		{StatusWaitlisted, StatusApproved, true},
		{StatusWaitlisted, StatusRejected, true},
		{StatusWaitlisted, StatusCanceled, true},
		{StatusApproved, StatusCanceled, true},
		{StatusApproved, StatusRejected, false},
		{StatusApproved, StatusWaitlisted, false},
		{StatusRejected, StatusApproved, false},
		{StatusRejected, StatusCanceled, false},
		{StatusCanceled, StatusApproved, false},
		{StatusCanceled, StatusApplied, false},
		{StatusApplied, StatusWaitlisted, false},
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.allowed, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.False(t, StatusApplied.Terminal())
	assert.False(t, StatusWaitlisted.Terminal())
	assert.False(t, StatusApproved.Terminal())
}

func TestStatusConsumesSeat(t *testing.T) {
	assert.True(t, StatusApproved.ConsumesSeat())
	assert.False(t, StatusApplied.ConsumesSeat())
	assert.False(t, StatusWaitlisted.ConsumesSeat())
}
