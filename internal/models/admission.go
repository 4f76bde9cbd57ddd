package models

import (
	"time"

	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
)

// CapacitySnapshot is the class occupancy state read under the class row lock.
type CapacitySnapshot struct {
	Capacity         *int
	WaitlistCapacity *int
	SelectionType    SelectionType
	RecruitStartAt   time.Time
	RecruitEndAt     time.Time
	ApprovedCount    int
	WaitlistedCount  int
}

// HasSeat reports whether at least one seat is free.
func (s CapacitySnapshot) HasSeat() bool {
	return s.Capacity == nil || s.ApprovedCount < *s.Capacity
}

// DecideAdmission maps a capacity snapshot to the status a new application
// lands in. Callers must hold the class row lock so the counts cannot move
// between the read and the insert.
//
// ADMIT lands as APPLIED under REVIEW selection and as APPROVED under
// FIRST_COME. Waitlisting is independent of the selection type. Applications
// pending review do not consume a seat, so the seat check compares approved
// count only.
func DecideAdmission(snap CapacitySnapshot, now time.Time) (EnrollmentStatus, error) {
	if now.Before(snap.RecruitStartAt) || now.After(snap.RecruitEndAt) {
		return "", appErrors.ErrRecruitmentClosed
	}

	if snap.HasSeat() {
		if snap.SelectionType == SelectionReview {
			return StatusApplied, nil
		}
		return StatusApproved, nil
	}

	if snap.WaitlistCapacity != nil && snap.WaitlistedCount < *snap.WaitlistCapacity {
		return StatusWaitlisted, nil
	}

	return "", appErrors.ErrCapacityExceeded
}
