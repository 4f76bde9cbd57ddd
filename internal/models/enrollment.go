package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	StatusApplied    EnrollmentStatus = "APPLIED"
	StatusApproved   EnrollmentStatus = "APPROVED"
	StatusWaitlisted EnrollmentStatus = "WAITLISTED"
	StatusRejected   EnrollmentStatus = "REJECTED"
	StatusCanceled   EnrollmentStatus = "CANCELED"
)

// Reason types recorded with admin decisions.
const (
	ReasonTypeAdminDecision = "ADMIN_DECISION"
	ReasonTypePromotion     = "WAITLIST_PROMOTION"
	ReasonTypeSelfCancel    = "SELF_CANCEL"
)

var allowedTransitions = map[EnrollmentStatus]map[EnrollmentStatus]struct{}{
	StatusApplied: {
		StatusApproved: {},
		StatusRejected: {},
		StatusCanceled: {},
	},
	StatusWaitlisted: {
		StatusApproved: {},
		StatusRejected: {},
		StatusCanceled: {},
	},
	StatusApproved: {
		StatusCanceled: {},
	},
}

// CanTransition reports whether the status change is allowed by the lifecycle.
func (s EnrollmentStatus) CanTransition(to EnrollmentStatus) bool {
	targets, ok := allowedTransitions[s]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s EnrollmentStatus) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// ConsumesSeat reports whether the status counts against class capacity.
// Applications pending manual review do not hold a seat.
func (s EnrollmentStatus) ConsumesSeat() bool {
	return s == StatusApproved
}

// Enrollment is a user's application to a class, including the form snapshot
// frozen at application time and an optimistic concurrency version.
type Enrollment struct {
	ID             string           `db:"id" json:"id"`
	Seq            int64            `db:"seq" json:"-"`
	UserID         string           `db:"user_id" json:"user_id"`
	ClassID        string           `db:"class_id" json:"class_id"`
	FormID         *string          `db:"form_id" json:"form_id,omitempty"`
	FormVersion    int              `db:"form_version" json:"form_version"`
	FormSnapshot   FormSchema       `db:"form_snapshot" json:"form_snapshot"`
	Answers        AnswerMap        `db:"answers" json:"answers"`
	Status         EnrollmentStatus `db:"status" json:"status"`
	AppliedAt      time.Time        `db:"applied_at" json:"applied_at"`
	DecidedAt      *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
	DecidedBy      *string          `db:"decided_by" json:"decided_by,omitempty"`
	Reason         *string          `db:"reason" json:"reason,omitempty"`
	ReasonType     *string          `db:"reason_type" json:"reason_type,omitempty"`
	CanceledAt     *time.Time       `db:"canceled_at" json:"canceled_at,omitempty"`
	IdempotencyKey *string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Version        int64            `db:"version" json:"version"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentDetail enriches Enrollment with user and class info.
type EnrollmentDetail struct {
	Enrollment
	UserName  string `db:"user_name" json:"user_name"`
	UserEmail string `db:"user_email" json:"user_email"`
	ClassName string `db:"class_name" json:"class_name"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	ClassID   string
	UserID    string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// StatusCounts aggregates enrollments per status for a class.
type StatusCounts struct {
	Applied    int `db:"applied" json:"applied"`
	Approved   int `db:"approved" json:"approved"`
	Waitlisted int `db:"waitlisted" json:"waitlisted"`
	Rejected   int `db:"rejected" json:"rejected"`
	Canceled   int `db:"canceled" json:"canceled"`
}
