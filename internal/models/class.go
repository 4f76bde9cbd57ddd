package models

import "time"

// SelectionType determines how admitted applications land.
type SelectionType string

const (
	// SelectionFirstCome approves applicants immediately while seats last.
	SelectionFirstCome SelectionType = "FIRST_COME"
	// SelectionReview queues applicants for a manual admin decision.
	SelectionReview SelectionType = "REVIEW"
)

// Class represents a capacity-limited class open for enrollment.
// A nil Capacity means unlimited seats; a nil WaitlistCapacity disables the waitlist.
type Class struct {
	ID               string        `db:"id" json:"id"`
	Name             string        `db:"name" json:"name"`
	Description      string        `db:"description" json:"description"`
	FormID           *string       `db:"form_id" json:"form_id,omitempty"`
	Capacity         *int          `db:"capacity" json:"capacity,omitempty"`
	WaitlistCapacity *int          `db:"waitlist_capacity" json:"waitlist_capacity,omitempty"`
	SelectionType    SelectionType `db:"selection_type" json:"selection_type"`
	RecruitStartAt   time.Time     `db:"recruit_start_at" json:"recruit_start_at"`
	RecruitEndAt     time.Time     `db:"recruit_end_at" json:"recruit_end_at"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// ClassFilter defines filter criteria for listing classes.
type ClassFilter struct {
	Search    string
	OpenAt    *time.Time
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
