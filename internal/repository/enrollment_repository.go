package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campushq/class-enroll-api/internal/models"
	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
)

// maxListPageSize caps a single List page. Oversized requests are clamped to
// this, not to the default, so callers paging through a full roster can rely
// on fixed-size pages.
const maxListPageSize = 100

const enrollmentColumns = `id, seq, user_id, class_id, form_id, form_version, form_snapshot, answers, status,
        applied_at, decided_at, decided_by, reason, reason_type, canceled_at, idempotency_key, version, created_at, updated_at`

const enrollmentColumnsPrefixed = `e.id, e.seq, e.user_id, e.class_id, e.form_id, e.form_version, e.form_snapshot, e.answers, e.status,
        e.applied_at, e.decided_at, e.decided_by, e.reason, e.reason_type, e.canceled_at, e.idempotency_key, e.version, e.created_at, e.updated_at`

// Locks the class row so no two admissions or promotions can read the same
// seat count concurrently. Capacity correctness depends on this lock, not on
// any in-process synchronisation, because the API runs as multiple instances.
const lockClassQuery = `SELECT capacity, waitlist_capacity, selection_type, recruit_start_at, recruit_end_at
        FROM classes WHERE id = $1 FOR UPDATE`

// EnrollmentRepository handles persistence of enrollments, including the
// transactional admission and waitlist-promotion paths.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindByUserAndClass returns the enrollment a user holds for a class, if any.
func (r *EnrollmentRepository) FindByUserAndClass(ctx context.Context, userID, classID string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE user_id = $1 AND class_id = $2`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, userID, classID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with user and class context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	query := fmt.Sprintf(`SELECT %s,
        u.full_name AS user_name, u.email AS user_email, c.name AS class_name
        FROM enrollments e
        LEFT JOIN users u ON u.id = e.user_id
        LEFT JOIN classes c ON c.id = e.class_id
        WHERE e.id = $1`, enrollmentColumnsPrefixed)
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN users u ON u.id = e.user_id
LEFT JOIN classes c ON c.id = e.class_id`
	var conditions []string
	var args []interface{}

	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("e.class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("e.user_id = $%d", len(args)+1))
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"applied_at": "e.applied_at",
		"status":     "e.status",
		"user_name":  "u.full_name",
		"class_name": "c.name",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "applied_at"
	}
	orderBy := allowedSorts[sortBy]
	if orderBy == "" {
		orderBy = "e.applied_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	if size > maxListPageSize {
		size = maxListPageSize
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s,
        u.full_name AS user_name, u.email AS user_email, c.name AS class_name
        %s ORDER BY %s %s, e.seq ASC LIMIT %d OFFSET %d`,
		enrollmentColumnsPrefixed, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// CountByStatus aggregates per-status counts for a class.
func (r *EnrollmentRepository) CountByStatus(ctx context.Context, classID string) (*models.StatusCounts, error) {
	const query = `SELECT
        COUNT(*) FILTER (WHERE status = 'APPLIED') AS applied,
        COUNT(*) FILTER (WHERE status = 'APPROVED') AS approved,
        COUNT(*) FILTER (WHERE status = 'WAITLISTED') AS waitlisted,
        COUNT(*) FILTER (WHERE status = 'REJECTED') AS rejected,
        COUNT(*) FILTER (WHERE status = 'CANCELED') AS canceled
        FROM enrollments WHERE class_id = $1`
	var counts models.StatusCounts
	if err := r.db.GetContext(ctx, &counts, query, classID); err != nil {
		return nil, fmt.Errorf("count enrollments by status: %w", err)
	}
	return &counts, nil
}

// CreateWithAdmission inserts a new enrollment, deciding its landing status
// from the class occupancy read under the class row lock. The lock, the
// counts, the decision and the insert share one transaction so two concurrent
// applicants can never both claim the last seat.
func (r *EnrollmentRepository) CreateWithAdmission(ctx context.Context, enrollment *models.Enrollment) (result *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin admission transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	snapshot, err := lockCapacitySnapshot(ctx, tx, enrollment.ClassID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	status, err := models.DecideAdmission(*snapshot, now)
	if err != nil {
		return nil, err
	}

	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	enrollment.Status = status
	enrollment.AppliedAt = now
	enrollment.Version = 1
	enrollment.CreatedAt = now
	enrollment.UpdatedAt = now
	if status == models.StatusApproved {
		enrollment.DecidedAt = &now
	}

	const insertQuery = `INSERT INTO enrollments
        (id, user_id, class_id, form_id, form_version, form_snapshot, answers, status, applied_at, decided_at, idempotency_key, version, created_at, updated_at)
        VALUES (:id, :user_id, :class_id, :form_id, :form_version, :form_snapshot, :answers, :status, :applied_at, :decided_at, :idempotency_key, :version, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insertQuery, enrollment); err != nil {
		if isUniqueViolation(err) {
			err = appErrors.Wrap(err, appErrors.ErrDuplicateEnrollment.Code, appErrors.ErrDuplicateEnrollment.Status, appErrors.ErrDuplicateEnrollment.Message)
			return nil, err
		}
		return nil, fmt.Errorf("insert enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit admission: %w", err)
	}
	return enrollment, nil
}

// Transition applies a validated status change under a row lock and, when the
// change frees a seat, promotes the oldest waitlisted applicant inside the
// same transaction. An expectedVersion of zero skips the optimistic check
// (used for self-cancellation where the caller holds no version).
func (r *EnrollmentRepository) Transition(ctx context.Context, id string, to models.EnrollmentStatus, decidedBy, reason, reasonType *string, expectedVersion int64) (result *models.Enrollment, promoted *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transition transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	lockQuery := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1 FOR UPDATE`, enrollmentColumns)
	var current models.Enrollment
	if err = tx.GetContext(ctx, &current, lockQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, nil, err
	}

	if expectedVersion > 0 && current.Version != expectedVersion {
		err = appErrors.Clone(appErrors.ErrVersionConflict, fmt.Sprintf("enrollment version is %d, expected %d", current.Version, expectedVersion))
		return nil, nil, err
	}
	if !current.Status.CanTransition(to) {
		err = appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot transition %s enrollment to %s", current.Status, to))
		return nil, nil, err
	}

	// Acquiring a seat re-checks occupancy under the class lock, so approvals
	// can never push the class past its capacity.
	if !current.Status.ConsumesSeat() && to.ConsumesSeat() {
		var snapshot *models.CapacitySnapshot
		snapshot, err = lockCapacitySnapshot(ctx, tx, current.ClassID)
		if err != nil {
			return nil, nil, err
		}
		if !snapshot.HasSeat() {
			err = appErrors.Clone(appErrors.ErrCapacityExceeded, "class has no free seat")
			return nil, nil, err
		}
	}

	now := time.Now().UTC()
	switch to {
	case models.StatusApproved, models.StatusRejected:
		const updateQuery = `UPDATE enrollments
            SET status = $2, decided_at = $3, decided_by = $4, reason = $5, reason_type = $6, version = version + 1, updated_at = $3
            WHERE id = $1`
		if _, err = tx.ExecContext(ctx, updateQuery, id, to, now, decidedBy, reason, reasonType); err != nil {
			return nil, nil, fmt.Errorf("apply decision: %w", err)
		}
	case models.StatusCanceled:
		const updateQuery = `UPDATE enrollments
            SET status = $2, canceled_at = $3, reason = $4, reason_type = $5, version = version + 1, updated_at = $3
            WHERE id = $1`
		if _, err = tx.ExecContext(ctx, updateQuery, id, to, now, reason, reasonType); err != nil {
			return nil, nil, fmt.Errorf("apply cancellation: %w", err)
		}
	default:
		err = appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("unsupported target status %s", to))
		return nil, nil, err
	}

	// A freed seat cascades into promotion atomically with the transition,
	// so a crash can never strand the seat between two commits.
	if current.Status.ConsumesSeat() && !to.ConsumesSeat() {
		promoted, err = promoteNextLocked(ctx, tx, current.ClassID)
		if err != nil {
			return nil, nil, err
		}
	}

	var updated models.Enrollment
	reloadQuery := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	if err = tx.GetContext(ctx, &updated, reloadQuery, id); err != nil {
		return nil, nil, fmt.Errorf("reload enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transition: %w", err)
	}
	return &updated, promoted, nil
}

// PromoteNext promotes the oldest waitlisted enrollment for the class if a
// seat is free. Returns nil when there is nothing to do.
func (r *EnrollmentRepository) PromoteNext(ctx context.Context, classID string) (promoted *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin promotion transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	promoted, err = promoteNextLocked(ctx, tx, classID)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit promotion: %w", err)
	}
	return promoted, nil
}

// UpdateAnswersWithVersion replaces the submitted answers guarded by the
// optimistic version, so answer edits never block on the capacity lock.
func (r *EnrollmentRepository) UpdateAnswersWithVersion(ctx context.Context, id string, answers models.AnswerMap, expectedVersion int64) (*models.Enrollment, error) {
	query := fmt.Sprintf(`UPDATE enrollments
        SET answers = $2, version = version + 1, updated_at = $3
        WHERE id = $1 AND version = $4
        RETURNING %s`, enrollmentColumns)

	var updated models.Enrollment
	err := r.db.GetContext(ctx, &updated, query, id, answers, time.Now().UTC(), expectedVersion)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update answers: %w", err)
	}

	// No row matched: distinguish a stale version from a missing enrollment.
	var exists int
	checkErr := r.db.GetContext(ctx, &exists, `SELECT 1 FROM enrollments WHERE id = $1`, id)
	if checkErr == nil {
		return nil, appErrors.Clone(appErrors.ErrVersionConflict, fmt.Sprintf("enrollment modified since version %d was read", expectedVersion))
	}
	if errors.Is(checkErr, sql.ErrNoRows) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}
	return nil, fmt.Errorf("check enrollment existence: %w", checkErr)
}

// UndersubscribedClasses lists class ids with waitlisted applicants and at
// least one free seat. Used by the reconciler to self-heal missed cascades.
func (r *EnrollmentRepository) UndersubscribedClasses(ctx context.Context) ([]string, error) {
	const query = `SELECT c.id FROM classes c
        WHERE EXISTS (SELECT 1 FROM enrollments w WHERE w.class_id = c.id AND w.status = 'WAITLISTED')
        AND (c.capacity IS NULL OR
             (SELECT COUNT(*) FROM enrollments a WHERE a.class_id = c.id AND a.status = 'APPROVED') < c.capacity)`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list undersubscribed classes: %w", err)
	}
	return ids, nil
}

func lockCapacitySnapshot(ctx context.Context, tx *sqlx.Tx, classID string) (*models.CapacitySnapshot, error) {
	var class struct {
		Capacity         *int                 `db:"capacity"`
		WaitlistCapacity *int                 `db:"waitlist_capacity"`
		SelectionType    models.SelectionType `db:"selection_type"`
		RecruitStartAt   time.Time            `db:"recruit_start_at"`
		RecruitEndAt     time.Time            `db:"recruit_end_at"`
	}
	if err := tx.GetContext(ctx, &class, lockClassQuery, classID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, fmt.Errorf("lock class: %w", err)
	}

	const countQuery = `SELECT
        COUNT(*) FILTER (WHERE status = 'APPROVED') AS approved,
        COUNT(*) FILTER (WHERE status = 'WAITLISTED') AS waitlisted
        FROM enrollments WHERE class_id = $1`
	var counts struct {
		Approved   int `db:"approved"`
		Waitlisted int `db:"waitlisted"`
	}
	if err := tx.GetContext(ctx, &counts, countQuery, classID); err != nil {
		return nil, fmt.Errorf("count class occupancy: %w", err)
	}

	return &models.CapacitySnapshot{
		Capacity:         class.Capacity,
		WaitlistCapacity: class.WaitlistCapacity,
		SelectionType:    class.SelectionType,
		RecruitStartAt:   class.RecruitStartAt,
		RecruitEndAt:     class.RecruitEndAt,
		ApprovedCount:    counts.Approved,
		WaitlistedCount:  counts.Waitlisted,
	}, nil
}

// promoteNextLocked picks the oldest waitlisted enrollment using a
// lock-and-skip scan so concurrent promotions each dequeue a different row,
// then re-checks the seat under the class lock before approving.
func promoteNextLocked(ctx context.Context, tx *sqlx.Tx, classID string) (*models.Enrollment, error) {
	snapshot, err := lockCapacitySnapshot(ctx, tx, classID)
	if err != nil {
		return nil, err
	}
	if !snapshot.HasSeat() {
		return nil, nil
	}

	pickQuery := fmt.Sprintf(`SELECT %s FROM enrollments
        WHERE class_id = $1 AND status = 'WAITLISTED'
        ORDER BY applied_at ASC, seq ASC
        LIMIT 1
        FOR UPDATE SKIP LOCKED`, enrollmentColumns)
	var next models.Enrollment
	if err := tx.GetContext(ctx, &next, pickQuery, classID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pick waitlisted enrollment: %w", err)
	}

	now := time.Now().UTC()
	const promoteQuery = `UPDATE enrollments
        SET status = 'APPROVED', decided_at = $2, reason = NULL, reason_type = $3, version = version + 1, updated_at = $2
        WHERE id = $1`
	if _, err := tx.ExecContext(ctx, promoteQuery, next.ID, now, models.ReasonTypePromotion); err != nil {
		return nil, fmt.Errorf("promote enrollment: %w", err)
	}

	next.Status = models.StatusApproved
	next.DecidedAt = &now
	next.Reason = nil
	reasonType := models.ReasonTypePromotion
	next.ReasonType = &reasonType
	next.Version++
	next.UpdatedAt = now
	return &next, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
