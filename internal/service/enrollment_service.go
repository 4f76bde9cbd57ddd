package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campushq/class-enroll-api/internal/models"
	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
)

type enrollmentRepository interface {
	CreateWithAdmission(ctx context.Context, enrollment *models.Enrollment) (*models.Enrollment, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindByUserAndClass(ctx context.Context, userID, classID string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	CountByStatus(ctx context.Context, classID string) (*models.StatusCounts, error)
	Transition(ctx context.Context, id string, to models.EnrollmentStatus, decidedBy, reason, reasonType *string, expectedVersion int64) (*models.Enrollment, *models.Enrollment, error)
	UpdateAnswersWithVersion(ctx context.Context, id string, answers models.AnswerMap, expectedVersion int64) (*models.Enrollment, error)
}

type classReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

type formReader interface {
	FindByID(ctx context.Context, id string) (*models.EnrollmentForm, error)
}

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Actor identifies the authenticated caller of a service operation.
type Actor struct {
	UserID string
	Role   models.UserRole
}

// Admin reports whether the actor holds the admin role.
func (a Actor) Admin() bool {
	return a.Role == models.RoleAdmin
}

// ApplyRequest describes an application to a class.
type ApplyRequest struct {
	ClassID        string           `json:"-" validate:"required"`
	UserID         string           `json:"-" validate:"required"`
	Answers        models.AnswerMap `json:"answers"`
	IdempotencyKey *string          `json:"-"`
}

// DecideRequest describes an admin decision on a pending application.
type DecideRequest struct {
	Status          models.EnrollmentStatus `json:"status" validate:"required,oneof=APPROVED REJECTED"`
	Reason          *string                 `json:"reason"`
	ExpectedVersion int64                   `json:"expected_version" validate:"required,min=1"`
}

// CancelRequest describes a cancellation. ExpectedVersion is optional so a
// user can cancel without first reading their current version.
type CancelRequest struct {
	Reason          *string `json:"reason"`
	ExpectedVersion int64   `json:"expected_version" validate:"omitempty,min=1"`
}

// UpdateAnswersRequest replaces the submitted answers of an enrollment.
type UpdateAnswersRequest struct {
	Answers         models.AnswerMap `json:"answers" validate:"required"`
	ExpectedVersion int64            `json:"expected_version" validate:"required,min=1"`
}

// ClassStats aggregates class occupancy for reporting.
type ClassStats struct {
	ClassID          string              `json:"class_id"`
	Capacity         *int                `json:"capacity,omitempty"`
	WaitlistCapacity *int                `json:"waitlist_capacity,omitempty"`
	Counts           models.StatusCounts `json:"counts"`
	AvailableSeats   *int                `json:"available_seats,omitempty"`
	GeneratedAt      time.Time           `json:"generated_at"`
}

// EnrollmentService orchestrates applications, decisions, cancellations and
// the class occupancy view.
type EnrollmentService struct {
	repo      enrollmentRepository
	classes   classReader
	forms     formReader
	cache     statsCache
	metrics   *MetricsService
	statsTTL  time.Duration
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, classes classReader, forms formReader, cache statsCache, metrics *MetricsService, statsTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if statsTTL <= 0 {
		statsTTL = 30 * time.Second
	}
	return &EnrollmentService{repo: repo, classes: classes, forms: forms, cache: cache, metrics: metrics, statsTTL: statsTTL, validator: validate, logger: logger}
}

// Apply submits a user's application to a class. Replaying the same request
// with the same idempotency key returns the stored enrollment instead of a
// duplicate error.
func (s *EnrollmentService) Apply(ctx context.Context, req ApplyRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid application payload")
	}

	existing, err := s.repo.FindByUserAndClass(ctx, req.UserID, req.ClassID)
	if err == nil {
		return s.replayOrDuplicate(existing, req.IdempotencyKey)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing enrollment")
	}

	class, err := s.classes.FindByID(ctx, req.ClassID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}

	enrollment := &models.Enrollment{
		UserID:         req.UserID,
		ClassID:        req.ClassID,
		Answers:        req.Answers,
		IdempotencyKey: req.IdempotencyKey,
	}

	if class.FormID != nil {
		form, err := s.forms.FindByID(ctx, *class.FormID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment form")
		}
		if err := form.Schema.ValidateAnswers(req.Answers); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
		}
		enrollment.FormID = class.FormID
		enrollment.FormVersion = form.Version
		enrollment.FormSnapshot = form.Schema
	} else if len(req.Answers) > 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "class has no enrollment form")
	}

	start := time.Now()
	created, err := s.repo.CreateWithAdmission(ctx, enrollment)
	s.metrics.RecordDBQuery("enrollment_admission", time.Since(start))
	if err != nil {
		if appErrors.HasCode(err, appErrors.ErrDuplicateEnrollment.Code) {
			// Lost the insert race; the committed row decides the replay.
			if winner, ferr := s.repo.FindByUserAndClass(ctx, req.UserID, req.ClassID); ferr == nil {
				return s.replayOrDuplicate(winner, req.IdempotencyKey)
			}
		}
		return nil, passthroughOrInternal(err, "failed to submit application")
	}

	s.invalidateStats(ctx, req.ClassID)
	s.metrics.RecordAdmission(created.Status)
	s.logger.Info("application admitted",
		zap.String("enrollment_id", created.ID),
		zap.String("class_id", created.ClassID),
		zap.String("status", string(created.Status)))
	return created, nil
}

// Decide applies an admin approval or rejection to a pending application.
func (s *EnrollmentService) Decide(ctx context.Context, id string, actor Actor, req DecideRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}

	reasonType := models.ReasonTypeAdminDecision
	start := time.Now()
	updated, promoted, err := s.repo.Transition(ctx, id, req.Status, &actor.UserID, req.Reason, &reasonType, req.ExpectedVersion)
	s.metrics.RecordDBQuery("enrollment_transition", time.Since(start))
	if err != nil {
		return nil, passthroughOrInternal(err, "failed to apply decision")
	}

	s.afterTransition(ctx, updated, promoted)
	s.logger.Info("decision applied",
		zap.String("enrollment_id", updated.ID),
		zap.String("status", string(updated.Status)),
		zap.String("decided_by", actor.UserID))
	return updated, nil
}

// Cancel withdraws an enrollment. Users may cancel their own; admins may
// cancel any. A freed seat promotes the oldest waitlisted applicant.
func (s *EnrollmentService) Cancel(ctx context.Context, id string, actor Actor, req CancelRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid cancellation payload")
	}

	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if !actor.Admin() && enrollment.UserID != actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot cancel another user's enrollment")
	}

	reasonType := models.ReasonTypeSelfCancel
	var decidedBy *string
	if actor.Admin() && enrollment.UserID != actor.UserID {
		reasonType = models.ReasonTypeAdminDecision
		decidedBy = &actor.UserID
	}

	start := time.Now()
	updated, promoted, err := s.repo.Transition(ctx, id, models.StatusCanceled, decidedBy, req.Reason, &reasonType, req.ExpectedVersion)
	s.metrics.RecordDBQuery("enrollment_transition", time.Since(start))
	if err != nil {
		return nil, passthroughOrInternal(err, "failed to cancel enrollment")
	}

	s.afterTransition(ctx, updated, promoted)
	s.logger.Info("enrollment canceled",
		zap.String("enrollment_id", updated.ID),
		zap.Bool("promoted_successor", promoted != nil))
	return updated, nil
}

// UpdateAnswers replaces submitted answers guarded by the optimistic version.
// Answers stay editable until the enrollment reaches a terminal status.
func (s *EnrollmentService) UpdateAnswers(ctx context.Context, id string, actor Actor, req UpdateAnswersRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid answers payload")
	}

	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if !actor.Admin() && enrollment.UserID != actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot edit another user's answers")
	}
	if enrollment.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("cannot edit answers of a %s enrollment", enrollment.Status))
	}
	// Answers are validated against the snapshot captured at application
	// time, not the live form, so later form edits cannot invalidate them.
	if err := enrollment.FormSnapshot.ValidateAnswers(req.Answers); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}

	updated, err := s.repo.UpdateAnswersWithVersion(ctx, id, req.Answers, req.ExpectedVersion)
	if err != nil {
		return nil, passthroughOrInternal(err, "failed to update answers")
	}
	return updated, nil
}

// Get returns a single enrollment with user and class context.
func (s *EnrollmentService) Get(ctx context.Context, id string, actor Actor) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if !actor.Admin() && detail.UserID != actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot view another user's enrollment")
	}
	return detail, nil
}

// List returns enrollments with pagination metadata. Non-admin callers only
// ever see their own enrollments.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter, actor Actor) ([]models.EnrollmentDetail, *models.Pagination, error) {
	if !actor.Admin() {
		filter.UserID = actor.UserID
	}
	start := time.Now()
	enrollments, total, err := s.repo.List(ctx, filter)
	s.metrics.RecordDBQuery("enrollment_list", time.Since(start))
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return enrollments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Stats returns per-status counts and remaining seats for a class, served
// from cache when fresh.
func (s *EnrollmentService) Stats(ctx context.Context, classID string) (*ClassStats, error) {
	key := statsCacheKey(classID)
	if s.cache != nil {
		var cached ClassStats
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			s.metrics.RecordCacheLookup(true)
			return &cached, nil
		}
		s.metrics.RecordCacheLookup(false)
	}

	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	start := time.Now()
	counts, err := s.repo.CountByStatus(ctx, classID)
	s.metrics.RecordDBQuery("enrollment_status_counts", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate enrollment stats")
	}

	stats := &ClassStats{
		ClassID:          classID,
		Capacity:         class.Capacity,
		WaitlistCapacity: class.WaitlistCapacity,
		Counts:           *counts,
		GeneratedAt:      time.Now().UTC(),
	}
	if class.Capacity != nil {
		available := *class.Capacity - counts.Approved
		if available < 0 {
			available = 0
		}
		stats.AvailableSeats = &available
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, stats, s.statsTTL); err != nil {
			s.logger.Warn("failed to cache class stats", zap.String("class_id", classID), zap.Error(err))
		}
	}
	return stats, nil
}

func (s *EnrollmentService) replayOrDuplicate(existing *models.Enrollment, key *string) (*models.Enrollment, error) {
	if key != nil && existing.IdempotencyKey != nil && *key == *existing.IdempotencyKey {
		return existing, nil
	}
	return nil, appErrors.Clone(appErrors.ErrDuplicateEnrollment, "")
}

func (s *EnrollmentService) afterTransition(ctx context.Context, updated, promoted *models.Enrollment) {
	s.invalidateStats(ctx, updated.ClassID)
	if promoted != nil {
		s.metrics.RecordPromotion()
		s.logger.Info("waitlisted enrollment promoted",
			zap.String("enrollment_id", promoted.ID),
			zap.String("class_id", promoted.ClassID))
	}
}

func (s *EnrollmentService) invalidateStats(ctx context.Context, classID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, statsCacheKey(classID)); err != nil {
		s.logger.Warn("failed to invalidate class stats cache", zap.String("class_id", classID), zap.Error(err))
	}
}

func statsCacheKey(classID string) string {
	return "class:" + classID + ":stats"
}

// passthroughOrInternal keeps typed domain errors intact and wraps anything
// else as internal.
func passthroughOrInternal(err error, message string) error {
	var typed *appErrors.Error
	if errors.As(err, &typed) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
