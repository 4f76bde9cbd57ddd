package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campushq/class-enroll-api/internal/models"
	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
)

type mockEnrollmentRepo struct {
	enrollments     map[string]models.Enrollment
	byUserClass     map[string]models.Enrollment
	missFirstLookup bool

	created     *models.Enrollment
	createErr   error
	admitStatus models.EnrollmentStatus

	transitioned    *models.Enrollment
	promoted        *models.Enrollment
	transitionErr   error
	lastTransition  models.EnrollmentStatus
	lastReasonType  *string
	lastDecidedBy   *string
	lastVersion     int64
	answersUpdated  models.AnswerMap
	countCalls      int
	counts          models.StatusCounts
	listFilter      models.EnrollmentFilter
	listEnrollments []models.EnrollmentDetail
}

func userClassKey(userID, classID string) string { return userID + "|" + classID }

func (m *mockEnrollmentRepo) CreateWithAdmission(ctx context.Context, enrollment *models.Enrollment) (*models.Enrollment, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	if enrollment.ID == "" {
		enrollment.ID = "new-enrollment"
	}
	enrollment.Status = m.admitStatus
	enrollment.Version = 1
	enrollment.AppliedAt = time.Now().UTC()
	m.created = enrollment
	return enrollment, nil
}

func (m *mockEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) FindByUserAndClass(ctx context.Context, userID, classID string) (*models.Enrollment, error) {
	if m.missFirstLookup {
		m.missFirstLookup = false
		return nil, sql.ErrNoRows
	}
	if e, ok := m.byUserClass[userClassKey(userID, classID)]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if e, ok := m.enrollments[id]; ok {
		return &models.EnrollmentDetail{Enrollment: e}, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	m.listFilter = filter
	return m.listEnrollments, len(m.listEnrollments), nil
}

func (m *mockEnrollmentRepo) CountByStatus(ctx context.Context, classID string) (*models.StatusCounts, error) {
	m.countCalls++
	counts := m.counts
	return &counts, nil
}

func (m *mockEnrollmentRepo) Transition(ctx context.Context, id string, to models.EnrollmentStatus, decidedBy, reason, reasonType *string, expectedVersion int64) (*models.Enrollment, *models.Enrollment, error) {
	if m.transitionErr != nil {
		return nil, nil, m.transitionErr
	}
	m.lastTransition = to
	m.lastReasonType = reasonType
	m.lastDecidedBy = decidedBy
	m.lastVersion = expectedVersion
	if m.transitioned == nil {
		e := m.enrollments[id]
		e.Status = to
		e.Version++
		m.transitioned = &e
	}
	return m.transitioned, m.promoted, nil
}

func (m *mockEnrollmentRepo) UpdateAnswersWithVersion(ctx context.Context, id string, answers models.AnswerMap, expectedVersion int64) (*models.Enrollment, error) {
	m.answersUpdated = answers
	m.lastVersion = expectedVersion
	e := m.enrollments[id]
	e.Answers = answers
	e.Version++
	return &e, nil
}

type mockClassReader struct {
	classes map[string]models.Class
}

func (m *mockClassReader) FindByID(ctx context.Context, id string) (*models.Class, error) {
	if c, ok := m.classes[id]; ok {
		return &c, nil
	}
	return nil, sql.ErrNoRows
}

type mockFormReader struct {
	forms map[string]models.EnrollmentForm
}

func (m *mockFormReader) FindByID(ctx context.Context, id string) (*models.EnrollmentForm, error) {
	if f, ok := m.forms[id]; ok {
		return &f, nil
	}
	return nil, sql.ErrNoRows
}

type mockStatsCache struct {
	entries map[string]ClassStats
	deleted []string
}

func (m *mockStatsCache) Get(ctx context.Context, key string, dest interface{}) error {
	if stats, ok := m.entries[key]; ok {
		*(dest.(*ClassStats)) = stats
		return nil
	}
	return appErrors.ErrCacheMiss
}

func (m *mockStatsCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.entries == nil {
		m.entries = make(map[string]ClassStats)
	}
	m.entries[key] = *(value.(*ClassStats))
	return nil
}

func (m *mockStatsCache) Delete(ctx context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	delete(m.entries, key)
	return nil
}

func intPtr(v int) *int { return &v }
func strPtr(v string) *string { return &v }
func openClass(id string) models.Class {
	return models.Class{
		ID:             id,
		Name:           "Intro to Pottery",
		SelectionType:  models.SelectionFirstCome,
		RecruitStartAt: time.Now().Add(-time.Hour),
		RecruitEndAt:   time.Now().Add(time.Hour),
	}
}

func newEnrollmentServiceForTest(repo *mockEnrollmentRepo, classes *mockClassReader, forms *mockFormReader, cache *mockStatsCache) *EnrollmentService {
	var statsCache statsCache
	if cache != nil {
		statsCache = cache
	}
	return NewEnrollmentService(repo, classes, forms, statsCache, nil, time.Minute, validator.New(), zap.NewNop())
}

func TestApplyAdmitsNewApplicant(t *testing.T) {
	repo := &mockEnrollmentRepo{admitStatus: models.StatusApproved}
	classes := &mockClassReader{classes: map[string]models.Class{"class-1": openClass("class-1")}}
	cache := &mockStatsCache{}
	svc := newEnrollmentServiceForTest(repo, classes, &mockFormReader{}, cache)

	created, err := svc.Apply(context.Background(), ApplyRequest{ClassID: "class-1", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, created.Status)
	require.NotNil(t, repo.created)
	assert.Contains(t, cache.deleted, statsCacheKey("class-1"))
}

func TestApplyReplaysSameIdempotencyKey(t *testing.T) {
	key := "idem-123"
	existing := models.Enrollment{ID: "enr-1", UserID: "user-1", ClassID: "class-1", Status: models.StatusWaitlisted, IdempotencyKey: &key}
	repo := &mockEnrollmentRepo{byUserClass: map[string]models.Enrollment{userClassKey("user-1", "class-1"): existing}}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, nil)

	result, err := svc.Apply(context.Background(), ApplyRequest{ClassID: "class-1", UserID: "user-1", IdempotencyKey: &key})
	require.NoError(t, err)
	assert.Equal(t, "enr-1", result.ID)
	assert.Nil(t, repo.created)
}

func TestApplyDifferentKeyIsDuplicate(t *testing.T) {
	key := "idem-123"
	existing := models.Enrollment{ID: "enr-1", UserID: "user-1", ClassID: "class-1", IdempotencyKey: &key}
	repo := &mockEnrollmentRepo{byUserClass: map[string]models.Enrollment{userClassKey("user-1", "class-1"): existing}}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, nil)

	other := "idem-456"
	_, err := svc.Apply(context.Background(), ApplyRequest{ClassID: "class-1", UserID: "user-1", IdempotencyKey: &other})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrDuplicateEnrollment.Code))
}

func TestApplyWithoutKeyIsDuplicate(t *testing.T) {
	existing := models.Enrollment{ID: "enr-1", UserID: "user-1", ClassID: "class-1"}
	repo := &mockEnrollmentRepo{byUserClass: map[string]models.Enrollment{userClassKey("user-1", "class-1"): existing}}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, nil)

	_, err := svc.Apply(context.Background(), ApplyRequest{ClassID: "class-1", UserID: "user-1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrDuplicateEnrollment.Code))
}

func TestApplySnapshotsFormAndValidatesAnswers(t *testing.T) {
	class := openClass("class-1")
	class.FormID = strPtr("form-1")
	form := models.EnrollmentForm{
		ID:      "form-1",
		Version: 3,
		Schema: models.FormSchema{
			{ID: "q1", Label: "Motivation", Type: models.QuestionText, Required: true},
		},
	}
	repo := &mockEnrollmentRepo{admitStatus: models.StatusApplied}
	classes := &mockClassReader{classes: map[string]models.Class{"class-1": class}}
	forms := &mockFormReader{forms: map[string]models.EnrollmentForm{"form-1": form}}
	svc := newEnrollmentServiceForTest(repo, classes, forms, nil)

	_, err := svc.Apply(context.Background(), ApplyRequest{ClassID: "class-1", UserID: "user-1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
	assert.Nil(t, repo.created)

	created, err := svc.Apply(context.Background(), ApplyRequest{
		ClassID: "class-1",
		UserID:  "user-1",
		Answers: models.AnswerMap{"q1": "I like clay"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, created.FormVersion)
	require.Len(t, created.FormSnapshot, 1)
	assert.Equal(t, "q1", created.FormSnapshot[0].ID)
}

func TestApplyUnknownClass(t *testing.T) {
	svc := newEnrollmentServiceForTest(&mockEnrollmentRepo{}, &mockClassReader{}, &mockFormReader{}, nil)

	_, err := svc.Apply(context.Background(), ApplyRequest{ClassID: "missing", UserID: "user-1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))
}

func TestApplyPassesThroughAdmissionErrors(t *testing.T) {
	repo := &mockEnrollmentRepo{createErr: appErrors.ErrRecruitmentClosed}
	classes := &mockClassReader{classes: map[string]models.Class{"class-1": openClass("class-1")}}
	svc := newEnrollmentServiceForTest(repo, classes, &mockFormReader{}, nil)

	_, err := svc.Apply(context.Background(), ApplyRequest{ClassID: "class-1", UserID: "user-1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrRecruitmentClosed.Code))
}

func TestApplyReplaysAfterInsertRace(t *testing.T) {
	key := "idem-123"
	// The winning insert commits between the pre-check and our attempt, so
	// the first lookup misses and the insert hits the unique constraint.
	repo := &mockEnrollmentRepo{
		createErr:       appErrors.Clone(appErrors.ErrDuplicateEnrollment, ""),
		missFirstLookup: true,
		byUserClass: map[string]models.Enrollment{
			userClassKey("user-1", "class-1"): {ID: "enr-winner", IdempotencyKey: &key},
		},
	}
	classes := &mockClassReader{classes: map[string]models.Class{"class-1": openClass("class-1")}}
	svc := newEnrollmentServiceForTest(repo, classes, &mockFormReader{}, nil)

	result, err := svc.Apply(context.Background(), ApplyRequest{ClassID: "class-1", UserID: "user-1", IdempotencyKey: &key})
	require.NoError(t, err)
	assert.Equal(t, "enr-winner", result.ID)
}

func TestApplyObservesAdmissionQueryDuration(t *testing.T) {
	metrics := NewMetricsService()
	repo := &mockEnrollmentRepo{admitStatus: models.StatusApproved}
	classes := &mockClassReader{classes: map[string]models.Class{"class-1": openClass("class-1")}}
	svc := NewEnrollmentService(repo, classes, &mockFormReader{}, nil, metrics, time.Minute, validator.New(), zap.NewNop())

	_, err := svc.Apply(context.Background(), ApplyRequest{ClassID: "class-1", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.dbQueryDuration, "db_query_duration_seconds"))
}

func TestDecideRejectsInvalidTarget(t *testing.T) {
	svc := newEnrollmentServiceForTest(&mockEnrollmentRepo{}, &mockClassReader{}, &mockFormReader{}, nil)

	_, err := svc.Decide(context.Background(), "enr-1", Actor{UserID: "admin-1", Role: models.RoleAdmin}, DecideRequest{
		Status:          models.StatusCanceled,
		ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
}

func TestDecideApprovesWithAuditTrail(t *testing.T) {
	repo := &mockEnrollmentRepo{
		enrollments: map[string]models.Enrollment{"enr-1": {ID: "enr-1", ClassID: "class-1", Status: models.StatusApplied, Version: 1}},
	}
	cache := &mockStatsCache{}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, cache)

	updated, err := svc.Decide(context.Background(), "enr-1", Actor{UserID: "admin-1", Role: models.RoleAdmin}, DecideRequest{
		Status:          models.StatusApproved,
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, updated.Status)
	require.NotNil(t, repo.lastDecidedBy)
	assert.Equal(t, "admin-1", *repo.lastDecidedBy)
	require.NotNil(t, repo.lastReasonType)
	assert.Equal(t, models.ReasonTypeAdminDecision, *repo.lastReasonType)
	assert.EqualValues(t, 1, repo.lastVersion)
	assert.Contains(t, cache.deleted, statsCacheKey("class-1"))
}

func TestCancelOwnEnrollment(t *testing.T) {
	repo := &mockEnrollmentRepo{
		enrollments: map[string]models.Enrollment{"enr-1": {ID: "enr-1", UserID: "user-1", ClassID: "class-1", Status: models.StatusApproved, Version: 2}},
	}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, nil)

	updated, err := svc.Cancel(context.Background(), "enr-1", Actor{UserID: "user-1", Role: models.RoleStudent}, CancelRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, updated.Status)
	require.NotNil(t, repo.lastReasonType)
	assert.Equal(t, models.ReasonTypeSelfCancel, *repo.lastReasonType)
	assert.Nil(t, repo.lastDecidedBy)
	assert.EqualValues(t, 0, repo.lastVersion)
}

func TestCancelForeignEnrollmentForbidden(t *testing.T) {
	repo := &mockEnrollmentRepo{
		enrollments: map[string]models.Enrollment{"enr-1": {ID: "enr-1", UserID: "user-1", Status: models.StatusApproved}},
	}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, nil)

	_, err := svc.Cancel(context.Background(), "enr-1", Actor{UserID: "user-2", Role: models.RoleStudent}, CancelRequest{})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden.Code))
}

func TestCancelByAdminRecordsDecider(t *testing.T) {
	repo := &mockEnrollmentRepo{
		enrollments: map[string]models.Enrollment{"enr-1": {ID: "enr-1", UserID: "user-1", ClassID: "class-1", Status: models.StatusApproved, Version: 1}},
	}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, nil)

	_, err := svc.Cancel(context.Background(), "enr-1", Actor{UserID: "admin-1", Role: models.RoleAdmin}, CancelRequest{ExpectedVersion: 1})
	require.NoError(t, err)
	require.NotNil(t, repo.lastReasonType)
	assert.Equal(t, models.ReasonTypeAdminDecision, *repo.lastReasonType)
	require.NotNil(t, repo.lastDecidedBy)
	assert.Equal(t, "admin-1", *repo.lastDecidedBy)
}

func TestUpdateAnswersRejectsTerminalStatus(t *testing.T) {
	repo := &mockEnrollmentRepo{
		enrollments: map[string]models.Enrollment{"enr-1": {ID: "enr-1", UserID: "user-1", Status: models.StatusRejected}},
	}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, nil)

	_, err := svc.UpdateAnswers(context.Background(), "enr-1", Actor{UserID: "user-1", Role: models.RoleStudent}, UpdateAnswersRequest{
		Answers:         models.AnswerMap{"q1": "late edit"},
		ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrPreconditionFailed.Code))
}

func TestUpdateAnswersValidatesAgainstSnapshot(t *testing.T) {
	repo := &mockEnrollmentRepo{
		enrollments: map[string]models.Enrollment{"enr-1": {
			ID:     "enr-1",
			UserID: "user-1",
			Status: models.StatusApplied,
			FormSnapshot: models.FormSchema{
				{ID: "q1", Type: models.QuestionText, Required: true},
			},
			Version: 1,
		}},
	}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, nil)
	actor := Actor{UserID: "user-1", Role: models.RoleStudent}

	_, err := svc.UpdateAnswers(context.Background(), "enr-1", actor, UpdateAnswersRequest{
		Answers:         models.AnswerMap{"unknown": "x"},
		ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	updated, err := svc.UpdateAnswers(context.Background(), "enr-1", actor, UpdateAnswersRequest{
		Answers:         models.AnswerMap{"q1": "revised"},
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "revised", updated.Answers["q1"])
	assert.EqualValues(t, 1, repo.lastVersion)
}

func TestStatsComputesAndCaches(t *testing.T) {
	class := openClass("class-1")
	class.Capacity = intPtr(10)
	repo := &mockEnrollmentRepo{counts: models.StatusCounts{Approved: 7, Waitlisted: 2}}
	classes := &mockClassReader{classes: map[string]models.Class{"class-1": class}}
	cache := &mockStatsCache{}
	svc := newEnrollmentServiceForTest(repo, classes, &mockFormReader{}, cache)

	stats, err := svc.Stats(context.Background(), "class-1")
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Counts.Approved)
	require.NotNil(t, stats.AvailableSeats)
	assert.Equal(t, 3, *stats.AvailableSeats)
	assert.Equal(t, 1, repo.countCalls)

	// Second read is served from cache.
	_, err = svc.Stats(context.Background(), "class-1")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.countCalls)
}

func TestStatsUnlimitedCapacity(t *testing.T) {
	repo := &mockEnrollmentRepo{counts: models.StatusCounts{Approved: 500}}
	classes := &mockClassReader{classes: map[string]models.Class{"class-1": openClass("class-1")}}
	svc := newEnrollmentServiceForTest(repo, classes, &mockFormReader{}, nil)

	stats, err := svc.Stats(context.Background(), "class-1")
	require.NoError(t, err)
	assert.Nil(t, stats.AvailableSeats)
}

func TestListScopesNonAdminToOwnEnrollments(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, nil)

	_, _, err := svc.List(context.Background(), models.EnrollmentFilter{UserID: "user-9"}, Actor{UserID: "user-1", Role: models.RoleStudent})
	require.NoError(t, err)
	assert.Equal(t, "user-1", repo.listFilter.UserID)
}

func TestGetForbiddenForForeignEnrollment(t *testing.T) {
	repo := &mockEnrollmentRepo{
		enrollments: map[string]models.Enrollment{"enr-1": {ID: "enr-1", UserID: "user-1"}},
	}
	svc := newEnrollmentServiceForTest(repo, &mockClassReader{}, &mockFormReader{}, nil)

	_, err := svc.Get(context.Background(), "enr-1", Actor{UserID: "user-2", Role: models.RoleStudent})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden.Code))
}
