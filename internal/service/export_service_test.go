package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campushq/class-enroll-api/internal/models"
	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
	"github.com/campushq/class-enroll-api/pkg/jobs"
	"github.com/campushq/class-enroll-api/pkg/storage"
)

type mockExportRepo struct {
	jobs map[string]*models.ExportJob
}

func (m *mockExportRepo) Create(ctx context.Context, job *models.ExportJob) error {
	if m.jobs == nil {
		m.jobs = make(map[string]*models.ExportJob)
	}
	if job.ID == "" {
		job.ID = "job-1"
	}
	job.Status = models.ExportStatusPending
	m.jobs[job.ID] = job
	return nil
}

func (m *mockExportRepo) FindByID(ctx context.Context, id string) (*models.ExportJob, error) {
	if job, ok := m.jobs[id]; ok {
		copied := *job
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockExportRepo) MarkRunning(ctx context.Context, id string) error {
	m.jobs[id].Status = models.ExportStatusRunning
	return nil
}

func (m *mockExportRepo) MarkCompleted(ctx context.Context, id, filePath string) error {
	m.jobs[id].Status = models.ExportStatusCompleted
	m.jobs[id].FilePath = &filePath
	return nil
}

func (m *mockExportRepo) MarkFailed(ctx context.Context, id, message string) error {
	m.jobs[id].Status = models.ExportStatusFailed
	m.jobs[id].Error = &message
	return nil
}

// pagedRoster serves List pages the way the repository does, including its
// page size cap.
type pagedRoster struct {
	entries []models.EnrollmentDetail
	filters []models.EnrollmentFilter
}

func (m *pagedRoster) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	m.filters = append(m.filters, filter)
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	start := (filter.Page - 1) * size
	if start >= len(m.entries) {
		return nil, len(m.entries), nil
	}
	end := start + size
	if end > len(m.entries) {
		end = len(m.entries)
	}
	return m.entries[start:end], len(m.entries), nil
}

func newExportServiceForTest(t *testing.T, repo *mockExportRepo, roster rosterReader, classes *mockClassReader) *ExportService {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	return NewExportService(repo, roster, classes, store, signer, ExportQueueConfig{}, zap.NewNop())
}

func TestRequestRejectsUnknownFormat(t *testing.T) {
	svc := newExportServiceForTest(t, &mockExportRepo{}, &mockEnrollmentRepo{}, &mockClassReader{})

	_, err := svc.Request(context.Background(), "class-1", "XLSX", Actor{UserID: "admin-1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
}

func TestRequestRejectsUnknownClass(t *testing.T) {
	svc := newExportServiceForTest(t, &mockExportRepo{}, &mockEnrollmentRepo{}, &mockClassReader{})

	_, err := svc.Request(context.Background(), "missing", models.ExportFormatCSV, Actor{UserID: "admin-1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))
}

func TestProcessRendersAndStoresRoster(t *testing.T) {
	decidedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	roster := &mockEnrollmentRepo{
		listEnrollments: []models.EnrollmentDetail{
			{
				Enrollment: models.Enrollment{Status: models.StatusApproved, AppliedAt: decidedAt.Add(-time.Hour), DecidedAt: &decidedAt},
				UserName:   "Ada Lovelace",
				UserEmail:  "ada@example.com",
			},
		},
	}
	repo := &mockExportRepo{}
	classes := &mockClassReader{classes: map[string]models.Class{"class-1": openClass("class-1")}}
	svc := newExportServiceForTest(t, repo, roster, classes)

	job := &models.ExportJob{ClassID: "class-1", Format: models.ExportFormatCSV}
	require.NoError(t, repo.Create(context.Background(), job))

	require.NoError(t, svc.process(context.Background(), jobs.Job{ID: job.ID, Payload: job.ID}))

	stored := repo.jobs[job.ID]
	assert.Equal(t, models.ExportStatusCompleted, stored.Status)
	require.NotNil(t, stored.FilePath)

	file, err := svc.store.Open(*stored.FilePath)
	require.NoError(t, err)
	defer file.Close()
	content, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), "Ada Lovelace"))
	assert.True(t, strings.Contains(string(content), "APPROVED"))
}

func TestProcessExportsEveryRosterPage(t *testing.T) {
	roster := &pagedRoster{}
	for i := 0; i < 130; i++ {
		roster.entries = append(roster.entries, models.EnrollmentDetail{
			Enrollment: models.Enrollment{Status: models.StatusApproved, AppliedAt: time.Now()},
			UserName:   fmt.Sprintf("Student %03d", i),
			UserEmail:  fmt.Sprintf("student%03d@example.com", i),
		})
	}
	repo := &mockExportRepo{}
	classes := &mockClassReader{classes: map[string]models.Class{"class-1": openClass("class-1")}}
	svc := newExportServiceForTest(t, repo, roster, classes)

	job := &models.ExportJob{ClassID: "class-1", Format: models.ExportFormatCSV}
	require.NoError(t, repo.Create(context.Background(), job))
	require.NoError(t, svc.process(context.Background(), jobs.Job{ID: job.ID, Payload: job.ID}))

	file, err := svc.store.Open(*repo.jobs[job.ID].FilePath)
	require.NoError(t, err)
	defer file.Close()
	content, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, 130, strings.Count(string(content), "@example.com"))
	assert.Contains(t, string(content), "student129@example.com")
	require.Len(t, roster.filters, 2)
	assert.Equal(t, 100, roster.filters[0].PageSize)
}

func TestStatusIssuesSignedDownload(t *testing.T) {
	roster := &mockEnrollmentRepo{}
	repo := &mockExportRepo{}
	classes := &mockClassReader{classes: map[string]models.Class{"class-1": openClass("class-1")}}
	svc := newExportServiceForTest(t, repo, roster, classes)

	job := &models.ExportJob{ClassID: "class-1", Format: models.ExportFormatCSV}
	require.NoError(t, repo.Create(context.Background(), job))
	require.NoError(t, svc.process(context.Background(), jobs.Job{ID: job.ID, Payload: job.ID}))

	status, err := svc.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusCompleted, status.Job.Status)
	require.NotEmpty(t, status.DownloadToken)

	file, filename, err := svc.Download(context.Background(), status.DownloadToken)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, job.ID+".csv", filename)
}

func TestDownloadRejectsTamperedToken(t *testing.T) {
	svc := newExportServiceForTest(t, &mockExportRepo{}, &mockEnrollmentRepo{}, &mockClassReader{})

	_, _, err := svc.Download(context.Background(), "job.123.cGF0aA.deadbeef")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized.Code))
}
