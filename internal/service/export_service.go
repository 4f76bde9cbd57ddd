package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campushq/class-enroll-api/internal/models"
	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
	"github.com/campushq/class-enroll-api/pkg/export"
	"github.com/campushq/class-enroll-api/pkg/jobs"
	"github.com/campushq/class-enroll-api/pkg/storage"
)

type exportJobRepository interface {
	Create(ctx context.Context, job *models.ExportJob) error
	FindByID(ctx context.Context, id string) (*models.ExportJob, error)
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, filePath string) error
	MarkFailed(ctx context.Context, id, message string) error
}

type rosterReader interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
}

type fileStore interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
}

// ExportStatus combines a job record with a download link when ready.
type ExportStatus struct {
	Job           *models.ExportJob `json:"job"`
	DownloadToken string            `json:"download_token,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
}

// ExportService generates class rosters asynchronously and serves them
// through signed download tokens.
type ExportService struct {
	repo        exportJobRepository
	enrollments rosterReader
	classes     classReader
	store       fileStore
	signer      *storage.SignedURLSigner
	csv         *export.CSVExporter
	pdf         *export.PDFExporter
	queue       *jobs.Queue
	logger      *zap.Logger
}

// ExportQueueConfig tunes the export worker pool.
type ExportQueueConfig struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// NewExportService constructs ExportService and its worker queue.
func NewExportService(repo exportJobRepository, enrollments rosterReader, classes classReader, store fileStore, signer *storage.SignedURLSigner, cfg ExportQueueConfig, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ExportService{
		repo:        repo,
		enrollments: enrollments,
		classes:     classes,
		store:       store,
		signer:      signer,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		logger:      logger,
	}
	s.queue = jobs.NewQueue("roster-exports", s.process, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the export workers.
func (s *ExportService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the export workers.
func (s *ExportService) Stop() {
	s.queue.Stop()
}

// Request enqueues a roster export for a class.
func (s *ExportService) Request(ctx context.Context, classID string, format models.ExportFormat, actor Actor) (*models.ExportJob, error) {
	format = models.ExportFormat(strings.ToUpper(string(format)))
	if format != models.ExportFormatCSV && format != models.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	if _, err := s.classes.FindByID(ctx, classID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}

	job := &models.ExportJob{ClassID: classID, Format: format, RequestedBy: &actor.UserID}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create export job")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "roster_export", Payload: job.ID}); err != nil {
		s.markFailed(ctx, job.ID, err)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export job")
	}
	s.logger.Info("roster export requested", zap.String("job_id", job.ID), zap.String("class_id", classID), zap.String("format", string(format)))
	return job, nil
}

// Status returns a job record with a signed download token once completed.
func (s *ExportService) Status(ctx context.Context, id string) (*ExportStatus, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}

	status := &ExportStatus{Job: job}
	if job.Status == models.ExportStatusCompleted && job.FilePath != nil {
		token, expiresAt, err := s.signer.Generate(job.ID, *job.FilePath)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
		}
		status.DownloadToken = token
		status.ExpiresAt = &expiresAt
	}
	return status, nil
}

// Download validates a signed token and opens the referenced file.
func (s *ExportService) Download(ctx context.Context, token string) (*os.File, string, error) {
	jobID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token")
	}
	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "export job not found")
	}
	if job.FilePath == nil || *job.FilePath != relPath {
		return nil, "", appErrors.Clone(appErrors.ErrUnauthorized, "download token does not match export")
	}
	file, err := s.store.Open(relPath)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export file")
	}
	return file, path.Base(relPath), nil
}

func (s *ExportService) process(ctx context.Context, job jobs.Job) error {
	jobID, ok := job.Payload.(string)
	if !ok {
		return fmt.Errorf("unexpected export payload %T", job.Payload)
	}

	record, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load export job %s: %w", jobID, err)
	}
	if err := s.repo.MarkRunning(ctx, jobID); err != nil {
		return err
	}

	dataset, className, err := s.buildRoster(ctx, record.ClassID)
	if err != nil {
		s.markFailed(ctx, jobID, err)
		return err
	}

	var payload []byte
	var ext string
	switch record.Format {
	case models.ExportFormatPDF:
		payload, err = s.pdf.Render(*dataset, className+" roster")
		ext = "pdf"
	default:
		payload, err = s.csv.Render(*dataset)
		ext = "csv"
	}
	if err != nil {
		s.markFailed(ctx, jobID, err)
		return err
	}

	filename := fmt.Sprintf("%s/%s.%s", record.ClassID, jobID, ext)
	stored, err := s.store.Save(filename, payload)
	if err != nil {
		s.markFailed(ctx, jobID, err)
		return err
	}
	if err := s.repo.MarkCompleted(ctx, jobID, stored); err != nil {
		return err
	}
	s.logger.Info("roster export completed", zap.String("job_id", jobID), zap.String("file", stored))
	return nil
}

func (s *ExportService) buildRoster(ctx context.Context, classID string) (*export.Dataset, string, error) {
	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		return nil, "", fmt.Errorf("load class %s: %w", classID, err)
	}

	dataset := &export.Dataset{
		Headers: []string{"Name", "Email", "Status", "Applied At", "Decided At"},
	}
	// The repository clamps oversized pages, so completion is driven by the
	// reported total rather than by a short page.
	page := 1
	const pageSize = 100
	for {
		enrollments, total, err := s.enrollments.List(ctx, models.EnrollmentFilter{
			ClassID:   classID,
			Page:      page,
			PageSize:  pageSize,
			SortBy:    "applied_at",
			SortOrder: "ASC",
		})
		if err != nil {
			return nil, "", fmt.Errorf("list roster page %d: %w", page, err)
		}
		for _, e := range enrollments {
			row := map[string]string{
				"Name":       e.UserName,
				"Email":      e.UserEmail,
				"Status":     string(e.Status),
				"Applied At": e.AppliedAt.Format(time.RFC3339),
			}
			if e.DecidedAt != nil {
				row["Decided At"] = e.DecidedAt.Format(time.RFC3339)
			}
			dataset.Rows = append(dataset.Rows, row)
		}
		if len(enrollments) == 0 || len(dataset.Rows) >= total {
			break
		}
		page++
	}
	return dataset, class.Name, nil
}

func (s *ExportService) markFailed(ctx context.Context, jobID string, cause error) {
	if err := s.repo.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		s.logger.Error("failed to record export failure", zap.String("job_id", jobID), zap.Error(err))
	}
}
