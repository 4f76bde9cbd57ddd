package models

import "time"

// ExportFormat enumerates supported roster export formats.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "CSV"
	ExportFormatPDF ExportFormat = "PDF"
)

// ExportJobStatus tracks the lifecycle of an asynchronous export.
type ExportJobStatus string

const (
	ExportStatusPending   ExportJobStatus = "PENDING"
	ExportStatusRunning   ExportJobStatus = "RUNNING"
	ExportStatusCompleted ExportJobStatus = "COMPLETED"
	ExportStatusFailed    ExportJobStatus = "FAILED"
)

// ExportJob records a requested roster export and its outcome.
type ExportJob struct {
	ID          string          `db:"id" json:"id"`
	ClassID     string          `db:"class_id" json:"class_id"`
	Format      ExportFormat    `db:"format" json:"format"`
	Status      ExportJobStatus `db:"status" json:"status"`
	FilePath    *string         `db:"file_path" json:"-"`
	Error       *string         `db:"error" json:"error,omitempty"`
	RequestedBy *string         `db:"requested_by" json:"requested_by,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}
