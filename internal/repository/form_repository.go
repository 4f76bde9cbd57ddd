package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campushq/class-enroll-api/internal/models"
)

// FormRepository handles persistence of versioned enrollment forms.
type FormRepository struct {
	db *sqlx.DB
}

// NewFormRepository constructs the repository.
func NewFormRepository(db *sqlx.DB) *FormRepository {
	return &FormRepository{db: db}
}

// FindByID returns a form by its ID.
func (r *FormRepository) FindByID(ctx context.Context, id string) (*models.EnrollmentForm, error) {
	const query = `SELECT id, title, version, schema, created_at, updated_at FROM enrollment_forms WHERE id = $1`
	var form models.EnrollmentForm
	if err := r.db.GetContext(ctx, &form, query, id); err != nil {
		return nil, err
	}
	return &form, nil
}

// Create persists a new form at version 1.
func (r *FormRepository) Create(ctx context.Context, form *models.EnrollmentForm) error {
	if form.ID == "" {
		form.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	form.Version = 1
	form.CreatedAt = now
	form.UpdatedAt = now
	const query = `INSERT INTO enrollment_forms (id, title, version, schema, created_at, updated_at)
        VALUES (:id, :title, :version, :schema, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, form); err != nil {
		return fmt.Errorf("create form: %w", err)
	}
	return nil
}

// UpdateSchema replaces the question schema and bumps the form version.
// Existing enrollments keep the snapshot they captured at application time.
func (r *FormRepository) UpdateSchema(ctx context.Context, id string, title string, schema models.FormSchema) (*models.EnrollmentForm, error) {
	const query = `UPDATE enrollment_forms
        SET title = $2, schema = $3, version = version + 1, updated_at = $4
        WHERE id = $1
        RETURNING id, title, version, schema, created_at, updated_at`
	var form models.EnrollmentForm
	if err := r.db.GetContext(ctx, &form, query, id, title, schema, time.Now().UTC()); err != nil {
		return nil, err
	}
	return &form, nil
}
