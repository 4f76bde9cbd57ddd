package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campushq/class-enroll-api/internal/models"
	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
)

type formRepository interface {
	FindByID(ctx context.Context, id string) (*models.EnrollmentForm, error)
	Create(ctx context.Context, form *models.EnrollmentForm) error
	UpdateSchema(ctx context.Context, id string, title string, schema models.FormSchema) (*models.EnrollmentForm, error)
}

// FormRequest describes form creation or schema update payloads.
type FormRequest struct {
	Title  string            `json:"title" validate:"required"`
	Schema models.FormSchema `json:"schema" validate:"required,min=1"`
}

// FormService manages versioned enrollment forms.
type FormService struct {
	repo      formRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewFormService constructs FormService.
func NewFormService(repo formRepository, validate *validator.Validate, logger *zap.Logger) *FormService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormService{repo: repo, validator: validate, logger: logger}
}

// Get returns a form by its ID.
func (s *FormService) Get(ctx context.Context, id string) (*models.EnrollmentForm, error) {
	form, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment form not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment form")
	}
	return form, nil
}

// Create registers a new form at version 1.
func (s *FormService) Create(ctx context.Context, req FormRequest) (*models.EnrollmentForm, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	form := &models.EnrollmentForm{Title: req.Title, Schema: req.Schema}
	if err := s.repo.Create(ctx, form); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create form")
	}
	s.logger.Info("enrollment form created", zap.String("form_id", form.ID))
	return form, nil
}

// UpdateSchema replaces the question set and bumps the form version. Existing
// enrollments keep the snapshot captured at application time.
func (s *FormService) UpdateSchema(ctx context.Context, id string, req FormRequest) (*models.EnrollmentForm, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	form, err := s.repo.UpdateSchema(ctx, id, req.Title, req.Schema)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment form not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update form")
	}
	s.logger.Info("enrollment form updated", zap.String("form_id", form.ID), zap.Int("version", form.Version))
	return form, nil
}

func (s *FormService) validateRequest(req FormRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid form payload")
	}
	seen := make(map[string]struct{}, len(req.Schema))
	for _, q := range req.Schema {
		if q.ID == "" {
			return appErrors.Clone(appErrors.ErrValidation, "every question needs an id")
		}
		if _, dup := seen[q.ID]; dup {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("duplicate question id %q", q.ID))
		}
		seen[q.ID] = struct{}{}
		switch q.Type {
		case models.QuestionText, models.QuestionBoolean:
		case models.QuestionSelect, models.QuestionMultiSelect:
			if len(q.Options) == 0 {
				return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("question %q needs options", q.ID))
			}
		default:
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("question %q has unsupported type %q", q.ID, q.Type))
		}
	}
	return nil
}
