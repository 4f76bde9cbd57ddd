package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campushq/class-enroll-api/internal/models"
	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
)

type classRepository interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
	List(ctx context.Context, filter models.ClassFilter) ([]models.Class, int, error)
	Create(ctx context.Context, class *models.Class) error
	Update(ctx context.Context, class *models.Class) error
}

// ClassRequest describes class creation or update payloads.
type ClassRequest struct {
	Name             string               `json:"name" validate:"required"`
	Description      string               `json:"description"`
	FormID           *string              `json:"form_id"`
	Capacity         *int                 `json:"capacity" validate:"omitempty,min=0"`
	WaitlistCapacity *int                 `json:"waitlist_capacity" validate:"omitempty,min=0"`
	SelectionType    models.SelectionType `json:"selection_type" validate:"omitempty,oneof=FIRST_COME REVIEW"`
	RecruitStartAt   time.Time            `json:"recruit_start_at" validate:"required"`
	RecruitEndAt     time.Time            `json:"recruit_end_at" validate:"required"`
}

// ClassService manages class metadata.
type ClassService struct {
	repo      classRepository
	forms     formReader
	validator *validator.Validate
	logger    *zap.Logger
}

// NewClassService constructs ClassService.
func NewClassService(repo classRepository, forms formReader, validate *validator.Validate, logger *zap.Logger) *ClassService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClassService{repo: repo, forms: forms, validator: validate, logger: logger}
}

// Get returns a class by its ID.
func (s *ClassService) Get(ctx context.Context, id string) (*models.Class, error) {
	class, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	return class, nil
}

// List returns classes with pagination metadata.
func (s *ClassService) List(ctx context.Context, filter models.ClassFilter) ([]models.Class, *models.Pagination, error) {
	classes, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list classes")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return classes, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Create registers a new class.
func (s *ClassService) Create(ctx context.Context, req ClassRequest) (*models.Class, error) {
	class, err := s.buildClass(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, class); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create class")
	}
	s.logger.Info("class created", zap.String("class_id", class.ID), zap.String("name", class.Name))
	return class, nil
}

// Update replaces the metadata of an existing class. Capacity changes take
// effect on the next admission or promotion; existing approvals stay intact.
func (s *ClassService) Update(ctx context.Context, id string, req ClassRequest) (*models.Class, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	class, err := s.buildClass(ctx, req)
	if err != nil {
		return nil, err
	}
	class.ID = id
	if err := s.repo.Update(ctx, class); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update class")
	}
	return class, nil
}

func (s *ClassService) buildClass(ctx context.Context, req ClassRequest) (*models.Class, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid class payload")
	}
	if !req.RecruitEndAt.After(req.RecruitStartAt) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "recruitment window must end after it starts")
	}
	if req.FormID != nil {
		if _, err := s.forms.FindByID(ctx, *req.FormID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment form not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment form")
		}
	}
	selection := req.SelectionType
	if selection == "" {
		selection = models.SelectionFirstCome
	}
	return &models.Class{
		Name:             req.Name,
		Description:      req.Description,
		FormID:           req.FormID,
		Capacity:         req.Capacity,
		WaitlistCapacity: req.WaitlistCapacity,
		SelectionType:    selection,
		RecruitStartAt:   req.RecruitStartAt,
		RecruitEndAt:     req.RecruitEndAt,
	}, nil
}
