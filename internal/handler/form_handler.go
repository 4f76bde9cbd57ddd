package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campushq/class-enroll-api/internal/service"
	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
	"github.com/campushq/class-enroll-api/pkg/response"
)

// FormHandler exposes enrollment form endpoints.
type FormHandler struct {
	forms *service.FormService
}

// NewFormHandler constructs FormHandler.
func NewFormHandler(forms *service.FormService) *FormHandler {
	return &FormHandler{forms: forms}
}

// Get godoc
// @Summary Get an enrollment form
// @Tags Forms
// @Produce json
// @Param id path string true "Form ID"
// @Success 200 {object} response.Envelope
// @Router /forms/{id} [get]
func (h *FormHandler) Get(c *gin.Context) {
	form, err := h.forms.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, form, nil)
}

// Create godoc
// @Summary Create an enrollment form
// @Tags Forms
// @Accept json
// @Produce json
// @Param payload body service.FormRequest true "Form payload"
// @Success 201 {object} response.Envelope
// @Router /forms [post]
func (h *FormHandler) Create(c *gin.Context) {
	var req service.FormRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	form, err := h.forms.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, form)
}

// UpdateSchema godoc
// @Summary Replace a form's questions, bumping its version
// @Tags Forms
// @Accept json
// @Produce json
// @Param id path string true "Form ID"
// @Param payload body service.FormRequest true "Form payload"
// @Success 200 {object} response.Envelope
// @Router /forms/{id} [put]
func (h *FormHandler) UpdateSchema(c *gin.Context) {
	var req service.FormRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	form, err := h.forms.UpdateSchema(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, form, nil)
}
