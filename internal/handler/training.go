package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/pkg/response"
)

type TrainingHandler struct {
	service   *service.TrainingService
	validator *validator.Validate
}

func NewTrainingHandler(svc *service.TrainingService, v *validator.Validate) *TrainingHandler {
	return &TrainingHandler{
		service:   svc,
		validator: v,
	}
}

// Preprocess handles POST /api/training/preprocess
// @Summary      Preprocess a training dataset
// @Description  Convert a labeled dataset into training tensors. Paths are relative to the dataset directory. Blocks until the script finishes.
// @Tags         Training
// @Accept       json
// @Produce      json
// @Param        request body model.PreprocessRequest true "Preprocess request"
// @Success      200 {object} model.PreprocessResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      422 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/training/preprocess [post]
func (h *TrainingHandler) Preprocess(c *fiber.Ctx) error {
	var req model.PreprocessRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Preprocess(c.UserContext(), &req)
	if err != nil {
		var pathErr *service.PathError
		if errors.As(err, &pathErr) {
			return response.ValidationError(c, "Path is outside the dataset directory", map[string]string{pathErr.Field: "dataset_dir"})
		}
		var pe *service.PreprocessError
		if errors.As(err, &pe) {
			return response.JobFailed(c, pe.Message)
		}
		return response.EngineError(c, err.Error())
	}

	return response.OK(c, result)
}
