package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/studio/internal/middleware"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/store"
	"github.com/makeasinger/studio/pkg/response"
)

// SongReader is the read side of the song store.
type SongReader interface {
	List(ctx context.Context, ownerID string, limit, offset int) ([]model.Song, int, error)
	Get(ctx context.Context, id string) (*model.Song, error)
}

type SongsHandler struct {
	songs SongReader
}

func NewSongsHandler(songs SongReader) *SongsHandler {
	return &SongsHandler{songs: songs}
}

// List handles GET /api/songs
// @Summary      List songs
// @Description  Songs produced by the caller's generation jobs, newest first
// @Tags         Songs
// @Produce      json
// @Param        limit  query int false "Page size (max 100)"
// @Param        offset query int false "Offset"
// @Success      200 {object} model.SongListResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/songs [get]
func (h *SongsHandler) List(c *fiber.Ctx) error {
	songs, total, err := h.songs.List(c.UserContext(), middleware.GetUserID(c), c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, model.SongListResponse{Songs: songs, Total: total})
}

// Get handles GET /api/songs/:id
// @Summary      Get song
// @Tags         Songs
// @Produce      json
// @Param        id path string true "Song ID"
// @Success      200 {object} model.Song
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/songs/{id} [get]
func (h *SongsHandler) Get(c *fiber.Ctx) error {
	song, err := h.songs.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Song not found")
		}
		return response.ServiceError(c, err.Error())
	}
	if song.OwnerID != middleware.GetUserID(c) {
		return response.NotFound(c, "Song not found")
	}
	return response.OK(c, song)
}
