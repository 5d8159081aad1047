package handler

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/studio/internal/artifact"
	"github.com/makeasinger/studio/pkg/response"
)

// AudioSource resolves an engine-side path to a downloadable URL.
type AudioSource interface {
	IsConfigured() bool
	AudioURL(path string) string
}

// AudioHandler serves generated audio from the durable audio directory and
// falls back to the engine's audio endpoint for files it does not hold.
type AudioHandler struct {
	paths      *artifact.Paths
	source     AudioSource
	httpClient *http.Client
}

func NewAudioHandler(paths *artifact.Paths, source AudioSource) *AudioHandler {
	return &AudioHandler{
		paths:      paths,
		source:     source,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Serve handles GET /audio/*
// @Summary      Download audio
// @Description  Local artifact first; otherwise proxied from the engine
// @Tags         Audio
// @Produce      octet-stream
// @Success      200
// @Failure      404 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Router       /audio/{file} [get]
func (h *AudioHandler) Serve(c *fiber.Ctx) error {
	if local, ok := h.paths.LocalPath(c.Path()); ok {
		if info, err := os.Stat(local); err == nil && !info.IsDir() {
			c.Set(fiber.HeaderContentType, artifact.MimeType(local))
			return c.SendFile(local)
		}
	}

	if h.source == nil || !h.source.IsConfigured() {
		return response.NotFound(c, "Audio not found")
	}

	// Only the cleaned name below the public prefix reaches the engine; query
	// parameters are never forwarded.
	rel, ok := h.paths.Relative(c.Path())
	if !ok {
		return response.NotFound(c, "Audio not found")
	}

	return h.proxy(c, h.source.AudioURL(rel), rel)
}

func (h *AudioHandler) proxy(c *fiber.Ctx, url, name string) error {
	req, err := http.NewRequestWithContext(c.UserContext(), http.MethodGet, url, nil)
	if err != nil {
		return response.ServiceError(c, fmt.Sprintf("failed to create request: %v", err))
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		log.Printf("[Audio] ✗ Proxy %s failed: %v", url, err)
		return response.EngineError(c, "Audio source unavailable")
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return response.NotFound(c, "Audio not found")
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return response.EngineError(c, fmt.Sprintf("Audio source returned status %d", resp.StatusCode))
	}

	contentType := resp.Header.Get(fiber.HeaderContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = artifact.MimeType(name)
	}
	c.Set(fiber.HeaderContentType, contentType)

	// fasthttp closes the body once it has been streamed.
	return c.SendStream(resp.Body, int(resp.ContentLength))
}
