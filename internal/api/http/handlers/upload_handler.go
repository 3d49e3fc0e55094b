package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/security-gateway/internal/api/dto"
)

// UploadHandler acknowledges uploads that passed the upload guard. File
// contents are not stored; only the accepted metadata is echoed.
type UploadHandler struct{}

// NewUploadHandler constructs handler.
func NewUploadHandler() *UploadHandler {
	return &UploadHandler{}
}

// Upload handles POST /files/upload.
func (h *UploadHandler) Upload(c *fiber.Ctx) error {
	files, _ := c.Locals(dto.UploadedFilesLocal).([]dto.UploadedFile)
	if files == nil {
		files = []dto.UploadedFile{}
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": fiber.Map{"files": files}})
}
