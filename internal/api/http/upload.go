package http

import (
	"errors"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/security-gateway/internal/api/dto"
	"github.com/spec-kit/security-gateway/internal/audit"
	"github.com/spec-kit/security-gateway/internal/config"
	apperrors "github.com/spec-kit/security-gateway/pkg/util/errorutil"
)

// UploadGuard validates a multipart upload before any handler sees it:
// file count, per-file size, and both the declared and the sniffed content
// type against the allow-list.
func UploadGuard(cfg config.UploadConfig, emitter audit.Emitter, logger *zap.Logger) fiber.Handler {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make([]string, 0, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			allowed = append(allowed, t)
		}
	}

	return func(c *fiber.Ctx) error {
		reject := func(reason string, err error) error {
			logger.Info("upload rejected", zap.String("reason", reason), zap.String("ip", c.IP()))
			emitter.Emit(c.UserContext(),
				audit.New(audit.ActionUploadRejected, c.IP(), c.Path(), audit.ResultFailure).With("reason", reason))
			return err
		}

		form, err := c.MultipartForm()
		if err != nil {
			return reject("not_multipart", apperrors.NewValidationError("multipart form required", nil))
		}

		var files []*multipart.FileHeader
		var fields []string
		for field, headers := range form.File {
			for _, fh := range headers {
				files = append(files, fh)
				fields = append(fields, field)
			}
		}
		if len(files) == 0 {
			return reject("no_files", apperrors.NewValidationError("no files uploaded", nil))
		}
		if cfg.MaxFiles > 0 && len(files) > cfg.MaxFiles {
			return reject("too_many_files", apperrors.NewValidationError("too many files",
				map[string]any{"max_files": cfg.MaxFiles, "received": len(files)}))
		}

		accepted := make([]dto.UploadedFile, 0, len(files))
		for i, fh := range files {
			if cfg.MaxFileSizeBytes > 0 && fh.Size > cfg.MaxFileSizeBytes {
				return reject("too_large", apperrors.NewPayloadTooLarge("file too large",
					map[string]any{"file": fh.Filename, "max_bytes": cfg.MaxFileSizeBytes}))
			}

			declared, _, err := mime.ParseMediaType(fh.Header.Get(fiber.HeaderContentType))
			if err != nil || !typeAllowed(allowed, declared) {
				return reject("declared_type", apperrors.NewViolations("file type not allowed",
					[]apperrors.FieldViolation{{Field: fields[i], Reason: "declared content type not allowed"}}))
			}

			sniffed, err := sniff(fh)
			if err != nil {
				return apperrors.NewInternalError(err)
			}
			if !sniffedAllowed(allowed, sniffed) {
				return reject("sniffed_type", apperrors.NewViolations("file type not allowed",
					[]apperrors.FieldViolation{{Field: fields[i], Reason: "file content does not match an allowed type"}}))
			}

			accepted = append(accepted, dto.UploadedFile{
				Field:       fields[i],
				Filename:    fh.Filename,
				Size:        fh.Size,
				ContentType: declared,
			})
		}

		c.Locals(dto.UploadedFilesLocal, accepted)
		return c.Next()
	}
}

func sniff(fh *multipart.FileHeader) (*mimetype.MIME, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("mime detection returned nothing")
	}
	return m, nil
}

func typeAllowed(allowed []string, mediaType string) bool {
	mediaType = strings.ToLower(mediaType)
	for _, a := range allowed {
		if a == mediaType {
			return true
		}
	}
	return false
}

// sniffedAllowed accepts a detected type when it or one of its parents is
// allowed, so JSON matches an allowed text/plain.
func sniffedAllowed(allowed []string, m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		for _, a := range allowed {
			if m.Is(a) {
				return true
			}
		}
	}
	return false
}
