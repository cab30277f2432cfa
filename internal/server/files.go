package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/chat"
	"github.com/fenggwsx/ResiChat/internal/storage"
)

const defaultUploadDir = "uploads"

// handleUpload stores one multipart file after validating it against the
// same rules the client applies. The type is sniffed from content, not
// taken from the request.
func (a *App) handleUpload(c *gin.Context) {
	claims := claimsFrom(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, chat.MaxAttachmentSize+1<<20)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, chat.ReasonSizeLimit)
			return
		}
		respondError(c, http.StatusBadRequest, "file required")
		return
	}
	if header.Size > chat.MaxAttachmentSize {
		respondError(c, http.StatusRequestEntityTooLarge, chat.ReasonSizeLimit)
		return
	}

	src, err := header.Open()
	if err != nil {
		a.internalError(c, "open upload", err)
		return
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, chat.MaxAttachmentSize+1))
	if err != nil {
		a.internalError(c, "read upload", err)
		return
	}

	mimeType := chat.SniffedMIME(mimetype.Detect(data))
	verdict := chat.ValidateAttachment(chat.PendingAttachment{
		FileName: filepath.Base(header.Filename),
		MIMEType: mimeType,
		Size:     int64(len(data)),
	})
	if !verdict.Valid {
		status := http.StatusUnsupportedMediaType
		if verdict.Reason == chat.ReasonSizeLimit {
			status = http.StatusRequestEntityTooLarge
		}
		a.logger.Info("upload rejected", zap.Uint("user", claims.UserID), zap.String("file", header.Filename), zap.String("reason", verdict.Reason))
		respondError(c, status, verdict.Reason)
		return
	}

	id := uuid.NewString()
	file := storage.File{
		ID:         id,
		StoredName: id + strings.ToLower(filepath.Ext(header.Filename)),
		FileName:   filepath.Base(header.Filename),
		MIMEType:   mimeType,
		FileType:   string(verdict.FileType),
		Size:       int64(len(data)),
		UploaderID: claims.UserID,
		CreatedAt:  time.Now().UTC(),
	}
	path, err := a.uploadFilePath(file.StoredName)
	if err != nil {
		a.internalError(c, "prepare upload dir", err)
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		a.internalError(c, "write upload", err)
		return
	}
	if err := a.store.CreateFile(c.Request.Context(), &file); err != nil {
		_ = os.Remove(path)
		a.internalError(c, "record upload", err)
		return
	}

	a.logger.Info("file uploaded", zap.Uint("user", claims.UserID), zap.String("file", file.FileName), zap.String("id", id), zap.Int64("size", file.Size))
	c.JSON(http.StatusCreated, toAttachment(file))
}

func (a *App) handleDownload(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	if name == "." || name == "/" || strings.HasPrefix(name, "..") {
		respondError(c, http.StatusBadRequest, "invalid file name")
		return
	}
	path := filepath.Join(a.uploadDir(), name)
	if _, err := os.Stat(path); err != nil {
		respondError(c, http.StatusNotFound, "file not found")
		return
	}
	c.File(path)
}

func (a *App) uploadFilePath(name string) (string, error) {
	dir := a.uploadDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create upload dir")
	}
	return filepath.Join(dir, name), nil
}

func (a *App) uploadDir() string {
	if dir := strings.TrimSpace(a.cfg.UploadDir); dir != "" {
		return dir
	}
	return defaultUploadDir
}
