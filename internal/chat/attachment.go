package chat

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"

	"github.com/fenggwsx/ResiChat/internal/protocol"
)

// MaxAttachmentSize is the largest file accepted as an attachment (5 MiB).
const MaxAttachmentSize int64 = 5 << 20

// ReasonSizeLimit is the rejection reason for oversized files.
const ReasonSizeLimit = "exceeds size limit"

// PendingAttachment is a locally selected file that has not been uploaded.
// Data and Preview never leave the client.
type PendingAttachment struct {
	FileName string
	MIMEType string
	Size     int64
	Data     []byte
	Preview  string
}

// Verdict is the outcome of ValidateAttachment.
type Verdict struct {
	Valid    bool
	FileType protocol.FileType
	Reason   string
}

// Rejection pairs a refused file with the reason shown to the user.
type Rejection struct {
	FileName string
	Reason   string
}

// CategoryOf returns the attachment category of an allow-listed MIME type.
// Parameters such as charset are ignored.
func CategoryOf(mimeType string) (protocol.FileType, bool) {
	switch normalizeMIME(mimeType) {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return protocol.FileTypeImage, true
	case "video/mp4", "video/webm", "video/quicktime":
		return protocol.FileTypeVideo, true
	case "application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"text/plain":
		return protocol.FileTypeDocument, true
	}
	return "", false
}

// SniffedMIME returns the detected type, or its closest ancestor on the
// allow-list. Detection reports the most specific subtype, so CSV or JSON
// text resolves to text/plain.
func SniffedMIME(mt *mimetype.MIME) string {
	for m := mt; m != nil; m = m.Parent() {
		if _, ok := CategoryOf(m.String()); ok {
			return m.String()
		}
	}
	return mt.String()
}

func categoryOfExt(ext string) (protocol.FileType, bool) {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return protocol.FileTypeImage, true
	case ".mp4", ".webm", ".mov":
		return protocol.FileTypeVideo, true
	case ".pdf", ".doc", ".docx", ".xls", ".xlsx", ".txt":
		return protocol.FileTypeDocument, true
	}
	return "", false
}

// ValidateAttachment checks the size limit, then the MIME allow-list, then,
// when a file name is present, that the extension matches the same category.
func ValidateAttachment(file PendingAttachment) Verdict {
	if file.Size > MaxAttachmentSize {
		return Verdict{Reason: ReasonSizeLimit}
	}
	ft, ok := CategoryOf(file.MIMEType)
	if !ok {
		return Verdict{Reason: fmt.Sprintf("unsupported type: %s", normalizeMIME(file.MIMEType))}
	}
	if name := strings.TrimSpace(file.FileName); name != "" {
		ext := strings.ToLower(filepath.Ext(name))
		if extType, ok := categoryOfExt(ext); !ok || extType != ft {
			return Verdict{Reason: fmt.Sprintf("unsupported extension: %s", ext)}
		}
	}
	return Verdict{Valid: true, FileType: ft}
}

// Partition splits files into those allowed to be sent and the rejections.
func Partition(files []PendingAttachment) ([]PendingAttachment, []Rejection) {
	accepted := make([]PendingAttachment, 0, len(files))
	var rejected []Rejection
	for _, f := range files {
		if v := ValidateAttachment(f); !v.Valid {
			rejected = append(rejected, Rejection{FileName: f.FileName, Reason: v.Reason})
			continue
		}
		accepted = append(accepted, f)
	}
	return accepted, rejected
}

// LoadAttachment reads a file from disk into a PendingAttachment, sniffing
// its MIME type from content. Oversized files are not read; their Data is
// nil and validation rejects them.
func LoadAttachment(path string) (PendingAttachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return PendingAttachment{}, errors.Wrap(err, "stat attachment")
	}
	if info.IsDir() {
		return PendingAttachment{}, errors.Errorf("%s is a directory", path)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return PendingAttachment{}, errors.Wrap(err, "detect type")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	file := PendingAttachment{
		FileName: filepath.Base(path),
		MIMEType: SniffedMIME(mt),
		Size:     info.Size(),
		Preview:  "file://" + filepath.ToSlash(abs),
	}
	if file.Size > MaxAttachmentSize {
		return file, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PendingAttachment{}, errors.Wrap(err, "read attachment")
	}
	file.Data = data
	file.Size = int64(len(data))
	return file, nil
}

func normalizeMIME(value string) string {
	value = strings.TrimSpace(value)
	if parsed, _, err := mime.ParseMediaType(value); err == nil {
		return parsed
	}
	return strings.ToLower(value)
}
