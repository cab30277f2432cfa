package protocol

import "time"

// FileType is the attachment category.
type FileType string

const (
	FileTypeImage    FileType = "image"
	FileTypeVideo    FileType = "video"
	FileTypeDocument FileType = "document"
)

// Attachment references one uploaded file associated with a message.
type Attachment struct {
	FileID   string   `json:"fileId"`
	FileURL  string   `json:"fileUrl"`
	FileType FileType `json:"fileType"`
	FileName string   `json:"fileName,omitempty"`
	Size     int64    `json:"size"`
}

// Message is one chat message. A zero MessageID marks a local copy the server
// has not confirmed yet.
type Message struct {
	MessageID uint         `json:"messageId,omitempty"`
	ChatID    uint         `json:"chatId"`
	SenderID  uint         `json:"senderId"`
	Content   string       `json:"content"`
	Avatar    string       `json:"avatar,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	Files     []Attachment `json:"files,omitempty"`
}

// Chat describes a conversation as listed by the REST API.
type Chat struct {
	ChatID    uint      `json:"chatId"`
	Name      string    `json:"name"`
	CreatedBy uint      `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthRequest carries login or registration data.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Avatar   string `json:"avatar,omitempty"`
}

// AuthResponse returns token and identity details to the client.
type AuthResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
	UserID    uint   `json:"userId"`
	Username  string `json:"username"`
}

// ErrorResponse is the body of every failed REST call.
type ErrorResponse struct {
	Error string `json:"error"`
}
