package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("record already exists")
)

// User represents a persisted resident account.
type User struct {
	ID        uint
	Username  string
	Password  string
	Avatar    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chat is a persisted conversation room.
type Chat struct {
	ID        uint
	Name      string
	CreatedBy uint
	CreatedAt time.Time
}

// File is a stored attachment. Upload records it before any message refers to it.
type File struct {
	ID         string
	StoredName string
	FileName   string
	MIMEType   string
	FileType   string
	Size       int64
	UploaderID uint
	CreatedAt  time.Time
}

// Message is a persisted chat message. FileIDs reference File records.
type Message struct {
	ID        uint
	ChatID    uint
	SenderID  uint
	Content   string
	FileIDs   []string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Store defines persistence operations used by the server.
type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id uint) (*User, error)

	CreateChat(ctx context.Context, chat *Chat) error
	GetChat(ctx context.Context, id uint) (*Chat, error)
	ListChats(ctx context.Context) ([]Chat, error)

	CreateFile(ctx context.Context, file *File) error
	GetFiles(ctx context.Context, ids []string) ([]File, error)

	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id uint) (*Message, error)
	ListMessages(ctx context.Context, chatID uint, limit int) ([]Message, error)
	DeleteMessage(ctx context.Context, id uint) error
}
