package sqlite

import (
	"context"
	"slices"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fenggwsx/ResiChat/internal/config"
	"github.com/fenggwsx/ResiChat/internal/storage"
)

// Store is a GORM-backed SQLite implementation of storage.Store.
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

type userModel struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;size:64"`
	Password  string
	Avatar    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userModel) TableName() string { return "users" }

type chatModel struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:128"`
	CreatedBy uint
	CreatedAt time.Time
}

func (chatModel) TableName() string { return "chats" }

type fileModel struct {
	ID         string `gorm:"primaryKey;size:36"`
	StoredName string
	FileName   string
	MIMEType   string
	FileType   string
	Size       int64
	UploaderID uint `gorm:"index"`
	CreatedAt  time.Time
}

func (fileModel) TableName() string { return "files" }

type messageModel struct {
	ID        uint `gorm:"primaryKey"`
	ChatID    uint `gorm:"index:idx_messages_chat_created,priority:1"`
	SenderID  uint
	Content   string
	FileIDs   []string       `gorm:"serializer:json"`
	CreatedAt time.Time      `gorm:"index:idx_messages_chat_created,priority:2"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (messageModel) TableName() string { return "messages" }

// NewStore opens a SQLite database at the provided path.
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", cfg.Path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "sqlite handle")
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	return errors.Wrap(s.db.WithContext(ctx).AutoMigrate(&userModel{}, &chatModel{}, &fileModel{}, &messageModel{}), "migrate")
}

// CreateUser stores a new user record and fills in its ID.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&userModel{}).Where("username = ?", user.Username).Count(&count).Error; err != nil {
		return errors.Wrap(err, "check username")
	}
	if count > 0 {
		return storage.ErrConflict
	}
	model := userModel{
		Username:  user.Username,
		Password:  user.Password,
		Avatar:    user.Avatar,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(err, "create user")
	}
	user.ID = model.ID
	user.CreatedAt = model.CreatedAt
	user.UpdatedAt = model.UpdatedAt
	return nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	var model userModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		return nil, translate(err, "get user")
	}
	return model.toUser(), nil
}

// GetUserByID retrieves a user by ID.
func (s *Store) GetUserByID(ctx context.Context, id uint) (*storage.User, error) {
	var model userModel
	if err := s.db.WithContext(ctx).First(&model, id).Error; err != nil {
		return nil, translate(err, "get user")
	}
	return model.toUser(), nil
}

// CreateChat stores a chat room and fills in its ID.
func (s *Store) CreateChat(ctx context.Context, chat *storage.Chat) error {
	if chat == nil {
		return errors.New("nil chat")
	}
	model := chatModel{Name: chat.Name, CreatedBy: chat.CreatedBy, CreatedAt: chat.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(err, "create chat")
	}
	chat.ID = model.ID
	chat.CreatedAt = model.CreatedAt
	return nil
}

// GetChat retrieves a chat room by ID.
func (s *Store) GetChat(ctx context.Context, id uint) (*storage.Chat, error) {
	var model chatModel
	if err := s.db.WithContext(ctx).First(&model, id).Error; err != nil {
		return nil, translate(err, "get chat")
	}
	chat := model.toChat()
	return &chat, nil
}

// ListChats returns every chat room ordered by creation.
func (s *Store) ListChats(ctx context.Context) ([]storage.Chat, error) {
	var models []chatModel
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, translate(err, "list chats")
	}
	chats := make([]storage.Chat, 0, len(models))
	for _, m := range models {
		chats = append(chats, m.toChat())
	}
	return chats, nil
}

// CreateFile records an uploaded file.
func (s *Store) CreateFile(ctx context.Context, file *storage.File) error {
	if file == nil || file.ID == "" {
		return errors.New("file id required")
	}
	model := fileModel{
		ID:         file.ID,
		StoredName: file.StoredName,
		FileName:   file.FileName,
		MIMEType:   file.MIMEType,
		FileType:   file.FileType,
		Size:       file.Size,
		UploaderID: file.UploaderID,
		CreatedAt:  file.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(err, "create file")
	}
	file.CreatedAt = model.CreatedAt
	return nil
}

// GetFiles returns the files with the given IDs in the order requested.
// Unknown IDs are skipped.
func (s *Store) GetFiles(ctx context.Context, ids []string) ([]storage.File, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []fileModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, translate(err, "get files")
	}
	byID := make(map[string]fileModel, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	files := make([]storage.File, 0, len(models))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			files = append(files, m.toFile())
		}
	}
	return files, nil
}

// CreateMessage stores a message and fills in its ID and timestamp.
func (s *Store) CreateMessage(ctx context.Context, msg *storage.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	model := messageModel{
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		FileIDs:   msg.FileIDs,
		CreatedAt: msg.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(err, "create message")
	}
	msg.ID = model.ID
	msg.CreatedAt = model.CreatedAt
	return nil
}

// GetMessage retrieves a message that has not been deleted.
func (s *Store) GetMessage(ctx context.Context, id uint) (*storage.Message, error) {
	var model messageModel
	if err := s.db.WithContext(ctx).First(&model, id).Error; err != nil {
		return nil, translate(err, "get message")
	}
	msg := model.toMessage()
	return &msg, nil
}

// ListMessages returns the latest limit messages of a chat in ascending
// time order. A non-positive limit returns the whole history.
func (s *Store) ListMessages(ctx context.Context, chatID uint, limit int) ([]storage.Message, error) {
	query := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []messageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, translate(err, "list messages")
	}
	slices.Reverse(models)
	messages := make([]storage.Message, 0, len(models))
	for _, m := range models {
		messages = append(messages, m.toMessage())
	}
	return messages, nil
}

// DeleteMessage soft-deletes a message.
func (s *Store) DeleteMessage(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&messageModel{}, id)
	if result.Error != nil {
		return translate(result.Error, "delete message")
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func translate(err error, op string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrConflict
	default:
		return errors.Wrap(err, op)
	}
}

func (m userModel) toUser() *storage.User {
	return &storage.User{
		ID:        m.ID,
		Username:  m.Username,
		Password:  m.Password,
		Avatar:    m.Avatar,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func (m chatModel) toChat() storage.Chat {
	return storage.Chat{ID: m.ID, Name: m.Name, CreatedBy: m.CreatedBy, CreatedAt: m.CreatedAt}
}

func (m fileModel) toFile() storage.File {
	return storage.File{
		ID:         m.ID,
		StoredName: m.StoredName,
		FileName:   m.FileName,
		MIMEType:   m.MIMEType,
		FileType:   m.FileType,
		Size:       m.Size,
		UploaderID: m.UploaderID,
		CreatedAt:  m.CreatedAt,
	}
}

func (m messageModel) toMessage() storage.Message {
	msg := storage.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		FileIDs:   m.FileIDs,
		CreatedAt: m.CreatedAt,
	}
	if m.DeletedAt.Valid {
		deleted := m.DeletedAt.Time
		msg.DeletedAt = &deleted
	}
	return msg
}
