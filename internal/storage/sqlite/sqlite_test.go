package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenggwsx/ResiChat/internal/config"
	"github.com/fenggwsx/ResiChat/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	user := &storage.User{Username: "flat-3b", Password: "hash"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create: %v", err)
	}
	if user.ID == 0 {
		t.Fatalf("expected id to be assigned")
	}
	if err := store.CreateUser(ctx, &storage.User{Username: "flat-3b", Password: "x"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	byName, err := store.GetUserByUsername(ctx, "flat-3b")
	if err != nil || byName.ID != user.ID {
		t.Fatalf("get by name: %+v %v", byName, err)
	}
	byID, err := store.GetUserByID(ctx, user.ID)
	if err != nil || byID.Username != "flat-3b" {
		t.Fatalf("get by id: %+v %v", byID, err)
	}
	if _, err := store.GetUserByUsername(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChatsAndMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	lobby := &storage.Chat{Name: "Lobby", CreatedBy: 1}
	if err := store.CreateChat(ctx, lobby); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	parking := &storage.Chat{Name: "Parking", CreatedBy: 1}
	if err := store.CreateChat(ctx, parking); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	chats, err := store.ListChats(ctx)
	if err != nil || len(chats) != 2 || chats[0].Name != "Lobby" {
		t.Fatalf("list chats: %+v %v", chats, err)
	}

	file := &storage.File{ID: "f-1", StoredName: "f-1.png", FileName: "meter.png", MIMEType: "image/png", FileType: "image", Size: 10, UploaderID: 1}
	if err := store.CreateFile(ctx, file); err != nil {
		t.Fatalf("create file: %v", err)
	}

	start := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	for i, content := range []string{"one", "two", "three"} {
		msg := &storage.Message{ChatID: lobby.ID, SenderID: 1, Content: content, CreatedAt: start.Add(time.Duration(i) * time.Minute)}
		if i == 1 {
			msg.FileIDs = []string{"f-1"}
		}
		if err := store.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}
	if err := store.CreateMessage(ctx, &storage.Message{ChatID: parking.ID, SenderID: 2, Content: "other", CreatedAt: start}); err != nil {
		t.Fatalf("create message: %v", err)
	}

	history, err := store.ListMessages(ctx, lobby.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 3 || history[0].Content != "one" || history[2].Content != "three" {
		t.Fatalf("unexpected history %+v", history)
	}
	if len(history[1].FileIDs) != 1 || history[1].FileIDs[0] != "f-1" {
		t.Fatalf("file ids not persisted: %+v", history[1])
	}

	latest, err := store.ListMessages(ctx, lobby.ID, 2)
	if err != nil || len(latest) != 2 || latest[0].Content != "two" {
		t.Fatalf("limited history: %+v %v", latest, err)
	}

	files, err := store.GetFiles(ctx, []string{"missing", "f-1"})
	if err != nil || len(files) != 1 || files[0].FileName != "meter.png" {
		t.Fatalf("get files: %+v %v", files, err)
	}

	if err := store.DeleteMessage(ctx, history[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetMessage(ctx, history[0].ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("deleted message still visible: %v", err)
	}
	if err := store.DeleteMessage(ctx, history[0].ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	remaining, _ := store.ListMessages(ctx, lobby.ID, 0)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(remaining))
	}
}
