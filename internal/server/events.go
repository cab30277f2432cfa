package server

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/protocol"
	"github.com/fenggwsx/ResiChat/internal/storage"
)

// MaxContentLength bounds the text of one message in runes.
const MaxContentLength = 4000

var (
	errInvalidPayload   = errors.New("invalid payload")
	errForbidden        = errors.New("forbidden")
	errJoinFirst        = errors.New("join room first")
	errEmptyMessage     = errors.New("message empty")
	errContentTooLong   = errors.New("message too long")
	errUnknownFile      = errors.New("unknown attachment")
	errUnsupportedEvent = errors.New("unsupported event")
)

func (a *App) handleEnvelope(ctx context.Context, sess *clientSession, env protocol.Envelope, logger *zap.Logger) {
	logger = logger.With(zap.String("event", string(env.Event)), zap.String("id", env.ID))
	if err := a.presence.Touch(ctx, sess.userID()); err != nil {
		logger.Debug("presence touch", zap.Error(err))
	}

	var err error
	switch env.Event {
	case protocol.EventUserOnline, protocol.EventUserOffline:
		err = a.handlePresence(ctx, sess, env, logger)
	case protocol.EventJoinChat:
		err = a.handleJoin(ctx, sess, env, logger)
	case protocol.EventOutChat:
		err = a.handleLeave(sess, env, logger)
	case protocol.EventSendMessage:
		err = a.handleSend(ctx, sess, env, logger)
	case protocol.EventDeleteMessage:
		err = a.handleDelete(ctx, sess, env, logger)
	default:
		err = errors.Wrap(errUnsupportedEvent, string(env.Event))
	}
	if err != nil {
		logger.Info("event rejected", zap.Error(err))
		sess.trySend(errorEnvelope(env.ID, reasonFor(err)))
	}
}

func (a *App) handlePresence(ctx context.Context, sess *clientSession, env protocol.Envelope, logger *zap.Logger) error {
	var p protocol.PresencePayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		return errors.Wrap(errInvalidPayload, err.Error())
	}
	if p.UserID != sess.userID() {
		return errForbidden
	}
	online := env.Event == protocol.EventUserOnline
	if !sess.markOnline(online) {
		return nil
	}
	if online {
		first, err := a.presence.Online(ctx, p.UserID)
		if err != nil {
			return err
		}
		logger.Info("user online", zap.Bool("first_session", first))
		if first {
			a.publish(ctx, 0, protocol.EventUserStatus, protocol.PresencePayload{UserID: p.UserID, Online: true})
		}
		return nil
	}
	a.announceOffline(ctx, p.UserID, logger)
	return nil
}

func (a *App) announceOffline(ctx context.Context, userID uint, logger *zap.Logger) {
	last, err := a.presence.Offline(ctx, userID)
	if err != nil {
		logger.Warn("presence offline", zap.Error(err))
		return
	}
	logger.Info("user offline", zap.Bool("last_session", last))
	if last {
		a.publish(ctx, 0, protocol.EventUserStatus, protocol.PresencePayload{UserID: userID, Online: false})
	}
}

func (a *App) handleJoin(ctx context.Context, sess *clientSession, env protocol.Envelope, logger *zap.Logger) error {
	var room protocol.RoomPayload
	if err := protocol.DecodePayload(env.Payload, &room); err != nil || room.ChatID == 0 {
		return errInvalidPayload
	}
	if _, err := a.store.GetChat(ctx, room.ChatID); err != nil {
		return err
	}
	if prev := sess.setRoom(room.ChatID); prev != 0 && prev != room.ChatID {
		a.hub.Leave(prev, sess)
	}
	a.hub.Join(room.ChatID, sess)
	logger.Info("joined chat", zap.Uint("chat", room.ChatID), zap.Int("members", a.hub.Members(room.ChatID)))
	return nil
}

func (a *App) handleLeave(sess *clientSession, env protocol.Envelope, logger *zap.Logger) error {
	var room protocol.RoomPayload
	if err := protocol.DecodePayload(env.Payload, &room); err != nil {
		return errInvalidPayload
	}
	if room.ChatID == 0 || sess.activeRoom() != room.ChatID {
		return nil
	}
	sess.setRoom(0)
	a.hub.Leave(room.ChatID, sess)
	logger.Info("left chat", zap.Uint("chat", room.ChatID))
	return nil
}

func (a *App) handleSend(ctx context.Context, sess *clientSession, env protocol.Envelope, logger *zap.Logger) error {
	var req protocol.SendMessagePayload
	if err := protocol.DecodePayload(env.Payload, &req); err != nil {
		return errors.Wrap(errInvalidPayload, err.Error())
	}
	chatID := req.ChatID
	if chatID == 0 {
		chatID = req.Message.ChatID
	}
	if chatID == 0 || sess.activeRoom() != chatID {
		return errJoinFirst
	}
	msg, err := a.storeMessage(ctx, sess.userID(), chatID, req.Message)
	if err != nil {
		return err
	}
	logger.Info("message stored", zap.Uint("chat", chatID), zap.Uint("message", msg.MessageID), zap.Int("files", len(msg.Files)))
	a.publish(ctx, chatID, protocol.EventReceiveMessage, msg)
	return nil
}

func (a *App) handleDelete(ctx context.Context, sess *clientSession, env protocol.Envelope, logger *zap.Logger) error {
	var req protocol.DeleteMessagePayload
	if err := protocol.DecodePayload(env.Payload, &req); err != nil || req.MessageID == 0 {
		return errInvalidPayload
	}
	chatID, err := a.deleteMessage(ctx, sess.userID(), req.MessageID)
	if err != nil {
		return err
	}
	logger.Info("message deleted", zap.Uint("chat", chatID), zap.Uint("message", req.MessageID))
	return nil
}

// storeMessage validates and persists a message sent by senderID. Attachments
// must reference files the sender uploaded.
func (a *App) storeMessage(ctx context.Context, senderID, chatID uint, in protocol.Message) (protocol.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" && len(in.Files) == 0 {
		return protocol.Message{}, errEmptyMessage
	}
	if len([]rune(content)) > MaxContentLength {
		return protocol.Message{}, errContentTooLong
	}

	ids := make([]string, 0, len(in.Files))
	for _, f := range in.Files {
		ids = append(ids, f.FileID)
	}
	files, err := a.store.GetFiles(ctx, ids)
	if err != nil {
		return protocol.Message{}, err
	}
	if len(files) != len(ids) {
		return protocol.Message{}, errUnknownFile
	}
	for _, f := range files {
		if f.UploaderID != senderID {
			return protocol.Message{}, errUnknownFile
		}
	}

	record := storage.Message{
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		FileIDs:   ids,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateMessage(ctx, &record); err != nil {
		return protocol.Message{}, err
	}
	return toProtocolMessage(record, files, a.avatarOf(ctx, senderID)), nil
}

// deleteMessage soft-deletes messageID on behalf of userID and broadcasts the
// removal to the message's chat.
func (a *App) deleteMessage(ctx context.Context, userID, messageID uint) (uint, error) {
	msg, err := a.store.GetMessage(ctx, messageID)
	if err != nil {
		return 0, err
	}
	if msg.SenderID != userID {
		return 0, errForbidden
	}
	if err := a.store.DeleteMessage(ctx, messageID); err != nil {
		return 0, err
	}
	a.publish(ctx, msg.ChatID, protocol.EventMessageDeleted, protocol.DeleteMessagePayload{ChatID: msg.ChatID, MessageID: messageID})
	return msg.ChatID, nil
}

func (a *App) avatarOf(ctx context.Context, userID uint) string {
	user, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return ""
	}
	return user.Avatar
}

func toProtocolMessage(msg storage.Message, files []storage.File, avatar string) protocol.Message {
	out := protocol.Message{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Avatar:    avatar,
		CreatedAt: msg.CreatedAt.UTC(),
	}
	for _, f := range files {
		out.Files = append(out.Files, toAttachment(f))
	}
	return out
}

func toAttachment(f storage.File) protocol.Attachment {
	return protocol.Attachment{
		FileID:   f.ID,
		FileURL:  "/files/" + f.StoredName,
		FileType: protocol.FileType(f.FileType),
		FileName: f.FileName,
		Size:     f.Size,
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "not found"
	case errors.Is(err, errForbidden):
		return "forbidden"
	case errors.Is(err, errInvalidPayload), errors.Is(err, errJoinFirst), errors.Is(err, errEmptyMessage),
		errors.Is(err, errContentTooLong), errors.Is(err, errUnknownFile):
		return errors.Cause(err).Error()
	case errors.Is(err, errUnsupportedEvent):
		return "unsupported event"
	default:
		return "request failed"
	}
}

func newEnvelope(event protocol.EventType, payload interface{}) protocol.Envelope {
	return protocol.Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func errorEnvelope(referenceID, reason string) protocol.Envelope {
	return newEnvelope(protocol.EventError, protocol.ErrorPayload{ReferenceID: referenceID, Reason: reason})
}
