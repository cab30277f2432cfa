// Package api is the REST client for the chat server: authentication, chat
// listing, message history, deletion and file upload.
package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/fenggwsx/ResiChat/internal/chat"
	"github.com/fenggwsx/ResiChat/internal/protocol"
)

// ErrUnauthorized is returned for missing, expired or rejected credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Error is a non-success response from the server.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	if errors.Is(err, ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	return 0
}

// Client talks to the REST API. It is safe for concurrent use.
type Client struct {
	http *resty.Client

	mu    sync.RWMutex
	token string
}

// New returns a client for baseURL, for example http://localhost:8080.
func New(baseURL string, timeout time.Duration) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		rc.SetTimeout(timeout)
	}
	return &Client{http: rc}
}

// SetToken sets the bearer token sent with authenticated requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Register creates an account and stores the returned token.
func (c *Client) Register(ctx context.Context, username, password, avatar string) (protocol.AuthResponse, error) {
	return c.authenticate(ctx, "/api/auth/register", protocol.AuthRequest{Username: username, Password: password, Avatar: avatar})
}

// Login authenticates and stores the returned token.
func (c *Client) Login(ctx context.Context, username, password string) (protocol.AuthResponse, error) {
	return c.authenticate(ctx, "/api/auth/login", protocol.AuthRequest{Username: username, Password: password})
}

func (c *Client) authenticate(ctx context.Context, path string, req protocol.AuthRequest) (protocol.AuthResponse, error) {
	var out protocol.AuthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&protocol.ErrorResponse{}).
		Post(path)
	if err := check(resp, err); err != nil {
		return protocol.AuthResponse{}, err
	}
	c.SetToken(out.Token)
	return out, nil
}

// ListChats returns every chat room.
func (c *Client) ListChats(ctx context.Context) ([]protocol.Chat, error) {
	var out []protocol.Chat
	resp, err := c.request(ctx).SetResult(&out).Get("/api/chats")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateChat creates a chat room named name.
func (c *Client) CreateChat(ctx context.Context, name string) (protocol.Chat, error) {
	var out protocol.Chat
	resp, err := c.request(ctx).
		SetBody(map[string]string{"name": name}).
		SetResult(&out).
		Post("/api/chats")
	if err := check(resp, err); err != nil {
		return protocol.Chat{}, err
	}
	return out, nil
}

// ListMessages returns the latest history of chatID in ascending time order.
// A non-positive limit uses the server default.
func (c *Client) ListMessages(ctx context.Context, chatID uint, limit int) ([]protocol.Message, error) {
	var out []protocol.Message
	req := c.request(ctx).
		SetPathParam("chatId", strconv.FormatUint(uint64(chatID), 10)).
		SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/api/chats/{chatId}/messages")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMessage deletes a message sent by the current user. The server
// broadcasts the removal to the chat.
func (c *Client) DeleteMessage(ctx context.Context, messageID uint) error {
	resp, err := c.request(ctx).
		SetPathParam("messageId", strconv.FormatUint(uint64(messageID), 10)).
		Delete("/api/messages/{messageId}")
	return check(resp, err)
}

// UploadFile uploads a validated pending attachment and returns the
// server-side reference to put in Message.Files.
func (c *Client) UploadFile(ctx context.Context, file chat.PendingAttachment) (protocol.Attachment, error) {
	if v := chat.ValidateAttachment(file); !v.Valid {
		return protocol.Attachment{}, errors.Errorf("%s: %s", file.FileName, v.Reason)
	}
	if file.Data == nil {
		return protocol.Attachment{}, errors.Errorf("%s: no content loaded", file.FileName)
	}
	var out protocol.Attachment
	resp, err := c.request(ctx).
		SetFileReader("file", file.FileName, bytes.NewReader(file.Data)).
		SetResult(&out).
		Post("/api/files")
	if err := check(resp, err); err != nil {
		return protocol.Attachment{}, err
	}
	return out, nil
}

// Presence returns the IDs of users currently online.
func (c *Client) Presence(ctx context.Context) ([]uint, error) {
	var out []uint
	resp, err := c.request(ctx).SetResult(&out).Get("/api/presence")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx).SetError(&protocol.ErrorResponse{})
	if token := c.Token(); token != "" {
		req.SetAuthToken(token)
	}
	return req
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return errors.Wrap(err, "request")
	}
	if !resp.IsError() {
		return nil
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	apiErr := &Error{Status: resp.StatusCode()}
	if body, ok := resp.Error().(*protocol.ErrorResponse); ok && body != nil {
		apiErr.Message = body.Error
	}
	return apiErr
}
