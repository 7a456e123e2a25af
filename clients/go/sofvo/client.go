// Package sofvo provides a client for the Sofvo messaging API and the chat
// synchronisation core built on top of it.
package sofvo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultBaseURL is used when NewClient is given an empty URL.
const DefaultBaseURL = "http://localhost:8080"

// Client is a Sofvo API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	UserID     string
	Username   string
	Token      string
	HTTPClient *http.Client
}

// Config holds the persisted session.
type Config struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// NewClient creates a new Sofvo client and loads any saved session.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	configDir := os.Getenv("SOFVO_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".sofvo")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads the saved session from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "session.json"))
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	c.UserID = config.ID
	c.Username = config.Username
	c.Token = config.Token
	return nil
}

// SaveConfig saves the current session to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	config := Config{ID: c.UserID, Username: c.Username, Token: c.Token}
	data, _ := json.MarshalIndent(config, "", "  ")
	return os.WriteFile(filepath.Join(c.ConfigDir, "session.json"), data, 0600)
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("sofvo error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("sofvo error %d: %s", e.Status, e.Message)
}

// Error codes the server uses to refuse a send.
const (
	CodeNotParticipant  = "not_participant"
	CodeBlocked         = "blocked"
	CodeNotMutualFollow = "not_mutual_follow"
)

// IsPermissionDenied reports whether err is a refusal because of how the
// viewer relates to the conversation or its participants.
func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case CodeNotParticipant, CodeBlocked, CodeNotMutualFollow:
		return true
	}
	return false
}

// doRequest performs an HTTP request, encoding in as the body and decoding the reply into out.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &errResp) != nil || errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// RegisterRequest is the request body for registration.
type RegisterRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Password    string `json:"password"`
}

// TokenResponse is returned by register and login.
type TokenResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Register creates a profile and saves the returned session.
func (c *Client) Register(ctx context.Context, username, displayName, password string) (*TokenResponse, error) {
	var resp TokenResponse
	err := c.doRequest(ctx, http.MethodPost, "/register", RegisterRequest{
		Username:    username,
		DisplayName: displayName,
		Password:    password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, c.adopt(resp)
}

// Login exchanges credentials for a token and saves the session.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	var resp TokenResponse
	err := c.doRequest(ctx, http.MethodPost, "/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, c.adopt(resp)
}

func (c *Client) adopt(resp TokenResponse) error {
	c.UserID = resp.ID
	c.Username = resp.Username
	c.Token = resp.Token
	return c.SaveConfig()
}

// Message is a single entry in a conversation.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	Type           string     `json:"type"`
	FileURL        string     `json:"file_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
}

// Message types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
)

// MessagesResponse is a page of history in ascending order.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// GetMessages retrieves up to limit of the most recent messages before the
// given cursor, oldest first. before may be empty.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit int, before string) (*MessagesResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp MessagesResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessageRequest is the request body for sending a message.
type SendMessageRequest struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
	FileURL string `json:"file_url,omitempty"`
}

// SendMessage posts a message and returns the stored copy.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (*Message, error) {
	var msg Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doRequest(ctx, http.MethodPost, path, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage replaces the content of one of the caller's messages.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) (*Message, error) {
	var msg Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID)
	if err := c.doRequest(ctx, http.MethodPatch, path, map[string]string{"content": content}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Conversation is a thread as seen by the caller.
type Conversation struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Name         string    `json:"name,omitempty"`
	DisplayName  string    `json:"display_name"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListConversations lists the caller's conversations, most recently active first.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var resp struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	if err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateDirectConversation returns the direct conversation with profileID, creating it if needed.
func (c *Client) CreateDirectConversation(ctx context.Context, profileID string) (*Conversation, error) {
	var conv Conversation
	if err := c.doRequest(ctx, http.MethodPost, "/conversations", map[string]string{"participant_id": profileID}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateGroupConversation creates a named group with the given members.
func (c *Client) CreateGroupConversation(ctx context.Context, name string, profileIDs []string) (*Conversation, error) {
	var conv Conversation
	body := map[string]interface{}{"name": name, "participant_ids": profileIDs}
	if err := c.doRequest(ctx, http.MethodPost, "/conversations", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Relationship describes how the caller relates to another profile.
type Relationship struct {
	Following  bool `json:"following"`
	FollowedBy bool `json:"followed_by"`
	Blocking   bool `json:"blocking"`
	BlockedBy  bool `json:"blocked_by"`
}

func (c *Client) relationship(ctx context.Context, method, kind, profileID string) (*Relationship, error) {
	var rel Relationship
	if err := c.doRequest(ctx, method, "/"+kind+"/"+url.PathEscape(profileID), nil, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

// Follow follows a profile.
func (c *Client) Follow(ctx context.Context, profileID string) (*Relationship, error) {
	return c.relationship(ctx, http.MethodPost, "follows", profileID)
}

// Unfollow removes a follow.
func (c *Client) Unfollow(ctx context.Context, profileID string) (*Relationship, error) {
	return c.relationship(ctx, http.MethodDelete, "follows", profileID)
}

// Block blocks a profile.
func (c *Client) Block(ctx context.Context, profileID string) (*Relationship, error) {
	return c.relationship(ctx, http.MethodPost, "blocks", profileID)
}

// Unblock removes a block.
func (c *Client) Unblock(ctx context.Context, profileID string) (*Relationship, error) {
	return c.relationship(ctx, http.MethodDelete, "blocks", profileID)
}

// Profile is a public profile.
type Profile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Online      *bool     `json:"online,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// GetProfile gets a profile.
func (c *Client) GetProfile(ctx context.Context, profileID string) (*Profile, error) {
	var p Profile
	if err := c.doRequest(ctx, http.MethodGet, "/profiles/"+url.PathEscape(profileID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Notification is an alert about activity elsewhere.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"`
	ActorID   string          `json:"actor_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListNotifications lists the caller's notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context, limit int, unreadOnly bool) ([]Notification, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if unreadOnly {
		q.Set("unread", "true")
	}
	path := "/notifications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Notifications []Notification `json:"notifications"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// MarkNotificationsRead marks the given notifications read, or all of them when ids is empty.
func (c *Client) MarkNotificationsRead(ctx context.Context, ids []string) (int64, error) {
	var resp struct {
		Marked int64 `json:"marked"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/notifications/read", map[string][]string{"ids": ids}, &resp); err != nil {
		return 0, err
	}
	return resp.Marked, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Instance  string                 `json:"instance,omitempty"`
	Streams   int                    `json:"streams"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health. A degraded server still returns its report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return &HealthResponse{Status: "degraded"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamURL returns the event stream URL for a conversation. An empty
// conversationID yields a notification-only stream.
func (c *Client) StreamURL(conversationID string) string {
	q := url.Values{}
	if conversationID != "" {
		q.Set("conversation_id", conversationID)
	}
	if c.UserID != "" {
		q.Set("user_id", c.UserID)
	}
	if c.Token != "" {
		q.Set("token", c.Token)
	}
	u := c.BaseURL + "/stream"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
