// Package history is the client for the HTTP collaborator that serves
// historical data the stream does not carry: the recent-message page loaded
// on a cold room open, user records for display-name resolution, and the
// initial online-user snapshot. All calls are idempotent reads.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chatmee/chat-client/internal/protocol"
)

// User is the user record served by the users API.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// apiResponse is the standard envelope every REST endpoint responds with.
type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client calls the ChatMee REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// RecentMessages fetches the most recent page of messages for a room,
// newest first.
func (c *Client) RecentMessages(ctx context.Context, roomID string) ([]protocol.Message, error) {
	var messages []protocol.Message
	err := c.get(ctx, "/api/v1/messages/room/"+url.PathEscape(roomID), &messages)
	if err != nil {
		return nil, fmt.Errorf("history: recent messages for %s: %w", roomID, err)
	}
	return messages, nil
}

// UserByID fetches one user record.
func (c *Client) UserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := c.get(ctx, "/api/v1/users/"+url.PathEscape(userID), &user)
	if err != nil {
		return User{}, fmt.Errorf("history: user %s: %w", userID, err)
	}
	return user, nil
}

// OnlineUsers fetches the current online-user snapshot, used to seed the
// presence aggregator before frames start flowing.
func (c *Client) OnlineUsers(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.get(ctx, "/api/v1/online-users", &ids); err != nil {
		return nil, fmt.Errorf("history: online users: %w", err)
	}
	return ids, nil
}

// get performs a GET, unwraps the response envelope, and decodes data into
// out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("api error: %s", envelope.Message)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
