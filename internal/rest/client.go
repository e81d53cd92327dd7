// Package rest talks to the messaging service's request/response API:
// range fetches for catch-up, the chat list with per-chat heads, and
// message sends.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/chatline/internal/creds"
	"github.com/chatline/internal/store"
	"github.com/chatline/internal/wire"
)

// Client is the HTTP API client. Bearer auth comes from the credential
// store on every request so token rotation needs no restart.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      creds.Store
}

// NewClient creates an API client for the given base URL.
// If httpClient is nil a client with the given timeout is used.
func NewClient(baseURL string, cs creds.Store, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		creds:      cs,
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, ok := c.creds.AccessToken(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API %s returned status %d", endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}
	return nil
}

// FetchRange returns all updates with update_id in [from, to] for a chat,
// sorted ascending.
func (c *Client) FetchRange(ctx context.Context, chatID string, from, to int64) ([]store.Update, error) {
	endpoint := fmt.Sprintf("/chat/%s/update?from=%d&to=%d", url.PathEscape(chatID), from, to)

	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching range [%d,%d] for chat %s: %w", from, to, chatID, err)
	}

	updates := make([]store.Update, 0, len(raw))
	for _, rec := range raw {
		u, err := wire.DecodeUpdateRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("decoding range record for chat %s: %w", chatID, err)
		}
		updates = append(updates, u)
	}
	// The server answers ascending; do not rely on it.
	sort.Slice(updates, func(i, j int) bool { return updates[i].UpdateID < updates[j].UpdateID })
	return updates, nil
}

type chatRecord struct {
	ChatID       string   `json:"chat_id"`
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	Members      []string `json:"members"`
	CreatedAt    float64  `json:"created_at"`
	LastUpdateID int64    `json:"last_update_id"`
}

// ListChats fetches the full chat list with the server's head update ID per
// chat, used on connect to detect chats that fell behind.
func (c *Client) ListChats(ctx context.Context) ([]store.Chat, error) {
	var records []chatRecord
	if err := c.do(ctx, http.MethodGet, "/chat", nil, &records); err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}

	chats := make([]store.Chat, 0, len(records))
	for _, r := range records {
		chats = append(chats, store.Chat{
			ChatID:       r.ChatID,
			Type:         store.ChatType(r.Type),
			Title:        r.Title,
			Members:      r.Members,
			CreatedAt:    time.Unix(int64(r.CreatedAt), 0).UTC(),
			LastUpdateID: r.LastUpdateID,
		})
	}
	return chats, nil
}

type sendTextRequest struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type sendResponse struct {
	UpdateID int64 `json:"update_id"`
}

// SendText posts a new text message to a chat. Returns the server-assigned
// update ID.
func (c *Client) SendText(ctx context.Context, chatID, text string) (int64, error) {
	content, err := json.Marshal(store.TextContent{Text: text})
	if err != nil {
		return 0, fmt.Errorf("marshalling text content: %w", err)
	}
	return c.postUpdate(ctx, chatID, "text_message", content)
}

// SendFile posts the metadata of an already-uploaded file as a file message.
func (c *Client) SendFile(ctx context.Context, chatID string, file store.FileContent) (int64, error) {
	content, err := json.Marshal(file)
	if err != nil {
		return 0, fmt.Errorf("marshalling file content: %w", err)
	}
	return c.postUpdate(ctx, chatID, "file_message", content)
}

func (c *Client) postUpdate(ctx context.Context, chatID, kind string, content json.RawMessage) (int64, error) {
	var resp sendResponse
	endpoint := fmt.Sprintf("/chat/%s/update", url.PathEscape(chatID))
	if err := c.do(ctx, http.MethodPost, endpoint, sendTextRequest{Type: kind, Content: content}, &resp); err != nil {
		return 0, fmt.Errorf("sending message to chat %s: %w", chatID, err)
	}
	return resp.UpdateID, nil
}
