package feedagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/humtech/tsoam-notify/internal/notify"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client talks to the notifyd HTTP surface on behalf of one remote
// context. It never caches: every call reads the server's current
// persisted state.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Token() string {
	return c.token
}

type feedResponse struct {
	Items []notify.Notification `json:"items"`
}

func (c *Client) Feed(ctx context.Context, userID string) ([]notify.Notification, error) {
	var out feedResponse
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/users/%s/feed", url.PathEscape(userID)), nil, &out)
	return out.Items, err
}

func (c *Client) UnreadCounts(ctx context.Context, userID string) (notify.UnreadCounts, error) {
	var out notify.UnreadCounts
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/users/%s/feed/unread", url.PathEscape(userID)), nil, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, userID, notificationID string) (notify.Notification, error) {
	var out notify.Notification
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/users/%s/feed/%s/read", url.PathEscape(userID), url.PathEscape(notificationID)), nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", fmt.Sprintf("agent_%d", time.Now().UnixNano()))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			if parsed.Code != "" {
				httpErr.Code = parsed.Code
			}
			if parsed.Message != "" {
				httpErr.Message = parsed.Message
			}
		}
		return httpErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
