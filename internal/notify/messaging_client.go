package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReplyRequest is what the external messaging API persists server-side.
type ReplyRequest struct {
	SenderID          string `json:"senderId"`
	OriginalMessageID string `json:"originalMessageId"`
	RecipientID       string `json:"recipientId"`
	ReplyContent      string `json:"replyContent"`
	CorrelationID     string `json:"correlationId,omitempty"`
}

type ReplyResult struct {
	Success bool   `json:"success"`
	ReplyID string `json:"replyId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MessagingClient is the external collaborator that makes a reply
// durable. Its persistence guarantees are assumed, not modeled.
type MessagingClient interface {
	SendReply(ctx context.Context, req ReplyRequest) (ReplyResult, error)
}

type MessagingAPIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *MessagingAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("messaging api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("messaging api %d: %s", e.StatusCode, e.Message)
}

type MessagingTokenProvider func(ctx context.Context) (string, error)

type HTTPMessagingClientOptions struct {
	BaseURL       string
	TokenProvider MessagingTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

// HTTPMessagingClient posts replies to the messaging API. It performs
// no automatic retry: a failed reply is surfaced to the caller, who
// re-submits explicitly with the preserved draft.
type HTTPMessagingClient struct {
	baseURL       string
	tokenProvider MessagingTokenProvider
	httpClient    *http.Client
	userAgent     string
}

func NewHTTPMessagingClient(opts HTTPMessagingClientOptions) *HTTPMessagingClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPMessagingClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}
}

func (c *HTTPMessagingClient) SendReply(ctx context.Context, req ReplyRequest) (ReplyResult, error) {
	if c == nil {
		return ReplyResult{}, fmt.Errorf("messaging client is nil")
	}
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return ReplyResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages/reply", bytes.NewReader(bodyBytes))
	if err != nil {
		return ReplyResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-Id", req.CorrelationID)
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if c.tokenProvider != nil {
		token, tokenErr := c.tokenProvider(ctx)
		if tokenErr != nil {
			return ReplyResult{}, tokenErr
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return ReplyResult{}, fmt.Errorf("messaging token is empty")
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ReplyResult{}, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return ReplyResult{}, readErr
	}

	var result ReplyResult
	decodeErr := json.Unmarshal(respBody, &result)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(respBody))
		if decodeErr == nil && result.Error != "" {
			message = result.Error
		}
		return ReplyResult{}, &MessagingAPIError{StatusCode: resp.StatusCode, Message: message}
	}
	if decodeErr != nil {
		return ReplyResult{}, decodeErr
	}
	if !result.Success {
		message := result.Error
		if message == "" {
			message = "messaging api reported failure"
		}
		return ReplyResult{}, &MessagingAPIError{StatusCode: resp.StatusCode, Code: "reply_failed", Message: message}
	}
	return result, nil
}
