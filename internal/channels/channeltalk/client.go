package channeltalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.channel.io"

// ErrMissingCredentials is returned when the client has no access key/secret.
var ErrMissingCredentials = errors.New("channel talk credentials not configured: missing accessKey or accessSecret")

// GroupMessage is one outbound team-chat message.
type GroupMessage struct {
	GroupID   string
	PlainText string
	BotName   string // optional display name
}

// SendResult identifies the created message.
type SendResult struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"conversationId"`
}

// Sender sends team-chat messages. Implementations must be safe for
// repeated and concurrent calls.
type Sender interface {
	SendMessage(ctx context.Context, msg GroupMessage) (SendResult, error)
}

// Client is a thin Channel Talk Open API client.
type Client struct {
	baseURL      string
	accessKey    string
	accessSecret string
	client       *http.Client
}

// NewClient creates an API client. An empty baseURL uses the public API.
func NewClient(accessKey, accessSecret, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		accessKey:    accessKey,
		accessSecret: accessSecret,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

type sendBody struct {
	Blocks []messageBlock `json:"blocks"`
}

type messageBlock struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendResponse struct {
	Message *struct {
		ID string `json:"id"`
	} `json:"message"`
}

type apiError struct {
	Type    string `json:"type"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// SendMessage posts msg to the group.
func (c *Client) SendMessage(ctx context.Context, msg GroupMessage) (SendResult, error) {
	if c.accessKey == "" || c.accessSecret == "" {
		return SendResult{}, ErrMissingCredentials
	}
	if msg.GroupID == "" {
		return SendResult{}, errors.New("channel talk send: empty group id")
	}

	endpoint := fmt.Sprintf("%s/open/v5/groups/%s/messages", c.baseURL, url.PathEscape(msg.GroupID))
	if msg.BotName != "" {
		endpoint += "?botName=" + url.QueryEscape(msg.BotName)
	}

	data, err := json.Marshal(sendBody{Blocks: []messageBlock{{Type: "text", Value: msg.PlainText}}})
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return SendResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-access-key", c.accessKey)
	req.Header.Set("x-access-secret", c.accessSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("channel talk send: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(respData, &apiErr) == nil && apiErr.Message != "" {
			return SendResult{}, fmt.Errorf("channel talk API error %d: %s", resp.StatusCode, apiErr.Message)
		}
		return SendResult{}, fmt.Errorf("channel talk API error %d: %s", resp.StatusCode, strings.TrimSpace(string(respData)))
	}

	var out sendResponse
	if err := json.Unmarshal(respData, &out); err != nil {
		return SendResult{}, fmt.Errorf("unmarshal response: %w", err)
	}
	result := SendResult{GroupID: msg.GroupID}
	if out.Message != nil {
		result.MessageID = out.Message.ID
	}
	return result, nil
}
