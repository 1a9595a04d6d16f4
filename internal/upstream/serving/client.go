package serving

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
)

const (
	StyleServing = "serving"
	StyleOpenAI  = "openai"
)

// ObserverFunc receives the client operation (query, check, current_user),
// the upstream status code and the call duration.
type ObserverFunc func(operation string, status int, duration time.Duration)

type Option func(*Client)

type Client struct {
	baseURL    string
	token      string
	style      string
	httpClient *http.Client
	observer   ObserverFunc
}

type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("serving endpoint request failed with status %d", e.StatusCode)
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

func ImagePart(dataURL string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: dataURL}}
}

// ChatMessage content is either a string or a []ContentPart.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type QueryRequest struct {
	Endpoint    string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}

type queryPayload struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

// Choice keeps Message nil when the endpoint answered with the legacy flat
// text shape.
type Choice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	Text         string           `json:"text,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

type QueryResponse struct {
	ID      string      `json:"id,omitempty"`
	Model   string      `json:"model,omitempty"`
	Choices []Choice    `json:"choices"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

// WithStyle selects how the endpoint is addressed: StyleServing puts the
// endpoint name in the path, StyleOpenAI sends it as the "model" field.
func WithStyle(style string) Option {
	return func(c *Client) {
		if style = strings.ToLower(strings.TrimSpace(style)); style != "" {
			c.style = style
		}
	}
}

func New(baseURL, token string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      strings.TrimSpace(token),
		style:      StyleServing,
		httpClient: httpClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) Query(ctx context.Context, in QueryRequest) (QueryResponse, error) {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("query", statusCode, time.Since(started)) }()

	endpoint := strings.TrimSpace(in.Endpoint)
	if endpoint == "" {
		return QueryResponse{}, fmt.Errorf("serving endpoint name is required")
	}

	payload := queryPayload{
		Messages:    in.Messages,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}
	target := c.baseURL + "/serving-endpoints/" + url.PathEscape(endpoint) + "/invocations"
	if c.style == StyleOpenAI {
		payload.Model = endpoint
		target = c.baseURL + "/chat/completions"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return QueryResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return QueryResponse{}, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return QueryResponse{}, err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return QueryResponse{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return QueryResponse{}, &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(respBody))}
	}

	return parseQueryResponse(respBody)
}

// CheckEndpoint verifies the endpoint is reachable with the current credentials.
func (c *Client) CheckEndpoint(ctx context.Context, endpoint string) error {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("check", statusCode, time.Since(started)) }()

	target := c.baseURL + "/serving-endpoints/" + url.PathEscape(strings.TrimSpace(endpoint))
	if c.style == StyleOpenAI {
		target = c.baseURL + "/models"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(body))}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	token := RequestTokenFromContext(req.Context())
	if token == "" {
		token = c.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) observe(operation string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(operation, status, duration)
	}
}

func parseQueryResponse(data []byte) (QueryResponse, error) {
	var parsed QueryResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return QueryResponse{}, fmt.Errorf("invalid serving endpoint response: %w", err)
	}
	return parsed, nil
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4096 {
		return s
	}
	return s[:4096] + "..."
}
