package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/squirrelops/homesensor/pkg/llm"
)

// Compile-time interface guard.
var _ llm.Classifier = (*HTTPClient)(nil)

// HTTPClient is an OpenAI-compatible chat completion client, generalized
// from the teacher's internal/llm/openai/openai.go adapter to accept any
// {endpoint}/chat/completions base (hosted OpenAI, a local Ollama or LM
// Studio server, ...) with an optional bearer token, per spec.md 4.2/6.
type HTTPClient struct {
	endpoint   string
	model      string
	token      string
	httpClient *http.Client
}

// NewHTTPClient builds a classifier-fallback LLM client. endpoint is the
// base URL that "/chat/completions" is appended to, e.g. "http://localhost:11434/v1"
// or "https://api.openai.com/v1"; token may be empty for endpoints that
// don't require auth.
func NewHTTPClient(endpoint, model, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		model:      model,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Chat sends a single user-role message and returns the assistant's raw
// text content, unparsed -- parseLLMReply handles tolerant extraction of
// the JSON payload from whatever the model wraps it in.
func (c *HTTPClient) Chat(ctx context.Context, prompt string) (string, error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: llm.RoleUser, Content: prompt},
		},
		Stream: false,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		limited := io.LimitReader(resp.Body, 1<<16)
		msg, _ := io.ReadAll(limited)
		return "", fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, string(msg))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
