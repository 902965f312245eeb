package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tunnelhq/tunnel/internal/llm"
)

type Config struct {
	APIKey       string
	BaseURL      string
	Path         string
	ExtraHeaders map[string]string
}

// Adapter speaks the OpenAI-compatible /v1/chat/completions protocol and
// satisfies llm.Completer.
type Adapter struct {
	cfg    Config
	client *http.Client
}

const defaultRequestTimeout = 5 * time.Minute

func NewAdapter(cfg Config) *Adapter {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/chat/completions"
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 0},
	}
}

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := req.Validate(); err != nil {
		return llm.Response{}, err
	}
	requestCtx, cancel := withDefaultRequestDeadline(ctx)
	defer cancel()

	body, err := json.Marshal(toChatCompletionsBody(req))
	if err != nil {
		return llm.Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, a.cfg.BaseURL+a.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, wrapTransportError(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return llm.Response{}, wrapTransportError(err)
	}
	defer resp.Body.Close()

	return parseChatCompletionsResponse(req.Model, resp)
}

func withDefaultRequestDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, defaultRequestTimeout)
}

func wrapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewRequestTimeoutError(err.Error())
	}
	return llm.NewUnavailableError(err.Error())
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsBody struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

func toChatCompletionsBody(req llm.Request) chatCompletionsBody {
	body := chatCompletionsBody{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return body
}

type chatCompletionsResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func parseChatCompletionsResponse(model string, resp *http.Response) (llm.Response, error) {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return llm.Response{}, llm.NewUnavailableError(fmt.Sprintf("read response body: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		var doc chatCompletionsResponse
		if jsonErr := json.Unmarshal(b, &doc); jsonErr == nil && doc.Error != nil && strings.TrimSpace(doc.Error.Message) != "" {
			msg = strings.TrimSpace(doc.Error.Message)
		}
		retryAfter := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return llm.Response{}, llm.ErrorFromHTTPStatus(resp.StatusCode, msg, retryAfter)
	}

	var doc chatCompletionsResponse
	if err := json.Unmarshal(b, &doc); err != nil {
		return llm.Response{}, llm.NewUnavailableError(fmt.Sprintf("decode response: %v", err))
	}
	if len(doc.Choices) == 0 {
		return llm.Response{}, llm.NewUnavailableError("response has no choices")
	}
	respModel := strings.TrimSpace(doc.Model)
	if respModel == "" {
		respModel = model
	}
	return llm.Response{
		Content: doc.Choices[0].Message.Content,
		Model:   respModel,
		Usage: llm.Usage{
			InputTokens:  doc.Usage.PromptTokens,
			OutputTokens: doc.Usage.CompletionTokens,
		},
	}, nil
}
