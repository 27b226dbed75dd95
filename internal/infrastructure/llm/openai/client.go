package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/resilience"
)

// Client talks to any OpenAI-compatible chat completion endpoint.
type Client struct {
	client   *openai.Client
	model    string
	executor *resilience.Executor
}

type Config struct {
	APIKey             string
	BaseURL            string
	Model              string
	ResilienceExecutor *resilience.Executor
}

func New(cfg Config) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		executor: cfg.ResilienceExecutor,
	}
}

const transcriptionPrompt = `Transcribe this receipt exactly as printed, line by line.
Do not translate, summarize or add commentary. Output plain text only.`

func (c *Client) Transcribe(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "transcribe", errors.New("empty image"))
	}
	text, err := c.complete(ctx, "transcribe", buildMessage(transcriptionPrompt, image, ""), false)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "transcribe", errors.New("model returned no text"))
	}
	return text, nil
}

// ExtractJSON returns the model's JSON object for a metadata request.
func (c *Client) ExtractJSON(ctx context.Context, req domain.LLMRequest) (string, error) {
	raw, err := c.complete(ctx, "extract_json", buildMessage(req.Prompt, req.Image, req.Text), true)
	if err != nil {
		return "", err
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return raw, nil
}

func buildMessage(prompt string, image []byte, text string) openai.ChatCompletionMessage {
	content := prompt
	if strings.TrimSpace(text) != "" {
		content += "\n\nReceipt text:\n" + text
	}
	if len(image) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: content}
	}
	mime := http.DetectContentType(image)
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: content},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image),
					Detail: openai.ImageURLDetailHigh,
				},
			},
		},
	}
}

func (c *Client) complete(ctx context.Context, operation string, msg openai.ChatCompletionMessage, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    []openai.ChatCompletionMessage{msg},
		Temperature: 0,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	var content string
	call := func(callCtx context.Context) error {
		resp, err := c.client.CreateChatCompletion(callCtx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty %s response", operation)
		}
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "openai."+operation, call, classifyOpenAIError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", parseAPIError(operation, err)
	}
	return content, nil
}

func classifyOpenAIError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	if code := statusCode(err); code != 0 {
		return resilience.ClassifyStatus(code, 0)
	}
	return resilience.Broken
}

func statusCode(err error) int {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	return 0
}

// parseAPIError maps provider failures onto domain error kinds.
func parseAPIError(operation string, err error) error {
	op := "openai " + operation
	code := statusCode(err)
	var detail string
	var reqErr *openai.RequestError
	var apiErr *openai.APIError
	switch {
	case errors.As(err, &apiErr):
		detail = apiErr.Message
	case errors.As(err, &reqErr):
		detail = extractDetail(reqErr.Body)
	}
	if detail != "" {
		err = fmt.Errorf("status %d: %s: %w", code, detail, err)
	}

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.WrapError(domain.ErrUnauthorized, op, err)
	case classifyOpenAIError(err).Retryable:
		return domain.WrapError(domain.ErrTemporary, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
		Error  struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return strings.TrimSpace(string(body))
	}
	if parsed.Detail != "" {
		return parsed.Detail
	}
	return parsed.Error.Message
}
