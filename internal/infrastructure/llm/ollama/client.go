package ollama

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/resilience"
)

type Client struct {
	baseURL     string
	visionModel string
	jsonModel   string
	httpClient  *http.Client
	executor    *resilience.Executor
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, visionModel, jsonModel string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if strings.TrimSpace(jsonModel) == "" {
		jsonModel = visionModel
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		visionModel: visionModel,
		jsonModel:   jsonModel,
		httpClient:  &http.Client{Timeout: timeout},
		executor:    options.ResilienceExecutor,
	}
}

// Transcriber reads receipt images with a vision model.
type Transcriber struct {
	client *Client
}

func NewTranscriber(client *Client) *Transcriber {
	return &Transcriber{client: client}
}

func (t *Transcriber) Transcribe(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "transcribe", errors.New("empty image"))
	}
	text, err := t.client.chat(ctx, "transcribe", chatRequest{
		Model: t.client.visionModel,
		Messages: []chatMessage{{
			Role:    "user",
			Content: transcriptionPrompt,
			Images:  []string{base64.StdEncoding.EncodeToString(image)},
		}},
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "transcribe", errors.New("model returned no text"))
	}
	return text, nil
}

// MetadataExtractor asks a model for a JSON object describing a receipt.
type MetadataExtractor struct {
	client *Client
}

func NewMetadataExtractor(client *Client) *MetadataExtractor {
	return &MetadataExtractor{client: client}
}

func (m *MetadataExtractor) ExtractJSON(ctx context.Context, req domain.LLMRequest) (string, error) {
	content := req.Prompt
	if strings.TrimSpace(req.Text) != "" {
		content += "\n\nReceipt text:\n" + req.Text
	}
	msg := chatMessage{Role: "user", Content: content}
	model := m.client.jsonModel
	if len(req.Image) > 0 {
		msg.Images = []string{base64.StdEncoding.EncodeToString(req.Image)}
		model = m.client.visionModel
	}

	raw, err := m.client.chat(ctx, "extract_json", chatRequest{
		Model:    model,
		Messages: []chatMessage{msg},
		Format:   "json",
		Options:  map[string]any{"temperature": 0},
	})
	if err != nil {
		return "", err
	}
	return extractJSONObject(raw), nil
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

func (c *Client) chat(ctx context.Context, operation string, req chatRequest) (string, error) {
	var response struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	call := func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/api/chat", req, &response, operation)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "ollama."+operation, call, classifyOllamaError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", wrapTemporaryIfNeeded("ollama "+operation, err)
	}
	return strings.TrimSpace(response.Message.Content), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
