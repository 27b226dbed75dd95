package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/resilience"
)

const maxPDFBytes = 64 << 20

// Client posts an image and its transcript to a PDF rendering service and gets
// back a PDF with the text as an invisible layer.
type Client struct {
	endpoint   string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(endpoint string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("overlay status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (c *Client) CreateSearchablePDF(ctx context.Context, image []byte, text string) ([]byte, error) {
	if len(image) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create searchable pdf", errors.New("empty image"))
	}

	var pdf []byte
	call := func(callCtx context.Context) error {
		out, err := c.post(callCtx, image, text)
		if err != nil {
			return err
		}
		pdf = out
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "overlay.create_pdf", call, classifyOverlayError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if classifyOverlayError(err).Retryable || resilience.IsCircuitOpen(err) {
			return nil, domain.WrapError(domain.ErrTemporary, "create searchable pdf", err)
		}
		return nil, fmt.Errorf("create searchable pdf: %w", err)
	}
	return pdf, nil
}

func (c *Client) post(ctx context.Context, image []byte, text string) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "receipt"+extensionFor(image))
	if err != nil {
		return nil, fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write image part: %w", err)
	}
	if err := mw.WriteField("text", text); err != nil {
		return nil, fmt.Errorf("write text field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("create overlay request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/pdf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("overlay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
	pdf, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return nil, fmt.Errorf("read overlay response: %w", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "overlay response", errors.New("body is not a pdf"))
	}
	return pdf, nil
}

func extensionFor(image []byte) string {
	switch http.DetectContentType(image) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	default:
		return ".tiff"
	}
}

func classifyOverlayError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return resilience.ClassifyStatus(statusErr.StatusCode, 0)
	}
	return resilience.Broken
}
