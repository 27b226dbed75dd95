package paperless

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

	"github.com/kirillkom/receipt-sync/internal/infrastructure/resilience"
)

const maxErrorBody = 4096

// request describes one API call. body is rebuilt per attempt so retries
// never resend a drained reader.
type request struct {
	method      string
	path        string
	query       url.Values
	contentType string
	body        func() (io.Reader, error)
}

func jsonBody(payload any) (func() (io.Reader, error), error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return func() (io.Reader, error) { return bytes.NewReader(raw), nil }, nil
}

// call runs req through the limiter and resilience executor and decodes the
// JSON response into out when out is not nil.
func (c *Client) call(ctx context.Context, operation string, req request, out any) error {
	do := func(callCtx context.Context) error {
		if err := c.limiter.Wait(callCtx); err != nil {
			return err
		}
		return c.do(callCtx, operation, req, out)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "paperless."+operation, do, classifyPaperlessError)
	} else {
		err = do(ctx)
	}
	return mapError(operation, err)
}

func (c *Client) do(ctx context.Context, operation string, req request, out any) error {
	endpoint := c.baseURL + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		b, err := req.body()
		if err != nil {
			return err
		}
		body = b
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+c.token)
	httpReq.Header.Set("Accept", "application/json")
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPStatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(msg),
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

type page[T any] struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// paginate walks a list endpoint following next links. Paperless returns
// absolute next urls built from its own idea of the host, so only the path
// and query are reused against baseURL.
func paginate[T any](ctx context.Context, c *Client, operation, path string, query url.Values, fn func(T) error) error {
	req := request{method: http.MethodGet, path: path, query: query}
	for {
		var current page[T]
		if err := c.call(ctx, operation, req, &current); err != nil {
			return err
		}
		for _, item := range current.Results {
			if err := fn(item); err != nil {
				return err
			}
		}
		if current.Next == nil || strings.TrimSpace(*current.Next) == "" {
			return nil
		}
		next, err := url.Parse(*current.Next)
		if err != nil {
			return fmt.Errorf("paperless %s: parse next link: %w", operation, err)
		}
		req = request{method: http.MethodGet, path: c.apiPath(next.Path), query: next.Query()}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// apiPath strips the mount prefix of a Paperless served under a sub-path, so
// the next link path can be appended to baseURL again. Links built without
// the prefix are used as they are.
func (c *Client) apiPath(linkPath string) string {
	if c.basePath == "" || !strings.HasPrefix(linkPath, c.basePath+"/") {
		return linkPath
	}
	return strings.TrimPrefix(linkPath, c.basePath)
}
