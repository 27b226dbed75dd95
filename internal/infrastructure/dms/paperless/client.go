package paperless

import (
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/resilience"
)

const defaultPageSize = 100

// Client is a Paperless-ngx REST client covering documents, tasks and the
// correspondent, document type and tag resources.
type Client struct {
	baseURL    string
	basePath   string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	executor   *resilience.Executor
	pageSize   int
}

type Options struct {
	Timeout time.Duration
	// Insecure skips TLS verification for self-signed home servers.
	Insecure bool
	// RateLimit is requests per second; zero or less disables limiting.
	RateLimit          float64
	PageSize           int
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, token string, options Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, domain.WrapError(domain.ErrConfig, "paperless url", errors.New("PAPERLESS_URL must be an absolute http(s) url"))
	}
	if strings.TrimSpace(token) == "" {
		return nil, domain.WrapError(domain.ErrConfig, "paperless token", errors.New("PAPERLESS_TOKEN is required"))
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if options.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed servers
	}

	limit := rate.Inf
	burst := 1
	if options.RateLimit > 0 {
		limit = rate.Limit(options.RateLimit)
		burst = max(1, int(options.RateLimit))
	}
	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return &Client{
		baseURL:    base,
		basePath:   strings.TrimRight(parsed.Path, "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limiter:    rate.NewLimiter(limit, burst),
		executor:   options.ResilienceExecutor,
		pageSize:   pageSize,
	}, nil
}
