package paperless

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "paperless status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("paperless %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("paperless %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

func classifyPaperlessError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return resilience.ClassifyStatus(statusErr.StatusCode, statusErr.RetryAfter)
	}
	return resilience.Broken
}

// mapError translates transport failures into domain error kinds.
func mapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	op := "paperless " + operation

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return domain.WrapError(domain.ErrUnauthorized, op, err)
		case statusErr.StatusCode == http.StatusNotFound:
			return domain.WrapError(domain.ErrNotFound, op, err)
		case isConflict(statusErr):
			return domain.WrapError(domain.ErrConflict, op, err)
		}
	}

	if classifyPaperlessError(err).Retryable || resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isConflict recognizes a lost create race. Paperless reports duplicate names
// as 400 with a uniqueness message rather than 409.
func isConflict(err *HTTPStatusError) bool {
	if err.StatusCode == http.StatusConflict {
		return true
	}
	if err.StatusCode != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(err.Body)
	return strings.Contains(body, "unique") || strings.Contains(body, "already exists")
}
