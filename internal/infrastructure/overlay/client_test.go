package overlay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/resilience"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nrest")

func TestCreateSearchablePDFPostsImageAndText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("text") != "REWE 12,34" {
			t.Errorf("unexpected text %q", r.FormValue("text"))
		}
		f, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("missing image: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != string(pngBytes) || header.Filename != "receipt.png" {
			t.Errorf("unexpected image part %q %q", header.Filename, data)
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 body"))
	}))
	defer server.Close()

	pdf, err := New(server.URL, Options{}).CreateSearchablePDF(context.Background(), pngBytes, "REWE 12,34")
	if err != nil {
		t.Fatalf("CreateSearchablePDF() error = %v", err)
	}
	if string(pdf) != "%PDF-1.4 body" {
		t.Fatalf("unexpected pdf %q", pdf)
	}
}

func TestNonPDFResponseIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	defer server.Close()

	_, err := New(server.URL, Options{}).CreateSearchablePDF(context.Background(), pngBytes, "t")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestServerErrorsAreRetriedThenTemporary(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     2,
	})
	_, err := New(server.URL, Options{ResilienceExecutor: executor}).CreateSearchablePDF(context.Background(), pngBytes, "t")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}
