package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/observability/metrics"
)

type recordsFake struct {
	records    map[string]domain.ProcessedRecord
	listErr    error
	lastFilter domain.RecordFilter
}

func (f *recordsFake) GetRecord(_ context.Context, hash string) (domain.ProcessedRecord, error) {
	if hash == "" {
		return domain.ProcessedRecord{}, domain.WrapError(domain.ErrInvalidInput, "get record", errors.New("hash is required"))
	}
	rec, ok := f.records[hash]
	if !ok {
		return domain.ProcessedRecord{}, domain.WrapError(domain.ErrRecordNotFound, "get record", errors.New(hash))
	}
	return rec, nil
}

func (f *recordsFake) ListRecords(_ context.Context, filter domain.RecordFilter) ([]domain.ProcessedRecord, error) {
	f.lastFilter = filter
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := []domain.ProcessedRecord{}
	for _, rec := range f.records {
		if filter.Status == "" || rec.Status == filter.Status {
			out = append(out, rec)
		}
	}
	return out, nil
}

type resyncFake struct {
	inserted int
	err      error
	calls    int
}

func (f *resyncFake) Resync(context.Context) (int, error) {
	f.calls++
	return f.inserted, f.err
}

func newTestRouter(records *recordsFake, resyncer *resyncFake, registry *metrics.Registry) http.Handler {
	return NewRouter(records, resyncer, RouterOptions{
		MetricsRegistry: registry,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}).Handler()
}

func serve(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestHealthzSetsRequestID(t *testing.T) {
	res := serve(newTestRouter(&recordsFake{}, &resyncFake{}, nil), http.MethodGet, "/healthz")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected %s header", requestIDHeader)
	}
}

func TestGetRecordReturnsJSON(t *testing.T) {
	docID := 42
	records := &recordsFake{records: map[string]domain.ProcessedRecord{
		"abc": {Hash: "abc", DocumentID: &docID, Status: domain.StatusTagged, Filenames: []string{"a.jpg"}},
	}}
	res := serve(newTestRouter(records, &resyncFake{}, nil), http.MethodGet, "/v1/records/abc")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var rec domain.ProcessedRecord
	if err := json.NewDecoder(res.Body).Decode(&rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Hash != "abc" || rec.DocumentID == nil || *rec.DocumentID != 42 || rec.Status != domain.StatusTagged {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestGetRecordReturns404ForUnknownHash(t *testing.T) {
	res := serve(newTestRouter(&recordsFake{}, &resyncFake{}, nil), http.MethodGet, "/v1/records/missing")
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestListRecordsPassesFilter(t *testing.T) {
	records := &recordsFake{records: map[string]domain.ProcessedRecord{
		"a": {Hash: "a", Status: domain.StatusFailed},
		"b": {Hash: "b", Status: domain.StatusTagged},
	}}
	res := serve(newTestRouter(records, &resyncFake{}, nil), http.MethodGet, "/v1/records?status=failed&limit=5")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if records.lastFilter.Status != domain.StatusFailed || records.lastFilter.Limit != 5 {
		t.Fatalf("unexpected filter %+v", records.lastFilter)
	}

	var body struct {
		Records []domain.ProcessedRecord `json:"records"`
		Count   int                      `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if body.Count != 1 || body.Records[0].Hash != "a" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestListRecordsMapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{name: "bad limit", target: "/v1/records?limit=ten", want: http.StatusBadRequest},
		{name: "invalid input", target: "/v1/records?status=done", err: domain.WrapError(domain.ErrInvalidInput, "list", errors.New("unknown status")), want: http.StatusBadRequest},
		{name: "storage", target: "/v1/records", err: domain.WrapError(domain.ErrStorage, "list", errors.New("locked")), want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := serve(newTestRouter(&recordsFake{listErr: tc.err}, &resyncFake{}, nil), http.MethodGet, tc.target)
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, res.Code)
			}
			if !strings.Contains(res.Body.String(), `"error"`) {
				t.Fatalf("expected error body, got %s", res.Body.String())
			}
		})
	}
}

func TestResyncEndpoint(t *testing.T) {
	resyncer := &resyncFake{inserted: 3}
	handler := newTestRouter(&recordsFake{}, resyncer, nil)

	if res := serve(handler, http.MethodGet, "/v1/resync"); res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", res.Code)
	}

	res := serve(handler, http.MethodPost, "/v1/resync")
	if res.Code != http.StatusOK || resyncer.calls != 1 {
		t.Fatalf("expected one resync, got status %d calls %d", res.Code, resyncer.calls)
	}
	if strings.TrimSpace(res.Body.String()) != `{"inserted":3}` {
		t.Fatalf("unexpected body %s", res.Body.String())
	}

	resyncer.err = domain.WrapError(domain.ErrTemporary, "paperless list documents", errors.New("502"))
	if res := serve(handler, http.MethodPost, "/v1/resync"); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	handler := newTestRouter(&recordsFake{}, &resyncFake{}, metrics.NewRegistry())

	serve(handler, http.MethodGet, "/v1/records/abc")
	res := serve(handler, http.MethodGet, "/metrics")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	want := `receipt_sync_http_requests_total{method="GET",path="/v1/records/{hash}",service="receipt-sync",status="404"} 1`
	if !strings.Contains(res.Body.String(), want) {
		t.Fatalf("expected %q in metrics output:\n%s", want, res.Body.String())
	}
}
