package usecase

import (
	"context"
	"testing"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

func TestRecordQueryValidatesInput(t *testing.T) {
	index := newIndexFake()
	index.put(domain.ProcessedRecord{Hash: "h1", Status: domain.StatusTagged})
	index.put(domain.ProcessedRecord{Hash: "h2", Status: domain.StatusFailed})
	uc := NewRecordQueryUseCase(index)

	if _, err := uc.GetRecord(context.Background(), " "); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank hash, got %v", err)
	}
	if _, err := uc.GetRecord(context.Background(), "nope"); !domain.IsKind(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	rec, err := uc.GetRecord(context.Background(), " h1 ")
	if err != nil || rec.Hash != "h1" {
		t.Fatalf("GetRecord() = %+v, %v", rec, err)
	}

	if _, err := uc.ListRecords(context.Background(), domain.RecordFilter{Status: "done"}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown status, got %v", err)
	}
	if _, err := uc.ListRecords(context.Background(), domain.RecordFilter{Limit: -1}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative limit, got %v", err)
	}
	failed, err := uc.ListRecords(context.Background(), domain.RecordFilter{Status: domain.StatusFailed})
	if err != nil || len(failed) != 1 || failed[0].Hash != "h2" {
		t.Fatalf("ListRecords() = %+v, %v", failed, err)
	}
}
