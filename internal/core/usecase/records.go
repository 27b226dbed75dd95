package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

type RecordQueryUseCase struct {
	reader ports.IndexReader
}

func NewRecordQueryUseCase(reader ports.IndexReader) *RecordQueryUseCase {
	return &RecordQueryUseCase{reader: reader}
}

func (uc *RecordQueryUseCase) GetRecord(ctx context.Context, hash string) (domain.ProcessedRecord, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return domain.ProcessedRecord{}, domain.WrapError(domain.ErrInvalidInput, "get record", errors.New("hash is required"))
	}
	return uc.reader.Get(ctx, hash)
}

func (uc *RecordQueryUseCase) ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.ProcessedRecord, error) {
	switch filter.Status {
	case "", domain.StatusSeen, domain.StatusUploaded, domain.StatusTagged, domain.StatusFailed:
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "list records", errors.New("unknown status "+string(filter.Status)))
	}
	if filter.Limit < 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list records", errors.New("limit must not be negative"))
	}
	return uc.reader.List(ctx, filter)
}
