package ports

import (
	"context"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

// ArtifactProcessor drives one discovered file to a terminal stage.
type ArtifactProcessor interface {
	Process(ctx context.Context, artifact domain.SourceArtifact) domain.Outcome
}

// IndexResyncer rebuilds missing index rows from the DMS.
type IndexResyncer interface {
	Resync(ctx context.Context) (int, error)
}

// RecordReader is the inbound read model for the status API.
type RecordReader interface {
	GetRecord(ctx context.Context, hash string) (domain.ProcessedRecord, error)
	ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.ProcessedRecord, error)
}
