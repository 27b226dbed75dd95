package ports

import (
	"context"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

// ProcessedIndex is the durable, content-hash keyed dedup gate.
// Every operation is a single atomic read-modify-write.
type ProcessedIndex interface {
	// IsProcessed is the read-only form of the gate for callers that must not
	// take a lease. The pipeline uses MarkSeen, whose returned record carries
	// the same status and is checked and marked in one transaction.
	IsProcessed(ctx context.Context, hash string) (bool, error)
	MarkSeen(ctx context.Context, hash string, filenames ...string) (domain.SeenResult, error)
	RecordUploaded(ctx context.Context, hash string, documentID *int, title string) error
	RecordTagged(ctx context.Context, hash string) error
	RecordFailed(ctx context.Context, hash, reason string) error
	// ClearAttention drops the marker set after an ambiguous DMS state so the
	// next poll processes the record again.
	ClearAttention(ctx context.Context, hash string) error
	Release(ctx context.Context, hash string) error
	FindRemoteByTitle(ctx context.Context, title string) ([]domain.ProcessedRecord, error)
	AdoptRemote(ctx context.Context, hash, remoteKey string) (domain.ProcessedRecord, error)
	ResyncFromRemote(ctx context.Context, lister RemoteLister) (int, error)
}

// IndexReader is the read model over processed records.
type IndexReader interface {
	Get(ctx context.Context, hash string) (domain.ProcessedRecord, error)
	List(ctx context.Context, filter domain.RecordFilter) ([]domain.ProcessedRecord, error)
	Count(ctx context.Context) (int, error)
}

// RemoteLister enumerates documents that already exist in the DMS.
type RemoteLister interface {
	ListDocuments(ctx context.Context, fn func(domain.RemoteDocument) error) error
}

// DocumentStore is the DMS API surface the pipeline uses.
type DocumentStore interface {
	RemoteLister
	CreateDocument(ctx context.Context, req domain.UploadRequest) (domain.UploadReceipt, error)
	TaskStatus(ctx context.Context, taskID string) (domain.TaskState, error)
	GetDocument(ctx context.Context, id int) (domain.RemoteDocument, error)
	UpdateTags(ctx context.Context, id int, tagIDs []int) error
	FindByTitle(ctx context.Context, title string) ([]int, error)
	FindEntity(ctx context.Context, kind domain.EntityKind, name string) (int, bool, error)
	// CreateEntity returns domain.ErrConflict when the name already exists.
	CreateEntity(ctx context.Context, kind domain.EntityKind, name string) (int, error)
}

// ArtifactSource discovers candidate files.
type ArtifactSource interface {
	Poll(ctx context.Context) ([]domain.SourceArtifact, error)
}

// ContentHasher computes the cryptographic identity of a file.
type ContentHasher interface {
	HashFile(ctx context.Context, path string) (string, error)
}

// Transcriber turns a receipt image into raw text.
type Transcriber interface {
	Transcribe(ctx context.Context, image []byte) (string, error)
}

// OverlayRenderer builds a searchable PDF from an image and its text.
type OverlayRenderer interface {
	CreateSearchablePDF(ctx context.Context, image []byte, text string) ([]byte, error)
}

// MetadataLLM returns a raw JSON object for a structured-extraction request.
type MetadataLLM interface {
	ExtractJSON(ctx context.Context, req domain.LLMRequest) (string, error)
}

// PDFTextReader reads the embedded text layer of a PDF.
type PDFTextReader interface {
	Text(ctx context.Context, path string) (string, error)
}

// MetadataStage is one step of the extraction chain.
type MetadataStage interface {
	Name() string
	CanHandle(artifact domain.SourceArtifact) bool
	TryExtract(ctx context.Context, artifact domain.SourceArtifact, input domain.ExtractionInput) (domain.ExtractedMetadata, error)
}

// ArtifactNamer allocates and applies collision-free names.
type ArtifactNamer interface {
	Allocate(md domain.ExtractedMetadata, targets []domain.NameTarget) (domain.Allocation, error)
	Apply(alloc domain.Allocation, targets []domain.NameTarget) ([]string, error)
}

// ArtifactStorage writes generated artifacts.
type ArtifactStorage interface {
	WriteUnique(ctx context.Context, name string, data []byte) (string, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Remove(ctx context.Context, path string) error
}

// EventPublisher announces synchronized receipts.
type EventPublisher interface {
	PublishReceiptSynced(ctx context.Context, event domain.ReceiptSynced) error
}

// PipelineMetrics observes pipeline progress.
type PipelineMetrics interface {
	ObserveOutcome(outcome domain.Outcome)
	ObserveStage(stage domain.Stage, duration time.Duration)
	ObserveExtraction(stage string, accepted bool)
	ObserveTagChanges(added, removed int)
	ObserveResync(inserted int)
}
