package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

// ProcessDeps wires the collaborators of ProcessReceiptUseCase. Transcriber,
// Overlay, PDFText and Publisher are optional.
type ProcessDeps struct {
	Index       ports.ProcessedIndex
	Hasher      ports.ContentHasher
	Storage     ports.ArtifactStorage
	Transcriber ports.Transcriber
	Overlay     ports.OverlayRenderer
	PDFText     ports.PDFTextReader
	Chain       *ExtractionChain
	Namer       ports.ArtifactNamer
	DMS         ports.DocumentStore
	Reconciler  *ResourceReconciler
	Resolver    *IDResolver
	TagMap      domain.TagMap
	Publisher   ports.EventPublisher
	Metrics     ports.PipelineMetrics
	Logger      *slog.Logger
}

// ProcessReceiptUseCase drives one file from discovery to a terminal stage.
// Every failure is contained in the returned Outcome.
type ProcessReceiptUseCase struct {
	index       ports.ProcessedIndex
	hasher      ports.ContentHasher
	storage     ports.ArtifactStorage
	transcriber ports.Transcriber
	overlay     ports.OverlayRenderer
	pdfText     ports.PDFTextReader
	chain       *ExtractionChain
	namer       ports.ArtifactNamer
	dms         ports.DocumentStore
	reconciler  *ResourceReconciler
	resolver    *IDResolver
	tagMap      domain.TagMap
	publisher   ports.EventPublisher
	metrics     ports.PipelineMetrics
	logger      *slog.Logger
	now         func() time.Time
}

func NewProcessReceiptUseCase(deps ProcessDeps) *ProcessReceiptUseCase {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessReceiptUseCase{
		index:       deps.Index,
		hasher:      deps.Hasher,
		storage:     deps.Storage,
		transcriber: deps.Transcriber,
		overlay:     deps.Overlay,
		pdfText:     deps.PDFText,
		chain:       deps.Chain,
		namer:       deps.Namer,
		dms:         deps.DMS,
		reconciler:  deps.Reconciler,
		resolver:    deps.Resolver,
		tagMap:      deps.TagMap,
		publisher:   deps.Publisher,
		metrics:     metricsOrNoop(deps.Metrics),
		logger:      logger,
		now:         time.Now,
	}
}

type fileRun struct {
	out    domain.Outcome
	logger *slog.Logger
	hash   string
	marked bool
	record domain.ProcessedRecord
}

func (uc *ProcessReceiptUseCase) Process(ctx context.Context, artifact domain.SourceArtifact) domain.Outcome {
	start := uc.now()
	run := &fileRun{
		out:    domain.Outcome{Artifact: artifact, Stage: domain.StageDiscovered},
		logger: uc.logger.With("run_id", RunIDFromContext(ctx), "file", artifact.Path),
	}
	uc.process(ctx, run)
	run.out.Duration = uc.now().Sub(start)
	uc.metrics.ObserveOutcome(run.out)
	return run.out
}

func (uc *ProcessReceiptUseCase) process(ctx context.Context, run *fileRun) {
	var hash string
	err := uc.timed(domain.StageHashed, func() (err error) {
		hash, err = uc.hasher.HashFile(ctx, run.out.Artifact.Path)
		return err
	})
	if err != nil {
		uc.fail(ctx, run, domain.StageHashed, err)
		return
	}
	run.hash = hash
	run.out.Artifact = run.out.Artifact.WithHash(hash)
	run.out.Stage = domain.StageHashed
	run.logger = run.logger.With("hash", hash)

	seen, err := uc.index.MarkSeen(ctx, hash, run.out.Artifact.Name())
	if err != nil {
		uc.fail(ctx, run, domain.StageHashed, err)
		return
	}
	run.marked = true
	run.record = seen.Record
	if !seen.Claimed {
		run.out.Stage = domain.StageSkipped
		run.logger.Info("file_skipped", "reason", "leased", "lease_owner", seen.Record.LeaseOwner)
		return
	}
	defer func() {
		if err := uc.index.Release(context.WithoutCancel(ctx), hash); err != nil {
			run.logger.Warn("index_release_failed", "error", err)
		}
	}()

	if seen.Record.NeedsAttention() {
		run.out.Stage = domain.StageSkipped
		run.logger.Debug("file_skipped", "reason", "needs_attention", "error", seen.Record.Error)
		return
	}

	switch seen.Record.Status {
	case domain.StatusTagged:
		run.out.Stage = domain.StageSkipped
		run.out.DocumentID = seen.Record.DocumentID
		run.out.Title = seen.Record.Title
		run.logger.Debug("file_skipped", "reason", "already_tagged")
	case domain.StatusUploaded:
		uc.resume(ctx, run)
	default:
		uc.ingest(ctx, run)
	}
}

// ingest is the full path for a file that has never reached the DMS.
func (uc *ProcessReceiptUseCase) ingest(ctx context.Context, run *fileRun) {
	artifact := run.out.Artifact
	input := domain.ExtractionInput{ProcessingDate: uc.now()}
	targets := []domain.NameTarget{{Path: artifact.Path}}
	uploadIndex := 0
	generated := ""
	uploaded := false
	defer func() {
		if generated == "" || uploaded {
			return
		}
		if err := uc.storage.Remove(context.WithoutCancel(ctx), generated); err != nil {
			run.logger.Warn("generated_pdf_cleanup_failed", "path", generated, "error", err)
		}
	}()

	switch artifact.Kind {
	case domain.KindImage:
		run.out.Stage = domain.StageTranscribing
		image, err := uc.storage.ReadFile(ctx, artifact.Path)
		if err != nil {
			uc.fail(ctx, run, domain.StageTranscribing, err)
			return
		}
		if uc.transcriber != nil {
			err := uc.timed(domain.StageTranscribing, func() (err error) {
				input.Transcript, err = uc.transcriber.Transcribe(ctx, image)
				return err
			})
			if err != nil {
				uc.fail(ctx, run, domain.StageTranscribing, err)
				return
			}
		}
		if uc.overlay != nil && strings.TrimSpace(input.Transcript) != "" {
			run.out.Stage = domain.StageOverlaying
			err := uc.timed(domain.StageOverlaying, func() error {
				pdf, err := uc.overlay.CreateSearchablePDF(ctx, image, input.Transcript)
				if err != nil {
					return err
				}
				generated, err = uc.storage.WriteUnique(ctx, stem(artifact.Path)+".pdf", pdf)
				return err
			})
			if err != nil {
				uc.fail(ctx, run, domain.StageOverlaying, err)
				return
			}
			targets = append(targets, domain.NameTarget{Path: generated})
			uploadIndex = 1
		}
	case domain.KindPDF:
		if uc.pdfText != nil {
			text, err := uc.pdfText.Text(ctx, artifact.Path)
			if err != nil {
				run.logger.Warn("pdf_text_unavailable", "error", err)
			} else {
				input.PDFText = text
			}
		}
	default:
		uc.fail(ctx, run, domain.StageExtracting, domain.WrapError(domain.ErrInvalidInput, "ingest", fmt.Errorf("unsupported file kind %q", artifact.Kind)))
		return
	}

	run.out.Stage = domain.StageExtracting
	var md domain.ExtractedMetadata
	_ = uc.timed(domain.StageExtracting, func() error {
		md = uc.chain.Resolve(ctx, artifact, input)
		return nil
	})
	tagNames := []string{}
	if md.Complete() {
		match := uc.tagMap.Resolve(md.Merchant)
		if match.MatchedKey != "" {
			md.Merchant = match.MatchedKey
		}
		tagNames = match.Tags
	}
	run.logger.Info("metadata_extracted",
		"source", md.Source,
		"merchant", md.Merchant,
		"date", md.DateISO(),
		"confidence", md.Confidence,
		"tags", tagNames,
	)

	run.out.Stage = domain.StageRenaming
	var renamed []string
	err := uc.timed(domain.StageRenaming, func() error {
		alloc, err := uc.namer.Allocate(md, targets)
		if err != nil {
			return err
		}
		renamed, err = uc.namer.Apply(alloc, targets)
		return err
	})
	if err != nil {
		uc.fail(ctx, run, domain.StageRenaming, err)
		return
	}
	if generated != "" {
		generated = renamed[1]
	}
	uploadPath := renamed[uploadIndex]
	title := domain.Title(md)
	run.out.Title = title

	run.out.Stage = domain.StageUploading
	tagIDs, err := uc.reconciler.ResolveTags(ctx, tagNames)
	if err != nil {
		uc.fail(ctx, run, domain.StageUploading, err)
		return
	}

	documentID, adopted, err := uc.adopt(ctx, run, title)
	if err != nil {
		uc.fail(ctx, run, domain.StageUploading, err)
		return
	}
	if adopted {
		uploaded = true
		run.out.Adopted = true
		run.logger.Info("remote_document_adopted", "document_id", documentID, "title", title)
	} else {
		var receipt domain.UploadReceipt
		err := uc.timed(domain.StageUploading, func() (err error) {
			receipt, err = uc.upload(ctx, md, title, uploadPath, tagIDs)
			return err
		})
		if err != nil {
			uc.fail(ctx, run, domain.StageUploading, err)
			return
		}
		uploaded = true
		if err := uc.index.RecordUploaded(ctx, run.hash, receipt.DocumentID, title); err != nil {
			uc.fail(ctx, run, domain.StageUploading, err)
			return
		}
		run.logger.Info("document_uploaded", "title", title, "task_id", receipt.TaskID, "path", uploadPath)

		run.out.Stage = domain.StageResolvingID
		err = uc.timed(domain.StageResolvingID, func() (err error) {
			documentID, err = uc.resolver.Resolve(ctx, receipt, title)
			return err
		})
		if err != nil {
			uc.fail(ctx, run, domain.StageResolvingID, err)
			return
		}
		if err := uc.index.RecordUploaded(ctx, run.hash, &documentID, title); err != nil {
			uc.fail(ctx, run, domain.StageResolvingID, err)
			return
		}
	}

	uc.finish(ctx, run, documentID, tagIDs, md.Merchant, tagNames)
}

// resume finishes a file whose upload is already recorded: it resolves a
// missing id by title and enforces tags without uploading again.
func (uc *ProcessReceiptUseCase) resume(ctx context.Context, run *fileRun) {
	rec := run.record
	run.out.Resumed = true
	run.out.Title = rec.Title
	run.logger.Info("file_resume", "title", rec.Title, "document_id", rec.DocumentID)

	var documentID int
	if rec.DocumentID != nil {
		documentID = *rec.DocumentID
	} else {
		run.out.Stage = domain.StageResolvingID
		id, err := uc.resolver.ResolveByTitle(ctx, rec.Title)
		if err != nil {
			uc.fail(ctx, run, domain.StageResolvingID, err)
			return
		}
		if err := uc.index.RecordUploaded(ctx, run.hash, &id, rec.Title); err != nil {
			uc.fail(ctx, run, domain.StageResolvingID, err)
			return
		}
		documentID = id
	}

	merchant := ""
	tagNames := []string{}
	if _, m, _, ok := domain.ParseTitle(rec.Title); ok && !strings.EqualFold(m, domain.UnknownMerchant) {
		merchant = m
		tagNames = uc.tagMap.Resolve(m).Tags
	}
	run.out.Stage = domain.StageReconcilingTags
	tagIDs, err := uc.reconciler.ResolveTags(ctx, tagNames)
	if err != nil {
		uc.fail(ctx, run, domain.StageReconcilingTags, err)
		return
	}
	uc.finish(ctx, run, documentID, tagIDs, merchant, tagNames)
}

func (uc *ProcessReceiptUseCase) finish(ctx context.Context, run *fileRun, documentID int, tagIDs []int, merchant string, tagNames []string) {
	run.out.DocumentID = &documentID
	run.out.Stage = domain.StageReconcilingTags
	err := uc.timed(domain.StageReconcilingTags, func() error {
		_, err := uc.reconciler.EnforceTags(ctx, documentID, tagIDs)
		return err
	})
	if err != nil {
		uc.fail(ctx, run, domain.StageReconcilingTags, err)
		return
	}
	if err := uc.index.RecordTagged(ctx, run.hash); err != nil {
		uc.fail(ctx, run, domain.StageReconcilingTags, err)
		return
	}
	run.out.Stage = domain.StageRecorded
	run.logger.Info("file_recorded", "document_id", documentID, "title", run.out.Title)

	if uc.publisher == nil {
		return
	}
	event := domain.ReceiptSynced{
		Hash:       run.hash,
		DocumentID: documentID,
		Title:      run.out.Title,
		Merchant:   merchant,
		Tags:       tagNames,
		SyncedAt:   uc.now().UTC(),
	}
	if err := uc.publisher.PublishReceiptSynced(ctx, event); err != nil {
		run.logger.Warn("receipt_event_publish_failed", "error", err)
	}
}

// adopt links the file to a document found by resync instead of uploading it again.
func (uc *ProcessReceiptUseCase) adopt(ctx context.Context, run *fileRun, title string) (int, bool, error) {
	remote, err := uc.index.FindRemoteByTitle(ctx, title)
	if err != nil {
		return 0, false, err
	}
	switch len(remote) {
	case 0:
		return 0, false, nil
	case 1:
	default:
		keys := make([]string, 0, len(remote))
		for _, r := range remote {
			keys = append(keys, r.Hash)
		}
		return 0, false, domain.WrapError(domain.ErrAmbiguous, "adopt remote", fmt.Errorf("title %q matches %s", title, strings.Join(keys, ", ")))
	}

	rec, err := uc.index.AdoptRemote(ctx, run.hash, remote[0].Hash)
	if err != nil {
		return 0, false, err
	}
	if rec.DocumentID == nil {
		return 0, false, domain.WrapError(domain.ErrAmbiguous, "adopt remote", errors.New("adopted record has no document id"))
	}
	return *rec.DocumentID, true, nil
}

func (uc *ProcessReceiptUseCase) upload(ctx context.Context, md domain.ExtractedMetadata, title, path string, tagIDs []int) (domain.UploadReceipt, error) {
	req := domain.UploadRequest{
		FilePath: path,
		Title:    title,
		Created:  md.Date,
		TagIDs:   tagIDs,
	}
	if md.Complete() {
		id, err := uc.reconciler.Resolve(ctx, domain.EntityCorrespondent, md.Merchant)
		if err != nil {
			return domain.UploadReceipt{}, err
		}
		req.CorrespondentID = &id
	}
	if documentType := strings.TrimSpace(md.DocumentType); documentType != "" {
		id, err := uc.reconciler.Resolve(ctx, domain.EntityDocumentType, documentType)
		if err != nil {
			return domain.UploadReceipt{}, err
		}
		req.DocumentTypeID = &id
	}
	return uc.dms.CreateDocument(ctx, req)
}

func (uc *ProcessReceiptUseCase) fail(ctx context.Context, run *fileRun, stage domain.Stage, err error) {
	run.out.Stage = domain.StageFailed
	run.out.FailedAt = stage
	run.out.Err = err

	reason := err.Error()
	if domain.IsKind(err, domain.ErrAmbiguous) {
		reason = domain.AttentionPrefix + reason
		run.logger.Error("file_needs_attention", "stage", string(stage), "error", err)
	} else {
		run.logger.Error("file_failed", "stage", string(stage), "error", err)
	}

	if !run.marked || domain.IsFatal(err) {
		return
	}
	if recErr := uc.index.RecordFailed(context.WithoutCancel(ctx), run.hash, reason); recErr != nil {
		run.logger.Error("index_record_failed", "error", recErr)
		if domain.IsFatal(recErr) {
			run.out.Err = errors.Join(err, recErr)
		}
	}
}

func (uc *ProcessReceiptUseCase) timed(stage domain.Stage, fn func() error) error {
	start := uc.now()
	err := fn()
	uc.metrics.ObserveStage(stage, uc.now().Sub(start))
	return err
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
