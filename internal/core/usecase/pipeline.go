package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

const (
	ResyncAuto   = "auto"
	ResyncAlways = "always"
	ResyncNever  = "never"
)

type runIDKey struct{}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

type PipelineOptions struct {
	PollInterval  time.Duration
	ResyncOnStart string
	Metrics       ports.PipelineMetrics
	Logger        *slog.Logger
}

// RunSummary counts what one poll cycle did.
type RunSummary struct {
	RunID      string
	Discovered int
	Recorded   int
	Skipped    int
	Resumed    int
	Adopted    int
	Failed     int
}

// Pipeline polls the source and processes files one at a time.
type Pipeline struct {
	source     ports.ArtifactSource
	processor  ports.ArtifactProcessor
	index      ports.ProcessedIndex
	reader     ports.IndexReader
	lister     ports.RemoteLister
	reconciler *ResourceReconciler

	pollInterval  time.Duration
	resyncOnStart string
	metrics       ports.PipelineMetrics
	logger        *slog.Logger

	resyncMu sync.Mutex
}

func NewPipeline(
	source ports.ArtifactSource,
	processor ports.ArtifactProcessor,
	index ports.ProcessedIndex,
	reader ports.IndexReader,
	lister ports.RemoteLister,
	reconciler *ResourceReconciler,
	options PipelineOptions,
) *Pipeline {
	interval := options.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	mode := options.ResyncOnStart
	if mode == "" {
		mode = ResyncAuto
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:        source,
		processor:     processor,
		index:         index,
		reader:        reader,
		lister:        lister,
		reconciler:    reconciler,
		pollInterval:  interval,
		resyncOnStart: mode,
		metrics:       metricsOrNoop(options.Metrics),
		logger:        logger,
	}
}

// Run resyncs according to the start policy, then polls until ctx is done.
// Only index storage failures end the loop early.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.initialSync(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.RunOnce(ctx); err != nil {
			if domain.IsFatal(err) {
				return err
			}
			if !errors.Is(err, context.Canceled) {
				p.logger.Error("pipeline_run_failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes every file of one poll in order.
func (p *Pipeline) RunOnce(ctx context.Context) (RunSummary, error) {
	summary := RunSummary{RunID: uuid.NewString()}
	ctx = WithRunID(ctx, summary.RunID)
	logger := p.logger.With("run_id", summary.RunID)
	if p.reconciler != nil {
		p.reconciler.ResetCache()
	}

	artifacts, err := p.source.Poll(ctx)
	if err != nil {
		return summary, fmt.Errorf("poll source: %w", err)
	}
	summary.Discovered = len(artifacts)

	for _, artifact := range artifacts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		out := p.processor.Process(ctx, artifact)
		switch out.Stage {
		case domain.StageRecorded:
			summary.Recorded++
		case domain.StageSkipped:
			summary.Skipped++
		case domain.StageFailed:
			summary.Failed++
		}
		if out.Resumed {
			summary.Resumed++
		}
		if out.Adopted {
			summary.Adopted++
		}
		if out.Err != nil && domain.IsFatal(out.Err) {
			logger.Error("pipeline_aborted", "file", artifact.Path, "error", out.Err)
			return summary, out.Err
		}
	}

	if summary.Discovered > 0 {
		logger.Info("pipeline_run_completed",
			"discovered", summary.Discovered,
			"recorded", summary.Recorded,
			"skipped", summary.Skipped,
			"resumed", summary.Resumed,
			"adopted", summary.Adopted,
			"failed", summary.Failed,
		)
	}
	return summary, nil
}

// Resync inserts synthetic records for DMS documents the index does not know.
func (p *Pipeline) Resync(ctx context.Context) (int, error) {
	p.resyncMu.Lock()
	defer p.resyncMu.Unlock()

	inserted, err := p.index.ResyncFromRemote(ctx, p.lister)
	if err != nil {
		return inserted, err
	}
	p.metrics.ObserveResync(inserted)
	p.logger.Info("index_resynced", "inserted", inserted)
	return inserted, nil
}

func (p *Pipeline) initialSync(ctx context.Context) error {
	switch p.resyncOnStart {
	case ResyncNever:
		return nil
	case ResyncAuto:
		count, err := p.reader.Count(ctx)
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
	}
	if _, err := p.Resync(ctx); err != nil {
		return fmt.Errorf("resync on start: %w", err)
	}
	return nil
}
