package usecase

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

const DefaultMinConfidence = 0.7

type ChainOptions struct {
	MinConfidence float64
	DocumentType  string
	Metrics       ports.PipelineMetrics
	Logger        *slog.Logger
}

// ExtractionChain tries its stages in order and accepts the first complete
// result at or above the confidence threshold.
type ExtractionChain struct {
	stages        []ports.MetadataStage
	minConfidence float64
	documentType  string
	metrics       ports.PipelineMetrics
	logger        *slog.Logger
	now           func() time.Time
}

func NewExtractionChain(stages []ports.MetadataStage, options ChainOptions) *ExtractionChain {
	minConfidence := options.MinConfidence
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	documentType := strings.TrimSpace(options.DocumentType)
	if documentType == "" {
		documentType = domain.DefaultDocumentType
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractionChain{
		stages:        stages,
		minConfidence: minConfidence,
		documentType:  documentType,
		metrics:       metricsOrNoop(options.Metrics),
		logger:        logger,
		now:           time.Now,
	}
}

// StageNames lists the configured stages in evaluation order.
func (c *ExtractionChain) StageNames() []string {
	names := make([]string, 0, len(c.stages))
	for _, s := range c.stages {
		names = append(names, s.Name())
	}
	return names
}

// Resolve never fails: when no stage is accepted it returns fallback metadata
// dated on the processing day.
func (c *ExtractionChain) Resolve(ctx context.Context, artifact domain.SourceArtifact, input domain.ExtractionInput) domain.ExtractedMetadata {
	logger := c.logger.With("file", artifact.Path)
	for _, stage := range c.stages {
		if !stage.CanHandle(artifact) {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		md, err := stage.TryExtract(ctx, artifact, input)
		if err != nil {
			c.metrics.ObserveExtraction(stage.Name(), false)
			logger.Warn("extraction_stage_failed", "stage", stage.Name(), "error", err)
			continue
		}
		if !md.Complete() || md.Confidence < c.minConfidence {
			c.metrics.ObserveExtraction(stage.Name(), false)
			logger.Info("extraction_stage_rejected",
				"stage", stage.Name(),
				"confidence", md.Confidence,
				"min_confidence", c.minConfidence,
				"complete", md.Complete(),
			)
			continue
		}

		c.metrics.ObserveExtraction(stage.Name(), true)
		return c.finish(md, stage.Name())
	}

	processedAt := input.ProcessingDate
	if processedAt.IsZero() {
		processedAt = c.now()
	}
	logger.Warn("extraction_fallback", "stages", c.StageNames())
	return domain.FallbackMetadata(processedAt, c.documentType)
}

func (c *ExtractionChain) finish(md domain.ExtractedMetadata, stage string) domain.ExtractedMetadata {
	if md.Source == "" {
		md.Source = stage
	}
	if strings.TrimSpace(md.DocumentType) == "" {
		md.DocumentType = c.documentType
	}
	if md.Amount != nil && md.Amount.Currency == "" {
		amount := *md.Amount
		amount.Currency = domain.DefaultCurrency
		md.Amount = &amount
	}
	return md
}
