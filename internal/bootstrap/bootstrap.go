package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/receipt-sync/internal/adapters/watch"
	"github.com/kirillkom/receipt-sync/internal/config"
	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
	"github.com/kirillkom/receipt-sync/internal/core/usecase"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/dms/paperless"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/extractor/llmstage"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/extractor/pdfrules"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/extractor/pdftext"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/extractor/transcript"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/llm/openai"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/overlay"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/queue/nats"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/repository/sqlstore"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/resilience"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/receipt-sync/internal/observability/metrics"
)

const ServiceName = "receipt-sync"

type App struct {
	Config config.Config
	Logger *slog.Logger

	Store    *sqlstore.Store
	DMS      *paperless.Client
	Events   *nats.Queue
	Metrics  *metrics.Registry
	Pipeline *usecase.Pipeline
	Records  *usecase.RecordQueryUseCase
	Exporter *xlsx.Exporter

	closers []func()
}

// OpenIndex opens only the processed index. Offline maintenance commands use
// it without touching the DMS or the models.
func OpenIndex(ctx context.Context, cfg config.Config) (*sqlstore.Store, error) {
	opts := sqlstore.Options{Owner: leaseOwner(), LeaseTTL: cfg.LeaseTTL}
	switch cfg.IndexDriver {
	case "postgres":
		return sqlstore.OpenPostgres(ctx, cfg.PostgresDSN, opts)
	default:
		return sqlstore.OpenSQLite(ctx, cfg.IndexPath, opts)
	}
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	tagMap, err := config.LoadTagMap(cfg.TagMapPath)
	if err != nil {
		return nil, err
	}
	rules, err := config.LoadMerchantRules(cfg.MerchantRulesPath)
	if err != nil {
		return nil, err
	}

	store, err := OpenIndex(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open processed index: %w", err)
	}
	app.Store = store
	app.closers = append(app.closers, func() { _ = store.Close() })

	app.Metrics = metrics.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(app.Metrics, ServiceName)

	dmsExecutor := resilience.NewExecutor(resilienceConfig(cfg, cfg.HTTPTimeout, logger, pipelineMetrics))
	modelExecutor := resilience.NewExecutor(resilienceConfig(cfg, 3*time.Minute, logger, pipelineMetrics))

	dms, err := paperless.New(cfg.PaperlessURL, cfg.PaperlessToken, paperless.Options{
		Timeout:            cfg.HTTPTimeout,
		Insecure:           cfg.PaperlessInsecure,
		RateLimit:          cfg.DMSRateLimit,
		ResilienceExecutor: dmsExecutor,
	})
	if err != nil {
		return nil, err
	}
	app.DMS = dms

	storage, err := localfs.New(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	source, err := watch.New(watch.Config{
		Dir:            cfg.WatchDir,
		Extensions:     cfg.WatchExtensions,
		SettleDuration: cfg.SettleDuration,
	}, logger)
	if err != nil {
		return nil, err
	}

	transcriber, metadataLLM := buildModels(cfg, modelExecutor)

	var renderer ports.OverlayRenderer
	if cfg.OverlayURL != "" {
		renderer = overlay.New(cfg.OverlayURL, overlay.Options{ResilienceExecutor: modelExecutor})
	}

	var publisher ports.EventPublisher
	if cfg.NATSURL != "" {
		events, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: dmsExecutor,
			Logger:             logger,
		})
		if err != nil {
			return nil, err
		}
		app.Events = events
		app.closers = append(app.closers, events.Close)
		publisher = events
	}

	stages, err := buildStages(cfg, tagMap, rules, metadataLLM, storage)
	if err != nil {
		return nil, err
	}

	chain := usecase.NewExtractionChain(stages, usecase.ChainOptions{
		MinConfidence: cfg.MinConfidence,
		DocumentType:  cfg.DefaultDocumentType,
		Metrics:       pipelineMetrics,
		Logger:        logger,
	})
	reconciler := usecase.NewResourceReconciler(dms, domain.TagPolicy(cfg.TagPolicy), pipelineMetrics, logger)
	resolver := usecase.NewIDResolver(dms, usecase.IDResolverOptions{
		PollTimeout:  cfg.TaskPollTimeout,
		PollInterval: cfg.TaskPollInterval,
		Logger:       logger,
	})

	processor := usecase.NewProcessReceiptUseCase(usecase.ProcessDeps{
		Index:       store,
		Hasher:      localfs.Hasher{},
		Storage:     storage,
		Transcriber: transcriber,
		Overlay:     renderer,
		PDFText:     pdftext.NewReader(0),
		Chain:       chain,
		Namer:       localfs.NewNamer(),
		DMS:         dms,
		Reconciler:  reconciler,
		Resolver:    resolver,
		TagMap:      tagMap,
		Publisher:   publisher,
		Metrics:     pipelineMetrics,
		Logger:      logger,
	})
	app.Pipeline = usecase.NewPipeline(source, processor, store, store, dms, reconciler, usecase.PipelineOptions{
		PollInterval:  cfg.PollInterval,
		ResyncOnStart: cfg.ResyncOnStart,
		Metrics:       pipelineMetrics,
		Logger:        logger,
	})
	app.Records = usecase.NewRecordQueryUseCase(store)
	app.Exporter = xlsx.NewExporter(store)

	logger.Info("app_initialized",
		"watch_dir", cfg.WatchDir,
		"index_driver", cfg.IndexDriver,
		"llm_provider", cfg.LLMProvider,
		"stages", chain.StageNames(),
		"tag_map_entries", tagMap.Len(),
		"tag_policy", cfg.TagPolicy,
		"overlay", renderer != nil,
		"events", publisher != nil,
	)
	ok = true
	return app, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func buildModels(cfg config.Config, executor *resilience.Executor) (ports.Transcriber, ports.MetadataLLM) {
	if cfg.LLMProvider == "openai" {
		client := openai.New(openai.Config{
			APIKey:             cfg.OpenAIAPIKey,
			BaseURL:            cfg.OpenAIBaseURL,
			Model:              cfg.OpenAIModel,
			ResilienceExecutor: executor,
		})
		return client, client
	}
	client := ollama.New(cfg.OllamaURL, cfg.OllamaVisionModel, cfg.OllamaJSONModel, ollama.Options{ResilienceExecutor: executor})
	return ollama.NewTranscriber(client), ollama.NewMetadataExtractor(client)
}

func buildStages(cfg config.Config, tagMap domain.TagMap, rules []domain.MerchantRule, llm ports.MetadataLLM, files llmstage.FileReader) ([]ports.MetadataStage, error) {
	stages := make([]ports.MetadataStage, 0, len(cfg.ExtractionStages))
	for _, name := range cfg.ExtractionStages {
		switch name {
		case transcript.Name:
			stages = append(stages, transcript.New(tagMap, cfg.DefaultDocumentType))
		case pdfrules.Name:
			stage, err := pdfrules.New(rules)
			if err != nil {
				return nil, err
			}
			stages = append(stages, stage)
		case llmstage.Name:
			stages = append(stages, llmstage.New(llm, files, cfg.DefaultDocumentType))
		default:
			return nil, domain.WrapError(domain.ErrConfig, "extraction stages", fmt.Errorf("unknown stage %q", name))
		}
	}
	return stages, nil
}

func resilienceConfig(cfg config.Config, callTimeout time.Duration, logger *slog.Logger, m *metrics.PipelineMetrics) resilience.Config {
	out := resilience.DefaultConfig()
	out.Logger = logger
	out.OnStateChange = func(operation string, _, to gobreaker.State) {
		m.ObserveBreakerState(operation, int(to))
	}
	out.RetryMaxAttempts = cfg.RetryMaxAttempts
	out.RetryInitialBackoff = cfg.RetryInitialBackoff
	out.RetryMaxBackoff = cfg.RetryMaxBackoff
	out.CallTimeout = callTimeout
	out.BreakerEnabled = cfg.BreakerEnabled
	if cfg.BreakerMinRequests > 0 {
		out.BreakerMinRequests = uint32(cfg.BreakerMinRequests)
	}
	return out
}

// leaseOwner identifies this process in index leases.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
