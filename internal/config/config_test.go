package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"TAG_POLICY", "MIN_CONFIDENCE", "EXTRACTION_STAGES", "TASK_POLL_TIMEOUT", "RESYNC_ON_START", "INDEX_DRIVER"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.TagPolicy != "overwrite" {
		t.Fatalf("expected overwrite policy, got %q", cfg.TagPolicy)
	}
	if cfg.MinConfidence != 0.7 {
		t.Fatalf("expected min confidence 0.7, got %v", cfg.MinConfidence)
	}
	if len(cfg.ExtractionStages) != 3 || cfg.ExtractionStages[0] != "transcript" || cfg.ExtractionStages[2] != "llm" {
		t.Fatalf("unexpected stage order %v", cfg.ExtractionStages)
	}
	if cfg.TaskPollTimeout != 60*time.Second {
		t.Fatalf("expected 60s task poll timeout, got %v", cfg.TaskPollTimeout)
	}
	if cfg.ResyncOnStart != "auto" || cfg.IndexDriver != "sqlite" {
		t.Fatalf("unexpected defaults: resync=%q driver=%q", cfg.ResyncOnStart, cfg.IndexDriver)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("EXTRACTION_STAGES", " LLM , transcript ,")
	t.Setenv("POLL_INTERVAL", "1m")
	t.Setenv("MIN_CONFIDENCE", "0.5")
	t.Setenv("PAPERLESS_INSECURE", "true")
	t.Setenv("DMS_RATE_LIMIT", "not-a-number")

	cfg := Load()
	if len(cfg.ExtractionStages) != 2 || cfg.ExtractionStages[0] != "llm" || cfg.ExtractionStages[1] != "transcript" {
		t.Fatalf("unexpected stages %v", cfg.ExtractionStages)
	}
	if cfg.PollInterval != time.Minute || cfg.MinConfidence != 0.5 || !cfg.PaperlessInsecure {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.DMSRateLimit != 5 {
		t.Fatalf("invalid number must fall back, got %v", cfg.DMSRateLimit)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Load()
	cfg.PaperlessToken = ""
	cfg.TagPolicy = "append"
	cfg.ExtractionStages = []string{"ocr"}

	err := cfg.Validate()
	if !domain.IsKind(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	for _, fragment := range []string{"PAPERLESS_TOKEN", "TAG_POLICY", `"ocr"`} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %s in %v", fragment, err)
		}
	}

	cfg.PaperlessToken = "token"
	cfg.TagPolicy = "merge"
	cfg.ExtractionStages = []string{"llm"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadTagMapAcceptsScalarAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.yaml")
	content := "REWE: Groceries\n\"dm\": [Drugstore, Health]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write tag map: %v", err)
	}

	tm, err := LoadTagMap(path)
	if err != nil {
		t.Fatalf("LoadTagMap() error = %v", err)
	}
	if tm.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", tm.Len())
	}
	if got := tm.Resolve("dm drogerie"); len(got.Tags) != 2 || got.Tags[1] != "Health" {
		t.Fatalf("unexpected tags %v", got.Tags)
	}
}

func TestLoadTagMapRejectsNestedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.yaml")
	if err := os.WriteFile(path, []byte("REWE:\n  tag: Groceries\n"), 0o644); err != nil {
		t.Fatalf("write tag map: %v", err)
	}
	if _, err := LoadTagMap(path); !domain.IsKind(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadMerchantRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `rules:
  - name: lidl
    signature: "(?i)lidl"
    merchant: Lidl
    document_type: Kassenbon
    date_labels: [Datum]
    amount_labels: [Summe]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	rules, err := LoadMerchantRules(path)
	if err != nil {
		t.Fatalf("LoadMerchantRules() error = %v", err)
	}
	if len(rules) != 1 || rules[0].Merchant != "Lidl" || rules[0].AmountLabels[0] != "Summe" {
		t.Fatalf("unexpected rules %+v", rules)
	}
}
