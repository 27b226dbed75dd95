package pdfrules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/extractor/receipttext"
)

const Name = "pdf-rules"

// BuiltinRules are always available; configured rules are tried first.
var BuiltinRules = []domain.MerchantRule{
	{
		Name:         "rewe",
		Signature:    `\brewe\b`,
		Merchant:     "REWE",
		DocumentType: "Rechnung",
		DateLabels:   []string{"Rechnungsdatum"},
		AmountLabels: []string{"Summe", "ZU ZAHLEN"},
	},
}

type compiledRule struct {
	rule      domain.MerchantRule
	signature *regexp.Regexp
}

// Stage parses PDF text layers of known merchants.
type Stage struct {
	rules []compiledRule
}

func New(rules []domain.MerchantRule) (*Stage, error) {
	all := make([]domain.MerchantRule, 0, len(rules)+len(BuiltinRules))
	all = append(all, rules...)
	all = append(all, BuiltinRules...)

	compiled := make([]compiledRule, 0, len(all))
	for _, rule := range all {
		if strings.TrimSpace(rule.Signature) == "" || strings.TrimSpace(rule.Merchant) == "" {
			return nil, domain.WrapError(domain.ErrConfig, "merchant rule", fmt.Errorf("rule %q needs signature and merchant", rule.Name))
		}
		re, err := regexp.Compile(`(?i)` + rule.Signature)
		if err != nil {
			return nil, domain.WrapError(domain.ErrConfig, "merchant rule", fmt.Errorf("rule %q: %w", rule.Name, err))
		}
		compiled = append(compiled, compiledRule{rule: rule, signature: re})
	}
	return &Stage{rules: compiled}, nil
}

func (s *Stage) Name() string { return Name }

func (s *Stage) CanHandle(artifact domain.SourceArtifact) bool {
	return artifact.Kind == domain.KindPDF
}

// TryExtract applies the first rule whose signature appears in the text.
// Confidence is 0.9 when date and total were both found, 0.6 otherwise.
func (s *Stage) TryExtract(_ context.Context, _ domain.SourceArtifact, input domain.ExtractionInput) (domain.ExtractedMetadata, error) {
	text := strings.TrimSpace(input.PDFText)
	if text == "" {
		return domain.ExtractedMetadata{}, domain.WrapError(domain.ErrInvalidInput, "pdf rules", errors.New("pdf has no text layer"))
	}

	for _, cr := range s.rules {
		if !cr.signature.MatchString(text) {
			continue
		}
		return apply(cr.rule, text), nil
	}
	return domain.ExtractedMetadata{}, fmt.Errorf("pdf rules: no merchant signature matched")
}

func apply(rule domain.MerchantRule, text string) domain.ExtractedMetadata {
	lines := receipttext.Lines(text)
	docType := rule.DocumentType
	if docType == "" {
		docType = domain.DefaultDocumentType
	}
	md := domain.ExtractedMetadata{
		Merchant:     rule.Merchant,
		DocumentType: docType,
		Source:       Name + ":" + rule.Name,
		Confidence:   0.6,
	}

	date, hasDate := receipttext.LabeledDate(lines, rule.DateLabels)
	if hasDate {
		md.Date = date
	}
	minor, hasAmount := receipttext.LabeledAmount(lines, rule.AmountLabels)
	if hasAmount {
		md.Amount = &domain.Amount{Minor: minor, Currency: domain.DetectCurrency(text)}
	}
	if hasDate && hasAmount {
		md.Confidence = 0.9
	}
	return md
}
