package transcript

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/extractor/receipttext"
)

const Name = "transcript"

var (
	defaultDateLabels   = []string{"datum", "date", "belegdatum", "rechnungsdatum"}
	defaultAmountLabels = []string{"zu zahlen", "summe", "gesamt", "total", "betrag"}
)

// headerLines is how far down the receipt the shop name is searched.
const headerLines = 8

// Stage reads merchant, date and total from an image transcript with keyword
// rules. It never calls out to the network.
type Stage struct {
	merchants    domain.TagMap
	documentType string
	dateLabels   []string
	amountLabels []string
}

func New(merchants domain.TagMap, documentType string) *Stage {
	if documentType == "" {
		documentType = domain.DefaultDocumentType
	}
	return &Stage{
		merchants:    merchants,
		documentType: documentType,
		dateLabels:   defaultDateLabels,
		amountLabels: defaultAmountLabels,
	}
}

func (s *Stage) Name() string { return Name }

func (s *Stage) CanHandle(artifact domain.SourceArtifact) bool {
	return artifact.Kind == domain.KindImage
}

// TryExtract scores what it found: known merchant 0.35 (header guess 0.25),
// labelled date 0.35 (any date 0.2), labelled total 0.3 (largest amount 0.15).
func (s *Stage) TryExtract(_ context.Context, _ domain.SourceArtifact, input domain.ExtractionInput) (domain.ExtractedMetadata, error) {
	text := strings.TrimSpace(input.Transcript)
	if text == "" {
		return domain.ExtractedMetadata{}, domain.WrapError(domain.ErrInvalidInput, "transcript stage", errors.New("empty transcript"))
	}
	lines := receipttext.Lines(text)

	md := domain.ExtractedMetadata{
		DocumentType: s.documentType,
		Source:       Name,
	}
	var confidence float64

	if merchant, known := s.findMerchant(lines); merchant != "" {
		md.Merchant = merchant
		if known {
			confidence += 0.35
		} else {
			confidence += 0.25
		}
	}

	if date, ok := receipttext.LabeledDate(lines, s.dateLabels); ok {
		md.Date = date
		confidence += 0.35
	} else if date, ok := receipttext.FirstDate(lines); ok {
		md.Date = date
		confidence += 0.2
	}

	if minor, ok := receipttext.LabeledAmount(lines, s.amountLabels); ok {
		md.Amount = &domain.Amount{Minor: minor, Currency: domain.DetectCurrency(text)}
		confidence += 0.3
	} else if minor, ok := receipttext.LargestAmount(lines); ok {
		md.Amount = &domain.Amount{Minor: minor, Currency: domain.DetectCurrency(text)}
		confidence += 0.15
	}

	if confidence > 1 {
		confidence = 1
	}
	md.Confidence = confidence
	return md, nil
}

// findMerchant prefers a configured merchant named in the header, then the
// first header line that reads like a name.
func (s *Stage) findMerchant(lines []string) (string, bool) {
	limit := len(lines)
	if limit > headerLines {
		limit = headerLines
	}
	header := lines[:limit]

	if s.merchants.Len() > 0 {
		for _, line := range header {
			if match := s.merchants.Resolve(line); match.MatchedKey != "" {
				return match.MatchedKey, true
			}
		}
	}
	for _, line := range header {
		if looksLikeName(line) {
			return strings.Join(strings.Fields(line), " "), false
		}
	}
	return "", false
}

func looksLikeName(line string) bool {
	letters, digits := 0, 0
	for _, r := range line {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	return letters >= 3 && digits*2 < letters && domain.NormalizeMerchant(line) != ""
}
