package llmstage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

const Name = "llm"

// defaultConfidence is used when the model does not report one.
const defaultConfidence = 0.8

type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Stage is the general fallback: it sends the image (or the PDF text) to a model.
type Stage struct {
	llm          ports.MetadataLLM
	files        FileReader
	documentType string
}

func New(llm ports.MetadataLLM, files FileReader, documentType string) *Stage {
	if documentType == "" {
		documentType = domain.DefaultDocumentType
	}
	return &Stage{llm: llm, files: files, documentType: documentType}
}

func (s *Stage) Name() string { return Name }

func (s *Stage) CanHandle(artifact domain.SourceArtifact) bool {
	return artifact.Kind == domain.KindImage || artifact.Kind == domain.KindPDF
}

func (s *Stage) TryExtract(ctx context.Context, artifact domain.SourceArtifact, input domain.ExtractionInput) (domain.ExtractedMetadata, error) {
	req := domain.LLMRequest{
		Prompt: buildPrompt(s.documentType),
		Text:   input.Text(),
	}
	if artifact.Kind == domain.KindImage {
		image, err := s.files.ReadFile(ctx, artifact.Path)
		if err != nil {
			return domain.ExtractedMetadata{}, fmt.Errorf("read image for llm: %w", err)
		}
		req.Image = image
		req.ImageMIME = http.DetectContentType(image)
	} else if strings.TrimSpace(req.Text) == "" {
		return domain.ExtractedMetadata{}, domain.WrapError(domain.ErrInvalidInput, "llm stage", errors.New("pdf has no text to send"))
	}

	raw, err := s.llm.ExtractJSON(ctx, req)
	if err != nil {
		return domain.ExtractedMetadata{}, err
	}
	return parseMetadata(raw, s.documentType)
}

func buildPrompt(documentType string) string {
	return `You read a single retail receipt or invoice. Return ONLY one compact JSON object with exactly these keys:
{
  "merchant": string,
  "date": "YYYY-MM-DD",
  "amount": "0.00",
  "currency": "EUR",
  "document_type": "` + documentType + `",
  "confidence": number from 0 to 1
}
Rules:
- merchant: the store or brand as printed, short, no URLs, no legal form.
- date: the purchase or invoice date as ISO YYYY-MM-DD. Look for a DATUM field first.
- amount: the grand total (the largest amount, near SUMME or ZU ZAHLEN), dot decimal, two decimals, no thousands separators. Use null if not printed.
- currency: 3-letter code; the € sign means EUR.
- confidence: how sure you are about merchant, date and amount together.
- Do not invent data. No markdown, no extra keys.`
}

type llmResponse struct {
	Merchant      string          `json:"merchant"`
	Korrespondent string          `json:"korrespondent"`
	Date          string          `json:"date"`
	IssueDate     string          `json:"ausstellungsdatum"`
	Amount        json.RawMessage `json:"amount"`
	AmountValue   json.RawMessage `json:"betrag_value"`
	Currency      string          `json:"currency"`
	DocumentType  string          `json:"document_type"`
	Confidence    *float64        `json:"confidence"`
}

// parseMetadata accepts the English keys of the prompt and the German keys some
// models fall back to.
func parseMetadata(raw, documentType string) (domain.ExtractedMetadata, error) {
	var resp llmResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return domain.ExtractedMetadata{}, domain.WrapError(domain.ErrInvalidInput, "parse llm json", err)
	}

	md := domain.ExtractedMetadata{
		DocumentType: documentType,
		Source:       Name,
		Confidence:   defaultConfidence,
	}

	merchant := firstNonEmpty(resp.Merchant, resp.Korrespondent)
	md.Merchant = strings.Join(strings.Fields(merchant), " ")

	if d, ok := domain.ParseDate(firstNonEmpty(resp.Date, resp.IssueDate)); ok {
		md.Date = d
	}

	amountRaw := resp.Amount
	if len(amountRaw) == 0 || string(amountRaw) == "null" {
		amountRaw = resp.AmountValue
	}
	if minor, ok := parseAmountJSON(amountRaw); ok {
		currency := strings.ToUpper(strings.TrimSpace(resp.Currency))
		if len(currency) != 3 {
			currency = domain.DefaultCurrency
		}
		md.Amount = &domain.Amount{Minor: minor, Currency: currency}
	}

	if dt := strings.TrimSpace(resp.DocumentType); dt != "" {
		md.DocumentType = dt
	}
	if resp.Confidence != nil && *resp.Confidence >= 0 && *resp.Confidence <= 1 {
		md.Confidence = *resp.Confidence
	}
	return md, nil
}

// parseAmountJSON reads a number or a string. Models answer "0.00" for unknown totals.
func parseAmountJSON(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, false
		}
		value = n.String()
	}
	minor, ok := domain.ParseAmount(value)
	if !ok || minor == 0 {
		return 0, false
	}
	return minor, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
