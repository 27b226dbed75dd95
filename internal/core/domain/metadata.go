package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	UnknownMerchant     = "Unknown"
	DefaultCurrency     = "EUR"
	DefaultDocumentType = "Receipt"
	SourceFallback      = "fallback"
	dateLayout          = "2006-01-02"
)

// Amount is a monetary value in minor units (cents).
type Amount struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

// ExtractedMetadata is the result of the extraction chain for one file.
type ExtractedMetadata struct {
	Merchant     string    `json:"merchant"`
	Date         time.Time `json:"date"`
	Amount       *Amount   `json:"amount,omitempty"`
	DocumentType string    `json:"document_type"`
	Confidence   float64   `json:"confidence"`
	Source       string    `json:"source"`
}

// Complete reports whether the required fields (merchant, date) are populated.
func (m ExtractedMetadata) Complete() bool {
	merchant := strings.TrimSpace(m.Merchant)
	return merchant != "" && !strings.EqualFold(merchant, UnknownMerchant) && !m.Date.IsZero()
}

func (m ExtractedMetadata) DateISO() string {
	return m.Date.Format(dateLayout)
}

// FallbackMetadata is used when no stage produced an acceptable result.
func FallbackMetadata(processedAt time.Time, documentType string) ExtractedMetadata {
	if documentType == "" {
		documentType = DefaultDocumentType
	}
	y, mo, d := processedAt.Date()
	return ExtractedMetadata{
		Merchant:     UnknownMerchant,
		Date:         time.Date(y, mo, d, 0, 0, 0, 0, time.UTC),
		DocumentType: documentType,
		Source:       SourceFallback,
	}
}

// ExtractionInput carries what the orchestrator already knows about an artifact.
type ExtractionInput struct {
	Transcript     string
	PDFText        string
	ProcessingDate time.Time
}

// Text returns whichever text layer is available, transcript first.
func (in ExtractionInput) Text() string {
	if strings.TrimSpace(in.Transcript) != "" {
		return in.Transcript
	}
	return in.PDFText
}

// LLMRequest is one structured-extraction call. Image is nil for text-only calls.
type LLMRequest struct {
	Prompt    string
	Image     []byte
	ImageMIME string
	Text      string
}

// MerchantRule describes how to read a known merchant's PDF invoices.
type MerchantRule struct {
	Name         string   `yaml:"name" json:"name"`
	Signature    string   `yaml:"signature" json:"signature"`
	Merchant     string   `yaml:"merchant" json:"merchant"`
	DocumentType string   `yaml:"document_type" json:"document_type"`
	DateLabels   []string `yaml:"date_labels" json:"date_labels"`
	AmountLabels []string `yaml:"amount_labels" json:"amount_labels"`
}

// Title renders "YYYY-MM-DD - Merchant - 1.234,56"; unknown amounts drop the last segment.
func Title(m ExtractedMetadata) string {
	merchant := strings.TrimSpace(m.Merchant)
	if merchant == "" {
		merchant = UnknownMerchant
	}
	if m.Amount == nil {
		return fmt.Sprintf("%s - %s", m.DateISO(), merchant)
	}
	return fmt.Sprintf("%s - %s - %s", m.DateISO(), merchant, FormatAmountDE(m.Amount.Minor))
}

// FormatAmountDE formats minor units with dot thousands and comma decimals.
func FormatAmountDE(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	whole := strconv.FormatInt(minor/100, 10)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%s%s,%02d", sign, b.String(), minor%100)
}

var (
	titleDateRe   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}) - (.+)$`)
	titleAmountRe = regexp.MustCompile(`^(.+) - (-?\d{1,3}(?:\.\d{3})*,\d{2})$`)
)

// ParseTitle is the inverse of Title. The amount is nil when the title has none.
func ParseTitle(title string) (date time.Time, merchant string, amount *int64, ok bool) {
	m := titleDateRe.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return time.Time{}, "", nil, false
	}
	date, err := time.Parse(dateLayout, m[1])
	if err != nil {
		return time.Time{}, "", nil, false
	}
	rest := m[2]
	if am := titleAmountRe.FindStringSubmatch(rest); am != nil {
		if minor, ok := ParseAmount(am[2]); ok {
			return date, strings.TrimSpace(am[1]), &minor, true
		}
	}
	return date, strings.TrimSpace(rest), nil, true
}
