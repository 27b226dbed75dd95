package pdftext

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

const defaultMaxPages = 20

// Reader extracts the embedded text layer of a PDF. Scanned PDFs without a text
// layer yield an empty string, not an error.
type Reader struct {
	maxPages int
}

func NewReader(maxPages int) *Reader {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &Reader{maxPages: maxPages}
}

func (r *Reader) Text(ctx context.Context, path string) (text string, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if rec := recover(); rec != nil {
			text = ""
			err = domain.WrapError(domain.ErrInvalidInput, "read pdf text", fmt.Errorf("%s: %v", path, rec))
		}
	}()

	f, doc, err := pdf.Open(path)
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "open pdf", err)
	}
	defer f.Close()

	var b strings.Builder
	pages := doc.NumPage()
	if pages > r.maxPages {
		pages = r.maxPages
	}
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", domain.WrapError(domain.ErrInvalidInput, "read pdf page", fmt.Errorf("page %d: %w", i, err))
		}
		b.WriteString(content)
		b.WriteString("\n")
	}

	out := strings.TrimSpace(b.String())
	if !utf8.ValidString(out) {
		out = strings.ToValidUTF8(out, "")
	}
	return out, nil
}
