package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

// Hasher computes the SHA-256 digest of a file's full byte content.
type Hasher struct{}

func (Hasher) HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "open source file", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", domain.WrapError(domain.ErrInvalidInput, "hash source file", fmt.Errorf("%s: %w", path, err))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops large copies when the run is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
