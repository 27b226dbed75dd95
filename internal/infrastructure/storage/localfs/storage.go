package localfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

// Storage writes generated artifacts (searchable PDFs) into the output directory.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/output"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, domain.WrapError(domain.ErrConfig, "create output dir", err)
	}
	return &Storage{basePath: basePath}, nil
}

func (s *Storage) Dir() string {
	return s.basePath
}

// WriteUnique stores data under name, appending "-2", "-3", ... to the stem when
// the name is taken. It never overwrites an existing file.
func (s *Storage) WriteUnique(_ context.Context, name string, data []byte) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", domain.WrapError(domain.ErrInvalidInput, "write artifact", errors.New("empty file name"))
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 1; i < 10000; i++ {
		candidate := name
		if i > 1 {
			candidate = stem + "-" + strconv.Itoa(i) + ext
		}
		path := filepath.Join(s.basePath, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create file: %w", err)
		}
		if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("write file: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("close file: %w", err)
		}
		return path, nil
	}
	return "", domain.WrapError(domain.ErrConflict, "write artifact", fmt.Errorf("no free name for %s", name))
}

func (s *Storage) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "read file", err)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// Remove deletes a generated artifact. Only files under the output directory
// may be removed; source files are never touched. A missing file is not an error.
func (s *Storage) Remove(_ context.Context, path string) error {
	base, err := filepath.Abs(s.basePath)
	if err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return domain.WrapError(domain.ErrInvalidInput, "remove artifact", fmt.Errorf("%s is outside %s", path, s.basePath))
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}
