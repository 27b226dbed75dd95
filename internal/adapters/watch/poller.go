package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

type Config struct {
	Dir string
	// Extensions narrows the accepted files further; empty accepts every image and PDF.
	Extensions     []string
	SettleDuration time.Duration
}

// Poller lists the watched directory on demand. It keeps no state between polls.
type Poller struct {
	dir     string
	allowed map[string]struct{}
	settle  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config, logger *slog.Logger) (*Poller, error) {
	dir, err := normalizeDir(cfg.Dir)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfig, "watch dir", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfig, "watch dir", err)
	}
	if !info.IsDir() {
		return nil, domain.WrapError(domain.ErrConfig, "watch dir", fmt.Errorf("%s is not a directory", dir))
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]struct{}, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}

	return &Poller{
		dir:     dir,
		allowed: allowed,
		settle:  cfg.SettleDuration,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (p *Poller) Dir() string {
	return p.dir
}

// Poll returns the current image and PDF files sorted by name. A missing
// directory is reported as an empty poll.
func (p *Poller) Poll(ctx context.Context) ([]domain.SourceArtifact, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("watch_dir_missing", "dir", p.dir)
			return []domain.SourceArtifact{}, nil
		}
		return nil, fmt.Errorf("read watch dir: %w", err)
	}

	now := p.now()
	out := make([]domain.SourceArtifact, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		kind := domain.ClassifyExtension(entry.Name())
		if kind == domain.KindIgnored {
			continue
		}
		if len(p.allowed) > 0 {
			if _, ok := p.allowed[strings.ToLower(filepath.Ext(entry.Name()))]; !ok {
				continue
			}
		}

		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if p.settle > 0 && now.Sub(info.ModTime()) < p.settle {
			p.logger.Debug("file_not_settled", "file", entry.Name())
			continue
		}

		out = append(out, domain.SourceArtifact{
			Path:         filepath.Join(p.dir, entry.Name()),
			Kind:         kind,
			Size:         info.Size(),
			DiscoveredAt: now.UTC(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func normalizeDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", errors.New("empty path")
	}
	dir = os.ExpandEnv(dir)
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return abs, nil
}
