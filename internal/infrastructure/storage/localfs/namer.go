package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

const maxNameProbes = 100000

// Namer hands out "<date>_<merchant>_<n>" names. The numeric id is shared by every
// file of one artifact set (the image and its generated PDF).
type Namer struct {
	mu       sync.Mutex
	reserved map[string]map[int]struct{}
	exists   func(path string) bool
}

func NewNamer() *Namer {
	return &Namer{
		reserved: make(map[string]map[int]struct{}),
		exists:   fileExists,
	}
}

// Allocate returns the first id not present on disk in any target directory and
// not handed out earlier in this run. A file already carrying a matching name keeps
// its id while no other file claims it, so re-running on a renamed artifact is stable.
func (n *Namer) Allocate(md domain.ExtractedMetadata, targets []domain.NameTarget) (domain.Allocation, error) {
	if len(targets) == 0 {
		return domain.Allocation{}, domain.WrapError(domain.ErrInvalidInput, "allocate name", errors.New("no targets"))
	}
	alloc := domain.Allocation{
		Merchant: domain.SanitizeMerchant(md.Merchant),
		Date:     md.DateISO(),
	}
	prefix := alloc.Date + "_" + alloc.Merchant + "_"

	n.mu.Lock()
	defer n.mu.Unlock()

	own := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		own[filepath.Clean(t.Path)] = struct{}{}
	}
	exts := probeExtensions(targets)
	dirs := targetDirs(targets)

	if id, ok := existingID(prefix, targets); ok && !n.taken(prefix+strconv.Itoa(id), dirs, exts, own) {
		alloc.ID = id
		n.reserve(prefix, id)
		return alloc, nil
	}

	for id := 1; id <= maxNameProbes; id++ {
		if _, taken := n.reserved[prefix][id]; taken {
			continue
		}
		if n.taken(prefix+strconv.Itoa(id), dirs, exts, own) {
			continue
		}
		alloc.ID = id
		n.reserve(prefix, id)
		return alloc, nil
	}
	return domain.Allocation{}, domain.WrapError(domain.ErrConflict, "allocate name", fmt.Errorf("no free id for %s", prefix))
}

// Apply renames every target to the allocated base name. Already renamed files
// are moved back when a later rename fails.
func (n *Namer) Apply(alloc domain.Allocation, targets []domain.NameTarget) ([]string, error) {
	type move struct{ from, to string }
	done := make([]move, 0, len(targets))
	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			_ = os.Rename(done[i].to, done[i].from)
		}
	}

	out := make([]string, 0, len(targets))
	for _, t := range targets {
		dest := filepath.Join(dirOf(t), alloc.Base()+t.Ext())
		if filepath.Clean(dest) == filepath.Clean(t.Path) {
			out = append(out, t.Path)
			continue
		}
		if n.exists(dest) {
			rollback()
			return nil, domain.WrapError(domain.ErrConflict, "rename artifact", fmt.Errorf("%s already exists", dest))
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			rollback()
			return nil, fmt.Errorf("create target dir: %w", err)
		}
		if err := os.Rename(t.Path, dest); err != nil {
			rollback()
			return nil, fmt.Errorf("rename %s: %w", t.Path, err)
		}
		done = append(done, move{from: t.Path, to: dest})
		out = append(out, dest)
	}
	return out, nil
}

func (n *Namer) reserve(prefix string, id int) {
	ids, ok := n.reserved[prefix]
	if !ok {
		ids = make(map[int]struct{})
		n.reserved[prefix] = ids
	}
	ids[id] = struct{}{}
}

func (n *Namer) taken(base string, dirs, exts []string, own map[string]struct{}) bool {
	for _, dir := range dirs {
		for _, ext := range exts {
			path := filepath.Clean(filepath.Join(dir, base+ext))
			if _, mine := own[path]; mine {
				continue
			}
			if n.exists(path) {
				return true
			}
		}
	}
	return false
}

func existingID(prefix string, targets []domain.NameTarget) (int, bool) {
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d+)$`)
	for _, t := range targets {
		stem := strings.TrimSuffix(filepath.Base(t.Path), filepath.Ext(t.Path))
		m := re.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		if id, err := strconv.Atoi(m[1]); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

// probeExtensions covers the target extensions, the JPEG family, PDFs and their
// upper-case spellings.
func probeExtensions(targets []domain.NameTarget) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 16)
	add := func(ext string) {
		for _, v := range []string{strings.ToLower(ext), strings.ToUpper(ext)} {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, t := range targets {
		add(t.Ext())
	}
	for _, ext := range domain.JPEGExtensions {
		add(ext)
	}
	add(".pdf")
	return out
}

func targetDirs(targets []domain.NameTarget) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		dir := filepath.Clean(dirOf(t))
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		out = append(out, dir)
	}
	return out
}

func dirOf(t domain.NameTarget) string {
	if t.Dir != "" {
		return t.Dir
	}
	return filepath.Dir(t.Path)
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
