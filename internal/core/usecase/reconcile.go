package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

// ResourceReconciler resolves DMS entities by name and enforces document tags.
// Resolved ids are cached for the lifetime of one run.
type ResourceReconciler struct {
	dms     ports.DocumentStore
	policy  domain.TagPolicy
	metrics ports.PipelineMetrics
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]domain.EntityRef
}

func NewResourceReconciler(dms ports.DocumentStore, policy domain.TagPolicy, metrics ports.PipelineMetrics, logger *slog.Logger) *ResourceReconciler {
	if policy == "" {
		policy = domain.TagPolicyOverwrite
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceReconciler{
		dms:     dms,
		policy:  policy,
		metrics: metricsOrNoop(metrics),
		logger:  logger,
		cache:   make(map[string]domain.EntityRef),
	}
}

// ResetCache drops resolved ids; called at the start of every run since the DMS
// is the source of truth.
func (r *ResourceReconciler) ResetCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]domain.EntityRef)
}

func cacheKey(kind domain.EntityKind, name string) string {
	return string(kind) + "\x00" + strings.ToLower(name)
}

// Resolve returns the id of the named entity, creating it when absent. A create
// that loses a race to another writer is resolved by a second lookup.
func (r *ResourceReconciler) Resolve(ctx context.Context, kind domain.EntityKind, name string) (int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, domain.WrapError(domain.ErrInvalidInput, "resolve "+string(kind), errors.New("empty name"))
	}
	key := cacheKey(kind, name)

	r.mu.Lock()
	ref, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return ref.ID, nil
	}

	id, err := r.ensure(ctx, kind, name)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.cache[key] = domain.EntityRef{Kind: kind, Name: name, ID: id}
	r.mu.Unlock()
	return id, nil
}

func (r *ResourceReconciler) ensure(ctx context.Context, kind domain.EntityKind, name string) (int, error) {
	id, found, err := r.dms.FindEntity(ctx, kind, name)
	if err != nil {
		return 0, fmt.Errorf("find %s %q: %w", kind, name, err)
	}
	if found {
		return id, nil
	}

	id, err = r.dms.CreateEntity(ctx, kind, name)
	if err == nil {
		r.logger.Info("dms_entity_created", "kind", string(kind), "name", name, "id", id)
		return id, nil
	}
	if !domain.IsKind(err, domain.ErrConflict) {
		return 0, fmt.Errorf("create %s %q: %w", kind, name, err)
	}

	id, found, findErr := r.dms.FindEntity(ctx, kind, name)
	if findErr != nil {
		return 0, fmt.Errorf("re-resolve %s %q: %w", kind, name, findErr)
	}
	if !found {
		return 0, domain.WrapError(domain.ErrTemporary, "re-resolve "+string(kind), fmt.Errorf("%q reported as existing but not found", name))
	}
	return id, nil
}

// ResolveTags resolves every tag name and returns the sorted, de-duplicated ids.
func (r *ResourceReconciler) ResolveTags(ctx context.Context, names []string) ([]int, error) {
	seen := make(map[int]struct{}, len(names))
	ids := make([]int, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		id, err := r.Resolve(ctx, domain.EntityTag, name)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// EnforceTags makes the document's tag set match desired under the configured
// policy with at most one update call. Under overwrite an empty desired set
// strips every tag.
func (r *ResourceReconciler) EnforceTags(ctx context.Context, documentID int, desired []int) (domain.TagDiff, error) {
	doc, err := r.dms.GetDocument(ctx, documentID)
	if err != nil {
		return domain.TagDiff{}, fmt.Errorf("fetch document %d: %w", documentID, err)
	}

	diff := domain.DiffTags(doc.Tags, desired, r.policy)
	if diff.Empty() {
		return diff, nil
	}
	if err := r.dms.UpdateTags(ctx, documentID, diff.Final); err != nil {
		return domain.TagDiff{}, fmt.Errorf("update tags of document %d: %w", documentID, err)
	}
	r.metrics.ObserveTagChanges(len(diff.Added), len(diff.Removed))
	r.logger.Info("dms_tags_enforced",
		"document_id", documentID,
		"added", diff.Added,
		"removed", diff.Removed,
		"policy", string(r.policy),
	)
	return diff, nil
}
