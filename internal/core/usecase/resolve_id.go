package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

type IDResolverOptions struct {
	PollTimeout  time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// IDResolver finds the DMS id of a freshly uploaded document: from the upload
// response, then by polling the consumption task, then by exact title.
type IDResolver struct {
	dms          ports.DocumentStore
	pollTimeout  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewIDResolver(dms ports.DocumentStore, options IDResolverOptions) *IDResolver {
	interval := options.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IDResolver{
		dms:          dms,
		pollTimeout:  options.PollTimeout,
		pollInterval: interval,
		logger:       logger,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

func (r *IDResolver) Resolve(ctx context.Context, receipt domain.UploadReceipt, title string) (int, error) {
	if receipt.DocumentID != nil && *receipt.DocumentID > 0 {
		return *receipt.DocumentID, nil
	}
	if receipt.TaskID != "" && r.pollTimeout > 0 {
		id, ok, err := r.pollTask(ctx, receipt.TaskID)
		if err != nil {
			return 0, err
		}
		if ok {
			return id, nil
		}
	}
	return r.ResolveByTitle(ctx, title)
}

// pollTask waits for the task to report a document id. A failed task or an
// exhausted budget falls through to the title lookup.
func (r *IDResolver) pollTask(ctx context.Context, taskID string) (int, bool, error) {
	deadline := r.now().Add(r.pollTimeout)
	for {
		state, err := r.dms.TaskStatus(ctx, taskID)
		switch {
		case err != nil && !domain.IsKind(err, domain.ErrTemporary):
			r.logger.Warn("dms_task_status_failed", "task_id", taskID, "error", err)
			return 0, false, nil
		case err == nil && state.DocumentID != nil:
			return *state.DocumentID, true, nil
		case err == nil && state.Failed():
			r.logger.Warn("dms_task_failed", "task_id", taskID, "message", state.Message)
			return 0, false, nil
		case err == nil && state.Done():
			return 0, false, nil
		}

		if !r.now().Add(r.pollInterval).Before(deadline) {
			r.logger.Warn("dms_task_poll_timeout", "task_id", taskID, "timeout", r.pollTimeout)
			return 0, false, nil
		}
		if err := r.sleep(ctx, r.pollInterval); err != nil {
			return 0, false, err
		}
	}
}

// ResolveByTitle succeeds only on exactly one match.
func (r *IDResolver) ResolveByTitle(ctx context.Context, title string) (int, error) {
	if strings.TrimSpace(title) == "" {
		return 0, domain.WrapError(domain.ErrAmbiguous, "resolve document id", errors.New("record has no title"))
	}
	ids, err := r.dms.FindByTitle(ctx, title)
	if err != nil {
		return 0, fmt.Errorf("find document by title: %w", err)
	}
	switch len(ids) {
	case 1:
		return ids[0], nil
	case 0:
		return 0, domain.WrapError(domain.ErrAmbiguous, "resolve document id", fmt.Errorf("no document titled %q", title))
	default:
		return 0, domain.WrapError(domain.ErrAmbiguous, "resolve document id", fmt.Errorf("%d documents titled %q: %v", len(ids), title, ids))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
