package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

// fakeClock advances only when the resolver sleeps.
type fakeClock struct {
	now    time.Time
	sleeps int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps++
	c.now = c.now.Add(d)
	return nil
}

func newTestResolver(dms *dmsFake, timeout time.Duration) (*IDResolver, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := NewIDResolver(dms, IDResolverOptions{PollTimeout: timeout, PollInterval: time.Second, Logger: discardLogger()})
	r.now = clock.Now
	r.sleep = clock.Sleep
	return r, clock
}

type taskSequence struct {
	*dmsFake
	states []domain.TaskState
	errs   []error
	calls  int
}

func (s *taskSequence) TaskStatus(context.Context, string) (domain.TaskState, error) {
	i := min(s.calls, len(s.states)-1)
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.states[i], err
}

func TestResolveUsesDirectID(t *testing.T) {
	r, _ := newTestResolver(newDMSFake(), time.Minute)
	id, err := r.Resolve(context.Background(), domain.UploadReceipt{DocumentID: intPtr(42), TaskID: "t"}, "x")
	if err != nil || id != 42 {
		t.Fatalf("Resolve() = %d, %v", id, err)
	}
}

func TestResolvePollsTaskUntilDocumentAppears(t *testing.T) {
	seq := &taskSequence{
		dmsFake: newDMSFake(),
		states: []domain.TaskState{
			{Status: "PENDING"},
			{},
			{Status: "SUCCESS", DocumentID: intPtr(17)},
		},
		errs: []error{nil, domain.WrapError(domain.ErrTemporary, "task", errors.New("502"))},
	}
	clock := &fakeClock{now: time.Unix(0, 0)}
	r := NewIDResolver(seq, IDResolverOptions{PollTimeout: time.Minute, PollInterval: time.Second, Logger: discardLogger()})
	r.now = clock.Now
	r.sleep = clock.Sleep

	id, err := r.Resolve(context.Background(), domain.UploadReceipt{TaskID: "t-1"}, "title")
	if err != nil || id != 17 {
		t.Fatalf("Resolve() = %d, %v", id, err)
	}
	if seq.calls != 3 || clock.sleeps != 2 {
		t.Fatalf("expected 3 polls and 2 sleeps, got %d and %d", seq.calls, clock.sleeps)
	}
}

func TestResolveFailedTaskFallsBackToTitle(t *testing.T) {
	seq := &taskSequence{
		dmsFake: newDMSFake(),
		states:  []domain.TaskState{{Status: "FAILURE", Message: "duplicate"}},
	}
	seq.seedDocument(8, "2024-01-01 - Store - 12,34")
	r := NewIDResolver(seq, IDResolverOptions{PollTimeout: time.Minute, Logger: discardLogger()})

	id, err := r.Resolve(context.Background(), domain.UploadReceipt{TaskID: "t-1"}, "2024-01-01 - Store - 12,34")
	if err != nil || id != 8 {
		t.Fatalf("Resolve() = %d, %v", id, err)
	}
	if seq.calls != 1 {
		t.Fatalf("failed task must not be polled again, got %d calls", seq.calls)
	}
}

func TestResolvePollTimeoutFallsBackToTitle(t *testing.T) {
	seq := &taskSequence{dmsFake: newDMSFake(), states: []domain.TaskState{{Status: "STARTED"}}}
	seq.seedDocument(3, "title")
	clock := &fakeClock{now: time.Unix(0, 0)}
	r := NewIDResolver(seq, IDResolverOptions{PollTimeout: 5 * time.Second, PollInterval: 2 * time.Second, Logger: discardLogger()})
	r.now = clock.Now
	r.sleep = clock.Sleep

	id, err := r.Resolve(context.Background(), domain.UploadReceipt{TaskID: "t"}, "title")
	if err != nil || id != 3 {
		t.Fatalf("Resolve() = %d, %v", id, err)
	}
	if clock.sleeps != 2 {
		t.Fatalf("expected polling to stop at the deadline, got %d sleeps", clock.sleeps)
	}
}

func TestResolveWithoutPollingGoesStraightToTitle(t *testing.T) {
	dms := newDMSFake()
	dms.seedDocument(5, "title")
	dms.tasks["t"] = domain.TaskState{Status: "SUCCESS", DocumentID: intPtr(99)}
	r, clock := newTestResolver(dms, 0)

	id, err := r.Resolve(context.Background(), domain.UploadReceipt{TaskID: "t"}, "title")
	if err != nil || id != 5 {
		t.Fatalf("Resolve() = %d, %v", id, err)
	}
	if clock.sleeps != 0 {
		t.Fatalf("expected no polling")
	}
}

func TestResolveByTitleRequiresExactlyOneMatch(t *testing.T) {
	dms := newDMSFake()
	dms.seedDocument(1, "dup")
	dms.seedDocument(2, "DUP")
	r, _ := newTestResolver(dms, 0)

	tests := []struct {
		name  string
		title string
	}{
		{name: "none", title: "missing"},
		{name: "many", title: "dup"},
		{name: "blank", title: " "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.ResolveByTitle(context.Background(), tc.title); !domain.IsKind(err, domain.ErrAmbiguous) {
				t.Fatalf("expected ErrAmbiguous, got %v", err)
			}
		})
	}
}

func TestResolvePollingHonoursCancellation(t *testing.T) {
	seq := &taskSequence{dmsFake: newDMSFake(), states: []domain.TaskState{{Status: "PENDING"}}}
	r := NewIDResolver(seq, IDResolverOptions{PollTimeout: 2 * time.Hour, PollInterval: time.Hour, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, domain.UploadReceipt{TaskID: "t"}, "title")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
