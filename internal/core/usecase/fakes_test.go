package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

// indexFake mirrors the transactional semantics of the SQL store in memory.
type indexFake struct {
	mu       sync.Mutex
	records  map[string]*domain.ProcessedRecord
	markErr  error
	leased   bool
	failures []string
	released []string
}

func newIndexFake() *indexFake {
	return &indexFake{records: make(map[string]*domain.ProcessedRecord)}
}

func (f *indexFake) put(rec domain.ProcessedRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.Filenames == nil {
		rec.Filenames = []string{}
	}
	f.records[rec.Hash] = &rec
}

func (f *indexFake) get(hash string) (domain.ProcessedRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[hash]
	if !ok {
		return domain.ProcessedRecord{}, false
	}
	out := *rec
	out.Filenames = append([]string(nil), rec.Filenames...)
	return out, true
}

func (f *indexFake) IsProcessed(_ context.Context, hash string) (bool, error) {
	rec, ok := f.get(hash)
	return ok && rec.InDMS(), nil
}

func (f *indexFake) MarkSeen(_ context.Context, hash string, filenames ...string) (domain.SeenResult, error) {
	if f.markErr != nil {
		return domain.SeenResult{}, f.markErr
	}
	f.mu.Lock()
	rec, ok := f.records[hash]
	created := !ok
	if !ok {
		rec = &domain.ProcessedRecord{Hash: hash, Status: domain.StatusSeen, Filenames: []string{}}
		f.records[hash] = rec
	}
	rec.Filenames, _ = domain.MergeFilenames(rec.Filenames, filenames...)
	f.mu.Unlock()

	out, _ := f.get(hash)
	return domain.SeenResult{Record: out, Created: created, Claimed: !f.leased}, nil
}

func (f *indexFake) RecordUploaded(_ context.Context, hash string, documentID *int, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[hash]
	if !ok {
		return domain.WrapError(domain.ErrRecordNotFound, "record uploaded", errors.New(hash))
	}
	if rec.Status != domain.StatusTagged {
		rec.Status = domain.StatusUploaded
	}
	if documentID != nil {
		rec.DocumentID = intPtr(*documentID)
	}
	if title != "" {
		rec.Title = title
	}
	rec.Error = ""
	return nil
}

func (f *indexFake) RecordTagged(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[hash]
	if !ok {
		return domain.WrapError(domain.ErrRecordNotFound, "record tagged", errors.New(hash))
	}
	rec.Status = domain.StatusTagged
	rec.Error = ""
	return nil
}

func (f *indexFake) RecordFailed(_ context.Context, hash, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[hash]
	if !ok {
		return domain.WrapError(domain.ErrRecordNotFound, "record failed", errors.New(hash))
	}
	if !rec.InDMS() {
		rec.Status = domain.StatusFailed
	}
	rec.Error = reason
	f.failures = append(f.failures, hash)
	return nil
}

func (f *indexFake) ClearAttention(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[hash]
	if !ok {
		return domain.WrapError(domain.ErrRecordNotFound, "clear attention", errors.New(hash))
	}
	if strings.HasPrefix(rec.Error, domain.AttentionPrefix) {
		rec.Error = ""
	}
	return nil
}

func (f *indexFake) Release(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, hash)
	return nil
}

func (f *indexFake) FindRemoteByTitle(_ context.Context, title string) ([]domain.ProcessedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ProcessedRecord
	for _, rec := range f.records {
		if rec.IsRemote() && rec.SupersededBy == "" && strings.EqualFold(rec.Title, title) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *indexFake) AdoptRemote(_ context.Context, hash, remoteKey string) (domain.ProcessedRecord, error) {
	f.mu.Lock()
	remote, ok := f.records[remoteKey]
	local, localOK := f.records[hash]
	if !ok || !localOK {
		f.mu.Unlock()
		return domain.ProcessedRecord{}, domain.ErrRecordNotFound
	}
	if remote.SupersededBy != "" {
		f.mu.Unlock()
		return domain.ProcessedRecord{}, domain.WrapError(domain.ErrConflict, "adopt remote", errors.New(remoteKey))
	}
	remote.SupersededBy = hash
	local.Status = domain.StatusUploaded
	local.DocumentID = intPtr(*remote.DocumentID)
	local.Title = remote.Title
	f.mu.Unlock()

	out, _ := f.get(hash)
	return out, nil
}

func (f *indexFake) ResyncFromRemote(ctx context.Context, lister ports.RemoteLister) (int, error) {
	inserted := 0
	err := lister.ListDocuments(ctx, func(doc domain.RemoteDocument) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, rec := range f.records {
			if strings.EqualFold(rec.Title, doc.Title) || (rec.DocumentID != nil && *rec.DocumentID == doc.ID) {
				return nil
			}
		}
		key := domain.RemoteKey(doc.ID)
		f.records[key] = &domain.ProcessedRecord{
			Hash:       key,
			DocumentID: intPtr(doc.ID),
			Title:      doc.Title,
			Filenames:  []string{},
			Status:     domain.StatusUploaded,
		}
		inserted++
		return nil
	})
	return inserted, err
}

func (f *indexFake) Get(_ context.Context, hash string) (domain.ProcessedRecord, error) {
	rec, ok := f.get(hash)
	if !ok {
		return domain.ProcessedRecord{}, domain.WrapError(domain.ErrRecordNotFound, "get record", errors.New(hash))
	}
	return rec, nil
}

func (f *indexFake) List(_ context.Context, filter domain.RecordFilter) ([]domain.ProcessedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.ProcessedRecord{}
	for _, rec := range f.records {
		if filter.Status == "" || rec.Status == filter.Status {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (f *indexFake) Count(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records), nil
}

// dmsFake is an in-memory DMS. autoTags are attached to every upload the way
// a server-side classifier would.
type dmsFake struct {
	mu          sync.Mutex
	nextDoc     int
	nextEntity  int
	docs        map[int]*domain.RemoteDocument
	entities    map[domain.EntityKind]map[string]int
	names       map[int]string
	autoTags    []string
	taskOnly    bool
	tasks       map[string]domain.TaskState
	created     []domain.UploadRequest
	updates     int
	findCalls   int
	raceOnce    map[string]bool
	createErr   error
	titleLookup map[string][]int
	titleCalls  int
}

func newDMSFake() *dmsFake {
	return &dmsFake{
		nextDoc:    1,
		nextEntity: 100,
		docs:       make(map[int]*domain.RemoteDocument),
		entities:   make(map[domain.EntityKind]map[string]int),
		names:      make(map[int]string),
		tasks:      make(map[string]domain.TaskState),
		raceOnce:   make(map[string]bool),
	}
}

func (f *dmsFake) entity(kind domain.EntityKind, name string) int {
	byName, ok := f.entities[kind]
	if !ok {
		byName = make(map[string]int)
		f.entities[kind] = byName
	}
	key := strings.ToLower(name)
	if id, ok := byName[key]; ok {
		return id
	}
	f.nextEntity++
	byName[key] = f.nextEntity
	f.names[f.nextEntity] = name
	return f.nextEntity
}

// seedDocument stores a document carrying the named tags.
func (f *dmsFake) seedDocument(id int, title string, tags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &domain.RemoteDocument{ID: id, Title: title, Tags: []int{}}
	for _, name := range tags {
		doc.Tags = append(doc.Tags, f.entity(domain.EntityTag, name))
	}
	f.docs[id] = doc
	if id >= f.nextDoc {
		f.nextDoc = id + 1
	}
}

func (f *dmsFake) tagNames(id int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(doc.Tags))
	for _, tag := range doc.Tags {
		out = append(out, f.names[tag])
	}
	sort.Strings(out)
	return out
}

func (f *dmsFake) ListDocuments(_ context.Context, fn func(domain.RemoteDocument) error) error {
	f.mu.Lock()
	ids := make([]int, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	docs := make([]domain.RemoteDocument, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, *f.docs[id])
	}
	f.mu.Unlock()

	for _, doc := range docs {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (f *dmsFake) CreateDocument(_ context.Context, req domain.UploadRequest) (domain.UploadReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.UploadReceipt{}, f.createErr
	}
	f.created = append(f.created, req)

	id := f.nextDoc
	f.nextDoc++
	doc := &domain.RemoteDocument{ID: id, Title: req.Title, Tags: append([]int{}, req.TagIDs...)}
	for _, name := range f.autoTags {
		doc.Tags = append(doc.Tags, f.entity(domain.EntityTag, name))
	}
	f.docs[id] = doc

	if f.taskOnly {
		task := "task-" + strconv.Itoa(id)
		f.tasks[task] = domain.TaskState{Status: "SUCCESS", DocumentID: intPtr(id)}
		return domain.UploadReceipt{TaskID: task}, nil
	}
	return domain.UploadReceipt{DocumentID: intPtr(id)}, nil
}

func (f *dmsFake) TaskStatus(_ context.Context, taskID string) (domain.TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.tasks[taskID]
	if !ok {
		return domain.TaskState{Status: "UNKNOWN"}, nil
	}
	return state, nil
}

func (f *dmsFake) GetDocument(_ context.Context, id int) (domain.RemoteDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return domain.RemoteDocument{}, domain.WrapError(domain.ErrNotFound, "get document", fmt.Errorf("%d", id))
	}
	out := *doc
	out.Tags = append([]int{}, doc.Tags...)
	return out, nil
}

func (f *dmsFake) UpdateTags(_ context.Context, id int, tagIDs []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "update tags", fmt.Errorf("%d", id))
	}
	doc.Tags = append([]int{}, tagIDs...)
	f.updates++
	return nil
}

func (f *dmsFake) FindByTitle(_ context.Context, title string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titleCalls++
	if ids, ok := f.titleLookup[title]; ok {
		return ids, nil
	}
	ids := []int{}
	for id, doc := range f.docs {
		if strings.EqualFold(doc.Title, title) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (f *dmsFake) FindEntity(_ context.Context, kind domain.EntityKind, name string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	id, ok := f.entities[kind][strings.ToLower(name)]
	return id, ok, nil
}

func (f *dmsFake) CreateEntity(_ context.Context, kind domain.EntityKind, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(kind) + "/" + strings.ToLower(name)
	if f.raceOnce[key] {
		// Another writer creates the entity between our lookup and create.
		delete(f.raceOnce, key)
		f.entity(kind, name)
		return 0, domain.WrapError(domain.ErrConflict, "create entity", errors.New(name))
	}
	if _, exists := f.entities[kind][strings.ToLower(name)]; exists {
		return 0, domain.WrapError(domain.ErrConflict, "create entity", errors.New(name))
	}
	return f.entity(kind, name), nil
}

type hasherFake map[string]string

func (f hasherFake) HashFile(_ context.Context, path string) (string, error) {
	hash, ok := f[path]
	if !ok {
		return "", domain.WrapError(domain.ErrInvalidInput, "hash file", errors.New("unreadable "+path))
	}
	return hash, nil
}

type storageFake struct {
	mu      sync.Mutex
	written map[string][]byte
	removed []string
}

func newStorageFake() *storageFake {
	return &storageFake{written: make(map[string][]byte)}
}

func (f *storageFake) WriteUnique(_ context.Context, name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join("/out", name)
	f.written[path] = data
	return path, nil
}

func (f *storageFake) ReadFile(_ context.Context, path string) ([]byte, error) {
	return []byte("image:" + path), nil
}

func (f *storageFake) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

// namerFake hands out sequential ids per prefix and reports the renamed paths
// without touching the filesystem.
type namerFake struct {
	next map[string]int
	err  error
}

func (f *namerFake) Allocate(md domain.ExtractedMetadata, _ []domain.NameTarget) (domain.Allocation, error) {
	if f.err != nil {
		return domain.Allocation{}, f.err
	}
	if f.next == nil {
		f.next = make(map[string]int)
	}
	alloc := domain.Allocation{Merchant: domain.SanitizeMerchant(md.Merchant), Date: md.DateISO()}
	prefix := alloc.Date + "_" + alloc.Merchant
	f.next[prefix]++
	alloc.ID = f.next[prefix]
	return alloc, nil
}

func (f *namerFake) Apply(alloc domain.Allocation, targets []domain.NameTarget) ([]string, error) {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, filepath.Join(filepath.Dir(t.Path), alloc.Base()+t.Ext()))
	}
	return out, nil
}

type transcriberFake struct {
	text string
	err  error
}

func (f transcriberFake) Transcribe(context.Context, []byte) (string, error) {
	return f.text, f.err
}

type overlayFake struct {
	err error
}

func (f overlayFake) CreateSearchablePDF(context.Context, []byte, string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.4"), nil
}

type stageFake struct {
	name  string
	kinds []domain.ArtifactKind
	md    domain.ExtractedMetadata
	err   error
	calls int
}

func (s *stageFake) Name() string { return s.name }

func (s *stageFake) CanHandle(artifact domain.SourceArtifact) bool {
	for _, k := range s.kinds {
		if k == artifact.Kind {
			return true
		}
	}
	return false
}

func (s *stageFake) TryExtract(context.Context, domain.SourceArtifact, domain.ExtractionInput) (domain.ExtractedMetadata, error) {
	s.calls++
	return s.md, s.err
}

type publisherFake struct {
	events []domain.ReceiptSynced
	err    error
}

func (f *publisherFake) PublishReceiptSynced(_ context.Context, event domain.ReceiptSynced) error {
	f.events = append(f.events, event)
	return f.err
}

func storeMetadata(confidence float64) domain.ExtractedMetadata {
	return domain.ExtractedMetadata{
		Merchant:   "Store",
		Date:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Amount:     &domain.Amount{Minor: 1234, Currency: "EUR"},
		Confidence: confidence,
	}
}
