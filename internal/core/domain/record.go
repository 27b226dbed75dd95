package domain

import (
	"strconv"
	"strings"
	"time"
)

type RecordStatus string

const (
	StatusSeen     RecordStatus = "seen"
	StatusUploaded RecordStatus = "uploaded"
	StatusTagged   RecordStatus = "tagged"
	StatusFailed   RecordStatus = "failed"
)

// RemoteKeyPrefix marks records synthesized from the DMS during resync.
const RemoteKeyPrefix = "remote:"

// AttentionPrefix starts the stored error of a record parked until an
// operator clears it with indexctl retry.
const AttentionPrefix = "needs attention: "

// ProcessedRecord is the durable per-hash pipeline state.
type ProcessedRecord struct {
	Hash         string       `json:"hash"`
	DocumentID   *int         `json:"document_id,omitempty"`
	Title        string       `json:"title,omitempty"`
	Filenames    []string     `json:"filenames"`
	Status       RecordStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
	SupersededBy string       `json:"superseded_by,omitempty"`
	LeaseOwner   string       `json:"lease_owner,omitempty"`
	LeaseUntil   *time.Time   `json:"lease_until,omitempty"`
	FirstSeenAt  time.Time    `json:"first_seen_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// InDMS reports whether the document already exists remotely.
func (r ProcessedRecord) InDMS() bool {
	return r.Status == StatusUploaded || r.Status == StatusTagged
}

// NeedsAttention reports a record parked after an ambiguous DMS state. The
// pipeline skips it until the marker is cleared.
func (r ProcessedRecord) NeedsAttention() bool {
	return r.Status != StatusTagged && strings.HasPrefix(r.Error, AttentionPrefix)
}

func (r ProcessedRecord) IsRemote() bool {
	return IsRemoteKey(r.Hash)
}

func RemoteKey(docID int) string {
	return RemoteKeyPrefix + strconv.Itoa(docID)
}

func IsRemoteKey(hash string) bool {
	return strings.HasPrefix(hash, RemoteKeyPrefix)
}

// MergeFilenames appends names not already present, keeping first-seen order.
func MergeFilenames(existing []string, names ...string) ([]string, bool) {
	out := append([]string(nil), existing...)
	seen := make(map[string]struct{}, len(existing))
	for _, n := range existing {
		seen[n] = struct{}{}
	}
	changed := false
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
		changed = true
	}
	if out == nil {
		out = []string{}
	}
	return out, changed
}

// SeenResult is the outcome of the atomic check-and-mark step.
// Claimed is false when another live pipeline instance holds the record.
type SeenResult struct {
	Record  ProcessedRecord
	Created bool
	Claimed bool
}

// RecordFilter narrows index listings.
type RecordFilter struct {
	Status RecordStatus
	Limit  int
}
