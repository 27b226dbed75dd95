package domain

import (
	"sort"
	"strings"
	"time"
)

// EntityKind is a DMS resource addressed by name.
type EntityKind string

const (
	EntityCorrespondent EntityKind = "correspondents"
	EntityDocumentType  EntityKind = "document_types"
	EntityTag           EntityKind = "tags"
)

// EntityRef is a resolved name -> id pair, cached for one run only.
type EntityRef struct {
	Kind EntityKind
	Name string
	ID   int
}

// RemoteDocument is the subset of a DMS document the pipeline reads.
type RemoteDocument struct {
	ID               int    `json:"id"`
	Title            string `json:"title"`
	Tags             []int  `json:"tags"`
	Correspondent    *int   `json:"correspondent,omitempty"`
	DocumentType     *int   `json:"document_type,omitempty"`
	OriginalFileName string `json:"original_file_name,omitempty"`
}

// UploadRequest is the payload of a DMS document upload.
type UploadRequest struct {
	FilePath        string
	Title           string
	Created         time.Time
	CorrespondentID *int
	DocumentTypeID  *int
	TagIDs          []int
}

// UploadReceipt is what the DMS returned: an id, an async task reference, or both.
type UploadReceipt struct {
	DocumentID *int
	TaskID     string
}

// TaskState is the progress of an asynchronous DMS consumption task.
type TaskState struct {
	Status     string
	DocumentID *int
	Message    string
}

func (s TaskState) Done() bool {
	switch strings.ToUpper(s.Status) {
	case "SUCCESS", "FAILURE", "REVOKED":
		return true
	}
	return s.DocumentID != nil
}

func (s TaskState) Failed() bool {
	switch strings.ToUpper(s.Status) {
	case "FAILURE", "REVOKED":
		return true
	}
	return false
}

// TagPolicy decides how desired tags combine with tags already on a document.
type TagPolicy string

const (
	TagPolicyOverwrite TagPolicy = "overwrite"
	TagPolicyMerge     TagPolicy = "merge"
)

// TagDiff is the symmetric difference between current and desired tag ids.
type TagDiff struct {
	Added   []int
	Removed []int
	Final   []int
}

func (d TagDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffTags computes the target tag set under policy and its delta against current.
func DiffTags(current, desired []int, policy TagPolicy) TagDiff {
	cur := toSet(current)
	target := toSet(desired)
	if policy == TagPolicyMerge {
		for id := range cur {
			target[id] = struct{}{}
		}
	}
	var diff TagDiff
	for id := range target {
		if _, ok := cur[id]; !ok {
			diff.Added = append(diff.Added, id)
		}
		diff.Final = append(diff.Final, id)
	}
	for id := range cur {
		if _, ok := target[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Ints(diff.Added)
	sort.Ints(diff.Removed)
	sort.Ints(diff.Final)
	if diff.Final == nil {
		diff.Final = []int{}
	}
	return diff
}

func toSet(ids []int) map[int]struct{} {
	out := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
