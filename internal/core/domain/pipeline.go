package domain

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Stage is a state of one file in the ingestion pipeline.
type Stage string

const (
	StageDiscovered      Stage = "discovered"
	StageHashed          Stage = "hashed"
	StageSkipped         Stage = "skipped"
	StageTranscribing    Stage = "transcribing"
	StageOverlaying      Stage = "overlaying"
	StageExtracting      Stage = "extracting"
	StageRenaming        Stage = "renaming"
	StageUploading       Stage = "uploading"
	StageResolvingID     Stage = "resolving_id"
	StageReconcilingTags Stage = "reconciling_tags"
	StageRecorded        Stage = "recorded"
	StageFailed          Stage = "failed"
)

// Outcome summarizes what happened to one artifact.
type Outcome struct {
	Artifact   SourceArtifact `json:"artifact"`
	Stage      Stage          `json:"stage"`
	FailedAt   Stage          `json:"failed_at,omitempty"`
	Resumed    bool           `json:"resumed,omitempty"`
	Adopted    bool           `json:"adopted,omitempty"`
	DocumentID *int           `json:"document_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Err        error          `json:"-"`
	Duration   time.Duration  `json:"duration"`
}

// Allocation is a collision-free name assignment shared by an artifact set.
type Allocation struct {
	ID       int
	Merchant string
	Date     string
}

// Base is the extension-less file name "<date>_<merchant>_<id>".
func (a Allocation) Base() string {
	return a.Date + "_" + a.Merchant + "_" + strconv.Itoa(a.ID)
}

// NameTarget is one file of an artifact set that receives the shared name.
type NameTarget struct {
	Path string
	Dir  string
}

// Ext is the lowercased extension the renamed file keeps.
func (t NameTarget) Ext() string {
	return strings.ToLower(filepath.Ext(t.Path))
}

// ReceiptSynced is published after a file reaches the recorded state.
type ReceiptSynced struct {
	Hash       string    `json:"hash"`
	DocumentID int       `json:"document_id"`
	Title      string    `json:"title"`
	Merchant   string    `json:"merchant"`
	Tags       []string  `json:"tags"`
	SyncedAt   time.Time `json:"synced_at"`
}
