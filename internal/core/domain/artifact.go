package domain

import (
	"path/filepath"
	"strings"
	"time"
)

type ArtifactKind string

const (
	KindImage   ArtifactKind = "image"
	KindPDF     ArtifactKind = "pdf"
	KindIgnored ArtifactKind = "other"
)

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".jpe":  {},
	".jfif": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
}

// JPEGExtensions share one id sequence when names are allocated.
var JPEGExtensions = []string{".jpg", ".jpeg", ".jpe", ".jfif"}

// ClassifyExtension maps a file name to its artifact kind.
func ClassifyExtension(name string) ArtifactKind {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".pdf" {
		return KindPDF
	}
	if _, ok := imageExtensions[ext]; ok {
		return KindImage
	}
	return KindIgnored
}

// SourceArtifact is a single discovered file. Its dedup identity is Hash, not Path.
type SourceArtifact struct {
	Path         string       `json:"path"`
	Kind         ArtifactKind `json:"kind"`
	Hash         string       `json:"hash,omitempty"`
	Size         int64        `json:"size"`
	DiscoveredAt time.Time    `json:"discovered_at"`
}

func (a SourceArtifact) Name() string {
	return filepath.Base(a.Path)
}

func (a SourceArtifact) Ext() string {
	return filepath.Ext(a.Path)
}

// WithHash returns a copy carrying the content hash.
func (a SourceArtifact) WithHash(hash string) SourceArtifact {
	a.Hash = hash
	return a
}
