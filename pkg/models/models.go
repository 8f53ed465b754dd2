// Package models holds the persisted row types for the dependency
// graph: one record per input/output artifact, keyed by (path,
// format-version), GORM-tagged in the teacher's idiom.
package models

import (
	"time"

	"gorm.io/gorm"
)

// DependencyKind distinguishes an on-disk file record from an
// in-memory data blob record, the two DependencyInfo subtypes spec.md
// §3 calls for.
type DependencyKind string

const (
	DependencyKindFile DependencyKind = "file"
	DependencyKindBlob DependencyKind = "blob"
)

// DependencyRecord is the persisted row for a DependencyInfo record
// (graph.Info).
// Records are identified by (Path, FormatVersion); Hash holds the
// cached content hash used for cheap staleness checks, and
// VersionRowID points at the canonical signature row this artifact was
// last matched against.
type DependencyRecord struct {
	ID        uint           `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`

	Path          string         `gorm:"uniqueIndex:idx_dependency_path_version;not null"`
	FormatVersion int            `gorm:"uniqueIndex:idx_dependency_path_version;not null"`
	Kind          DependencyKind `gorm:"not null;default:'file'"`

	// LastModified and Size back the cheap size+mtime staleness check;
	// a full rehash only runs when LastModified has changed and Size
	// still matches.
	LastModified time.Time
	Size         int64
	Hash         string `gorm:"index"`
	Valid        bool   `gorm:"default:true"`

	// VersionRowID references the SignatureRecord this artifact's hash
	// was last verified against.
	VersionRowID uint `gorm:"index"`
}

// SignatureRecord is one canonical signature computed by
// CreateSignatures for an output artifact: the aggregate content hash
// over its ordered transitive inputs, persisted so CreateSignatures
// (without force) and IsUpToDate can reuse it across scheduler
// restarts.
type SignatureRecord struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	OutputPath    string `gorm:"uniqueIndex:idx_signature_output_version;not null"`
	FormatVersion int    `gorm:"uniqueIndex:idx_signature_output_version;not null"`
	Signature     string `gorm:"index;not null"`

	// InputCount records how many input hashes were folded into
	// Signature, useful for diagnosing an unexpectedly-stale build.
	InputCount int
}

// CacheBlobRecord tracks which signatures have a payload currently
// present in the content cache's S3 blob store; the Redis presence
// index is the hot path, this table is the durable fallback used to
// rebuild that index after a Redis flush.
type CacheBlobRecord struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Signature string `gorm:"uniqueIndex;not null"`
	SizeBytes int64
	StoredAt  time.Time
}
