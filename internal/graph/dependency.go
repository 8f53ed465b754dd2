package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"time"
)

// Info is one DependencyInfo record: either an input or an output
// artifact. FileDependency and BlobDependency are its two subtypes,
// distinguishing on-disk files from in-memory data blobs, per spec.md
// §3.
type Info interface {
	// Path is the artifact's identity path (on disk, or a logical key
	// for a blob).
	Path() string
	// FormatVersion is the version expected by this artifact's spec.
	FormatVersion() int
	// Optional inputs that no longer exist are skipped and logged
	// rather than treated as a staleness failure.
	Optional() bool

	// IsHashValid reports whether the cached hash still matches the
	// artifact's current content, using the cheap size+mtime check
	// before falling back to a full rehash.
	IsHashValid() (bool, error)
	// RegenerateHash recomputes and caches the content hash.
	RegenerateHash() error
	// WasModified reports whether the artifact's mtime has advanced
	// since the hash was last cached.
	WasModified() (bool, error)
	// AppendToSignature streams this artifact's cached hash into h, in
	// the order CreateSignatures visits its inputs.
	AppendToSignature(h hash.Hash) error
	// Hash returns the currently cached content hash.
	Hash() string
	// Missing reports whether the artifact does not exist (for a
	// BlobDependency, true only when it holds no data).
	Missing() (bool, error)
}

// FileDependency is an on-disk artifact: its hash is derived from file
// content, staleness checked cheaply via size+mtime before a full
// rehash.
type FileDependency struct {
	path          string
	formatVersion int
	optional      bool

	hash         string
	size         int64
	lastModified time.Time
}

// NewFileDependency constructs a FileDependency for path at
// formatVersion.
func NewFileDependency(path string, formatVersion int, optional bool) *FileDependency {
	return &FileDependency{path: path, formatVersion: formatVersion, optional: optional}
}

func (f *FileDependency) Path() string          { return f.path }
func (f *FileDependency) FormatVersion() int     { return f.formatVersion }
func (f *FileDependency) Optional() bool         { return f.optional }
func (f *FileDependency) Hash() string           { return f.hash }

// Seed installs a previously-persisted hash/size/mtime triple so
// IsHashValid can do the cheap check without a fresh RegenerateHash.
func (f *FileDependency) Seed(hashValue string, size int64, lastModified time.Time) {
	f.hash = hashValue
	f.size = size
	f.lastModified = lastModified
}

func (f *FileDependency) Missing() (bool, error) {
	_, err := os.Stat(f.path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (f *FileDependency) WasModified() (bool, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return false, err
	}
	return !info.ModTime().Equal(f.lastModified) || info.Size() != f.size, nil
}

func (f *FileDependency) IsHashValid() (bool, error) {
	missing, err := f.Missing()
	if err != nil {
		return false, err
	}
	if missing {
		return false, nil
	}
	if f.hash == "" {
		return false, nil
	}
	modified, err := f.WasModified()
	if err != nil {
		return false, err
	}
	if !modified {
		// Size+mtime unchanged: cheap check passes without reading
		// file content.
		return true, nil
	}
	// A size change means the content changed, so the cached hash is
	// stale without reading the file. A full rehash runs only when the
	// mtime changed and the size still matches.
	info, err := os.Stat(f.path)
	if err != nil {
		return false, err
	}
	if info.Size() != f.size {
		return false, nil
	}
	before := f.hash
	if err := f.RegenerateHash(); err != nil {
		return false, err
	}
	return f.hash == before, nil
}

func (f *FileDependency) RegenerateHash() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("graph: reading %s: %w", f.path, err)
	}
	sum := sha256.Sum256(data)
	f.hash = hex.EncodeToString(sum[:])
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("graph: statting %s: %w", f.path, err)
	}
	f.size = info.Size()
	f.lastModified = info.ModTime()
	return nil
}

func (f *FileDependency) AppendToSignature(h hash.Hash) error {
	if f.hash == "" {
		if err := f.RegenerateHash(); err != nil {
			return err
		}
	}
	_, err := h.Write([]byte(f.hash))
	return err
}

// BlobDependency is an in-memory data blob: its hash is derived
// directly from the held bytes, with no filesystem staleness check.
type BlobDependency struct {
	path          string
	formatVersion int
	optional      bool
	data          []byte
	hash          string
}

// NewBlobDependency constructs a BlobDependency over data, keyed by a
// logical path used for identity/signature bookkeeping.
func NewBlobDependency(path string, formatVersion int, optional bool, data []byte) *BlobDependency {
	sum := sha256.Sum256(data)
	return &BlobDependency{
		path:          path,
		formatVersion: formatVersion,
		optional:      optional,
		data:          data,
		hash:          hex.EncodeToString(sum[:]),
	}
}

func (b *BlobDependency) Path() string      { return b.path }
func (b *BlobDependency) FormatVersion() int { return b.formatVersion }
func (b *BlobDependency) Optional() bool     { return b.optional }
func (b *BlobDependency) Hash() string       { return b.hash }

func (b *BlobDependency) Missing() (bool, error)      { return b.data == nil, nil }
func (b *BlobDependency) WasModified() (bool, error)  { return false, nil }
func (b *BlobDependency) IsHashValid() (bool, error)  { return b.data != nil, nil }

func (b *BlobDependency) RegenerateHash() error {
	sum := sha256.Sum256(b.data)
	b.hash = hex.EncodeToString(sum[:])
	return nil
}

func (b *BlobDependency) AppendToSignature(h hash.Hash) error {
	_, err := h.Write([]byte(b.hash))
	return err
}
