// Package graph implements the Dependency Graph: a persistent store of
// (path, format-version, hash) records with operations to compute
// aggregated content signatures over a job's inputs and to record the
// canonical signature once a build succeeds. Grounded on
// internal/db/database.go's GORM/Postgres wiring.
package graph

import (
	"crypto/sha256"
	"fmt"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/apexbuild/scheduler/internal/logging"
	"github.com/apexbuild/scheduler/pkg/models"

	"go.uber.org/zap"
)

// Output is one output artifact a job declares: its identity, the
// ordered inputs its signature is computed over, and the Downloaded
// flag Phase H's cache pull sets on a hit.
type Output struct {
	Path          string
	FormatVersion int
	Inputs        []Info

	Signature  string
	Downloaded bool
}

// DependencyGraph is the process-wide store described in spec.md §4.3,
// persisted via GORM/Postgres.
type DependencyGraph struct {
	db *gorm.DB
}

// New constructs a DependencyGraph over an already-migrated GORM
// connection (see db.NewDatabase).
func New(gdb *gorm.DB) *DependencyGraph {
	return &DependencyGraph{db: gdb}
}

// CreateSignatures computes an aggregate content signature per output
// from its ordered, transitive inputs and persists it. Optional inputs
// that no longer exist on disk are skipped and logged; all other
// inputs are required, and a missing required input fails signature
// creation for that output. When force is false, an output that
// already has a persisted signature reuses it as-is; its inputs are
// not checked for changes.
func (g *DependencyGraph) CreateSignatures(outputs []*Output, force bool) error {
	for _, out := range outputs {
		if !force {
			var existing models.SignatureRecord
			err := g.db.Where("output_path = ? AND format_version = ?", out.Path, out.FormatVersion).
				First(&existing).Error
			if err == nil {
				out.Signature = existing.Signature
				continue
			}
		}

		h := sha256.New()
		inputCount := 0
		for _, in := range out.Inputs {
			missing, err := in.Missing()
			if err != nil {
				return fmt.Errorf("graph: checking %s: %w", in.Path(), err)
			}
			if missing {
				if in.Optional() {
					logging.L().Debug("skipping missing optional input",
						zap.String("path", in.Path()))
					continue
				}
				return fmt.Errorf("graph: required input %s is missing", in.Path())
			}
			valid, err := in.IsHashValid()
			if err != nil {
				return fmt.Errorf("graph: validating hash for %s: %w", in.Path(), err)
			}
			if !valid {
				if err := in.RegenerateHash(); err != nil {
					return fmt.Errorf("graph: regenerating hash for %s: %w", in.Path(), err)
				}
			}
			if err := in.AppendToSignature(h); err != nil {
				return fmt.Errorf("graph: appending %s to signature: %w", in.Path(), err)
			}
			inputCount++
		}

		signature := fmt.Sprintf("%x", h.Sum(nil))
		out.Signature = signature

		record := models.SignatureRecord{
			OutputPath:    out.Path,
			FormatVersion: out.FormatVersion,
			Signature:     signature,
			InputCount:    inputCount,
		}
		if err := g.db.Where("output_path = ? AND format_version = ?", out.Path, out.FormatVersion).
			Assign(record).
			FirstOrCreate(&models.SignatureRecord{}).Error; err != nil {
			return fmt.Errorf("graph: persisting signature for %s: %w", out.Path, err)
		}
	}
	return nil
}

// UpdateOutputs records the current hashes as the canonical version
// for the given output records. Idempotent, and safe to call
// concurrently for disjoint output sets — each row is upserted
// independently and GORM serializes individual statement execution
// against the connection pool.
func (g *DependencyGraph) UpdateOutputs(outputs []*Output) error {
	for _, out := range outputs {
		var size int64
		var modTime time.Time
		var hashValue string
		if fd, ok := firstFileDependencyWithPath(out.Inputs, out.Path); ok {
			hashValue = fd.Hash()
		} else {
			hashValue = out.Signature
		}
		if info, err := os.Stat(out.Path); err == nil {
			size = info.Size()
			modTime = info.ModTime()
		}

		record := models.DependencyRecord{
			Path:          out.Path,
			FormatVersion: out.FormatVersion,
			Kind:          models.DependencyKindFile,
			Hash:          hashValue,
			Size:          size,
			LastModified:  modTime,
			Valid:         true,
		}
		if err := g.db.Where("path = ? AND format_version = ?", out.Path, out.FormatVersion).
			Assign(record).
			FirstOrCreate(&models.DependencyRecord{}).Error; err != nil {
			return fmt.Errorf("graph: updating output %s: %w", out.Path, err)
		}
	}
	return nil
}

// firstFileDependencyWithPath exists only to keep UpdateOutputs honest
// about preferring a file's own regenerated hash over its aggregate
// signature when the output happens to also appear among its own
// input list (the degenerate single-file builder case).
func firstFileDependencyWithPath(inputs []Info, path string) (*FileDependency, bool) {
	for _, in := range inputs {
		if fd, ok := in.(*FileDependency); ok && fd.Path() == path {
			return fd, true
		}
	}
	return nil, false
}

// IsUpToDate reports whether every input's cached hash is valid and
// every output already has a persisted signature matching the one
// CreateSignatures would compute now. Per spec.md §4.3, the cheap
// checks run first; a full rehash only happens when IsHashValid
// reports staleness.
//
// This is the Dependency Graph's own up-to-date check, distinct from
// builder.Builder.IsUpToDate, which the orchestrator calls directly in
// Phase D. It exists for a concrete builder plug-in to call from its
// own IsUpToDate implementation; since builder plug-ins are external
// and out of scope here (spec.md §1, the same reason cmd/scheduler's
// builder registry is constructed empty), nothing in this repository
// calls it outside of tests.
func (g *DependencyGraph) IsUpToDate(outputs []*Output) (bool, error) {
	for _, out := range outputs {
		for _, in := range out.Inputs {
			missing, err := in.Missing()
			if err != nil {
				return false, err
			}
			if missing {
				if in.Optional() {
					continue
				}
				return false, nil
			}
			valid, err := in.IsHashValid()
			if err != nil {
				return false, err
			}
			if !valid {
				return false, nil
			}
		}

		var existing models.SignatureRecord
		err := g.db.Where("output_path = ? AND format_version = ?", out.Path, out.FormatVersion).
			First(&existing).Error
		if err != nil {
			return false, nil
		}

		h := sha256.New()
		for _, in := range out.Inputs {
			missing, _ := in.Missing()
			if missing && in.Optional() {
				continue
			}
			if err := in.AppendToSignature(h); err != nil {
				return false, err
			}
		}
		computed := fmt.Sprintf("%x", h.Sum(nil))
		if computed != existing.Signature {
			return false, nil
		}

		// Existence check only: a missing DependencyRecord means
		// UpdateOutputs never ran for this output, so it cannot be
		// up to date regardless of what the signature comparison above
		// found. The row's fields aren't otherwise needed here.
		var depRecord models.DependencyRecord
		if err := g.db.Where("path = ? AND format_version = ?", out.Path, out.FormatVersion).
			First(&depRecord).Error; err != nil {
			return false, nil
		}
	}
	return true, nil
}
