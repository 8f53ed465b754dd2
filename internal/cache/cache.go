// Package cache implements the Content Cache: a pull/push blob store
// keyed by output signature, fronted by a fast Redis presence index in
// front of a durable S3 blob store. Per spec.md §4.4, both Get and Put
// are bulk-batched I/O calls with no fairness requirement between
// concurrent callers — parallelized here with golang.org/x/sync/errgroup.
package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/apexbuild/scheduler/internal/graph"
	"github.com/apexbuild/scheduler/internal/logging"
	"github.com/apexbuild/scheduler/internal/metrics"
	"github.com/apexbuild/scheduler/pkg/models"

	"go.uber.org/zap"
)

// ContentCache is the scheduler's pull/push cache collaborator. db is
// optional: when nil, Put skips the CacheBlobRecord upsert and
// RebuildIndexFromDB is a no-op, which keeps cache.New usable in tests
// that have no Postgres connection available.
type ContentCache struct {
	index *PresenceIndex
	blobs *BlobStore
	db    *gorm.DB
	// Concurrency bounds how many outputs are fetched/pushed in
	// parallel per Get/Put call.
	Concurrency int
}

// New constructs a ContentCache over an already-connected presence
// index and blob store, persisting CacheBlobRecord rows through db.
func New(index *PresenceIndex, blobs *BlobStore, db *gorm.DB) *ContentCache {
	return &ContentCache{index: index, blobs: blobs, db: db, Concurrency: 8}
}

// Get attempts to satisfy each output from the cache: for every output
// whose signature is present, it fetches the payload, writes it to the
// output's path, and sets Downloaded = true. Misses leave Downloaded
// false. Cache name "content" is used for the hit/miss telemetry.
func (c *ContentCache) Get(ctx context.Context, outputs []*graph.Output) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Concurrency)

	for _, out := range outputs {
		out := out
		g.Go(func() error {
			if out.Signature == "" {
				return nil
			}
			present, err := c.index.Has(gctx, out.Signature)
			if err != nil {
				return fmt.Errorf("cache: presence check for %s: %w", out.Path, err)
			}
			metrics.Get().RecordCacheHit("content", present)
			if !present {
				out.Downloaded = false
				return nil
			}

			data, err := c.blobs.DownloadBytes(gctx, out.Signature)
			if err != nil {
				logging.L().Warn("cache get: blob missing despite index hit",
					zap.String("signature", out.Signature), zap.Error(err))
				out.Downloaded = false
				return nil
			}
			if err := os.WriteFile(out.Path, data, 0o644); err != nil {
				return fmt.Errorf("cache: writing %s: %w", out.Path, err)
			}
			out.Downloaded = true
			return nil
		})
	}
	return g.Wait()
}

// Put uploads each output's current payload under its current
// signature. Idempotent, last-writer-wins: a concurrent Put for the
// same signature simply overwrites the same bytes.
func (c *ContentCache) Put(ctx context.Context, outputs []*graph.Output) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Concurrency)

	for _, out := range outputs {
		out := out
		g.Go(func() error {
			if out.Signature == "" {
				return nil
			}
			data, err := os.ReadFile(out.Path)
			if err != nil {
				return fmt.Errorf("cache: reading %s for upload: %w", out.Path, err)
			}
			if err := c.blobs.UploadBytes(gctx, out.Signature, data); err != nil {
				return fmt.Errorf("cache: uploading %s: %w", out.Path, err)
			}
			if err := c.index.Mark(gctx, out.Signature, int64(len(data))); err != nil {
				return fmt.Errorf("cache: marking %s present: %w", out.Path, err)
			}
			if err := c.upsertBlobRecord(gctx, out.Signature, int64(len(data))); err != nil {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// upsertBlobRecord persists signature as present in the durable
// CacheBlobRecord table; RebuildIndexFromDB replays this table into the
// Redis presence index after a flush. A nil db (tests, dry-run mode)
// makes this a no-op.
func (c *ContentCache) upsertBlobRecord(ctx context.Context, signature string, sizeBytes int64) error {
	if c.db == nil {
		return nil
	}
	record := models.CacheBlobRecord{
		Signature: signature,
		SizeBytes: sizeBytes,
		StoredAt:  time.Now(),
	}
	if err := c.db.WithContext(ctx).Where("signature = ?", signature).
		Assign(record).
		FirstOrCreate(&models.CacheBlobRecord{}).Error; err != nil {
		return fmt.Errorf("cache: recording blob %s: %w", signature, err)
	}
	return nil
}

// RebuildIndexFromDB replays every persisted CacheBlobRecord into the
// Redis presence index, for use at startup after a Redis flush — the
// durable-fallback role CacheBlobRecord's docstring describes. A nil db
// makes this a no-op.
func (c *ContentCache) RebuildIndexFromDB(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	var batch []models.CacheBlobRecord
	return c.db.WithContext(ctx).FindInBatches(&batch, 500, func(tx *gorm.DB, batchNum int) error {
		for _, rec := range batch {
			if err := c.index.Mark(ctx, rec.Signature, rec.SizeBytes); err != nil {
				return fmt.Errorf("cache: rebuilding index entry for %s: %w", rec.Signature, err)
			}
		}
		return nil
	}).Error
}
