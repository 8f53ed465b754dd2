// Package telemetry defines the append-only metrics channel the
// scheduler emits timing records to, per spec.md §6. The scheduler
// itself only depends on the Sink interface; internal/metrics supplies
// the default Prometheus-backed implementation.
package telemetry

import (
	"time"

	"github.com/apexbuild/scheduler/internal/asset"
)

// BuilderBuildRecord is the per-builder build timing record.
type BuilderBuildRecord struct {
	AssetID          asset.ID
	EngineType       asset.EngineType
	BuilderClassName string
	Duration         time.Duration
}

// TopLevelBuildRecord is the structured timing dump emitted once by
// Orchestrator.BuildAsset when it was entered at depth 0; a direct
// Orchestrator.Build call emits none.
type TopLevelBuildRecord struct {
	AssetID          asset.ID
	EngineType       asset.EngineType
	DependencyCheck  time.Duration
	Download         time.Duration
	Upload           time.Duration
	BuildDuration    time.Duration
	Initialization   time.Duration
	GatherJobs       time.Duration
	CreateSignatures time.Duration
	Unaccounted      time.Duration
	Total            time.Duration
}

// AssetBuiltEvent is the event surface from spec.md §6. The
// orchestrator emits it from its own goroutine: Download events in
// Phase I, and Clean events in Phase K after the worker pool has
// returned, not from the worker goroutine that ran the build.
type AssetBuiltEvent struct {
	AssetID asset.ID
	Result  string // "Clean" or "Download"
}

// Sink is the telemetry collaborator: an append-only channel the
// scheduler calls with timing records and built events. Concrete
// relational storage is out of scope per spec.md §1; this interface is
// all the scheduler depends on.
type Sink interface {
	RecordBuilderBuild(BuilderBuildRecord)
	RecordTopLevelBuild(TopLevelBuildRecord)
	RecordAssetBuilt(AssetBuiltEvent)
}

// NopSink discards every record; useful as a default in tests and
// dry-run mode.
type NopSink struct{}

func (NopSink) RecordBuilderBuild(BuilderBuildRecord)   {}
func (NopSink) RecordTopLevelBuild(TopLevelBuildRecord) {}
func (NopSink) RecordAssetBuilt(AssetBuiltEvent)        {}
