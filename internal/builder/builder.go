// Package builder defines the plug-in contract every builder module
// honours and the registry that maps an asset's engine type to the set
// of builder factories that can produce it.
package builder

import (
	"context"
	"fmt"

	"github.com/apexbuild/scheduler/internal/asset"
	"github.com/apexbuild/scheduler/internal/graph"
)

// Options is a polymorphic, builder-specific configuration bag. When a
// job carries no options the orchestrator installs DefaultOptions.
type Options interface {
	// BuilderTypeID names the builder type this options value targets,
	// so the orchestrator can sanity-check it is handed to the right
	// builder.
	BuilderTypeID() TypeID
}

// DefaultOptions is installed on a job whose Options is nil at
// expansion time.
type DefaultOptions struct {
	Type TypeID
}

func (d DefaultOptions) BuilderTypeID() TypeID { return d.Type }

// TypeID is a stable identifier for a builder type, supplied by its
// factory. Using a factory-assigned id instead of an instance pointer
// sidesteps the "virtual-table pointer as identity" pitfall called out
// for the fingerprint: identity must survive across builder instances
// allocated for different jobs of the same type.
type TypeID string

// DependentPass is the monotonically increasing pass index threaded
// through GatherDependentJobs during Phase E's post-dependent
// iteration.
type DependentPass int

// Builder is the capability interface every builder plug-in module
// must honour. A single builder instance is bound to exactly one asset
// and one Options value for its lifetime. Its job keeps the reference
// after the worker pool's InvokeBuild returns: the orchestrator still
// reads GraphOutputs from it in Phase K.
type Builder interface {
	// TypeID returns the stable identity supplied by this builder's
	// factory; part of a job's fingerprint.
	TypeID() TypeID

	// Initialize binds the builder to the given asset and options. It
	// is called before GetBuildString: in Phase A for jobs handed to
	// Build, and in ProcessNewJobs for gathered jobs. A builder whose
	// job is handed on to a nested Build level is initialized again in
	// that level's Phase A, so it may be called more than once.
	Initialize(ctx context.Context, a asset.Asset, opts Options) error

	// GetBuildString returns a stable string describing this
	// builder-for-asset binding; combined with the asset id and
	// TypeID it forms the job's fingerprint.
	GetBuildString() string

	// RegisterInputs declares the builder's output files to the
	// dependency graph ahead of the up-to-date check, if
	// NeedsPreRegisterInputs is true, or lazily otherwise.
	RegisterInputs(ctx context.Context, outputs []string) error

	// IsUpToDate reports whether every declared output already has a
	// valid, matching signature.
	IsUpToDate(ctx context.Context) (bool, error)

	// NeedsPreRegisterInputs reports whether RegisterInputs must run
	// before IsUpToDate (Phase D) rather than after.
	NeedsPreRegisterInputs() bool

	// NeedsThreadAffinity reports whether this builder's Build must
	// run on the thread that entered the orchestrator (the foreground
	// queue) rather than a background pool worker.
	NeedsThreadAffinity() bool

	// GatherJobs produces the builder's initial set of sub-build jobs
	// (Phase B).
	GatherJobs(ctx context.Context) ([]NewJob, error)

	// GatherDependentJobs produces additional sub-build jobs for the
	// given pass of Phase E's post-dependent iteration. The iteration
	// ends after the first pass in which every job's call returns an
	// empty slice; until then a builder is called again on each pass
	// even if it returned nothing before.
	GatherDependentJobs(ctx context.Context, pass DependentPass) ([]NewJob, error)

	// GatherPostJobs produces jobs that must build after this job's
	// own Build() has completed (Phase G/N).
	GatherPostJobs(ctx context.Context) ([]NewJob, error)

	// Build executes the builder, returning true on a clean success
	// and false on a "dirty" (no error, but not clean) result. Errors
	// returned here, or recorded via the console error stream during
	// the call, force the job's result to Failure.
	Build(ctx context.Context) (bool, error)

	// GetOutputDirectory is where this builder's log sinks and output
	// files are written.
	GetOutputDirectory() string

	// GetAssetClass names the terminal segment used for per-builder-
	// class telemetry (e.g. "TextureBuilder").
	GetAssetClass() string

	// OutputFiles lists the paths this builder declares as outputs,
	// populated once RegisterInputs has run.
	OutputFiles() []string

	// GraphOutputs returns one graph.Output descriptor per declared
	// output file, each carrying the ordered list of inputs its
	// signature is computed over. Populated once RegisterInputs has
	// run; empty before that.
	GraphOutputs() []*graph.Output
}

// NewJob is the lightweight descriptor builders return from GatherJobs,
// GatherDependentJobs, and GatherPostJobs: enough to construct a
// BuildJob without importing internal/job here (which would create an
// import cycle, since job imports builder for the Builder interface).
type NewJob struct {
	Asset   asset.Asset
	Options Options
	// Builder is non-nil when the caller already knows which single
	// builder instance to bind; left nil to let the orchestrator
	// allocate one builder per registered factory for Asset's engine
	// type.
	Builder Builder
	Flags   uint32
}

// Factory constructs a fresh Builder instance for one asset. Factories
// are registered per EngineType; AllocateBuilders invokes every
// registered factory for the requested type, one builder per factory.
type Factory func() Builder

// Registry maps an EngineType to the builder factories that can
// produce assets of that type, grounded on the teacher's
// PackageType -> PackageManager registry shape (internal/packages/manager.go),
// retargeted here from one-manager-per-type to many-factories-per-type
// since a single asset may need several builders (e.g. a texture that
// also needs a mip-map builder).
type Registry struct {
	factories map[asset.EngineType][]Factory
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[asset.EngineType][]Factory)}
}

// Register adds a builder factory for the given engine type.
func (r *Registry) Register(engineType asset.EngineType, f Factory) {
	r.factories[engineType] = append(r.factories[engineType], f)
}

// AllocateBuilders instantiates one builder per factory registered for
// engineType. Returns an error if no factory is registered — the
// orchestrator treats this as a BuilderInitError.
func (r *Registry) AllocateBuilders(engineType asset.EngineType) ([]Builder, error) {
	factories, ok := r.factories[engineType]
	if !ok || len(factories) == 0 {
		return nil, fmt.Errorf("builder: no factory registered for engine type %q", engineType)
	}
	builders := make([]Builder, 0, len(factories))
	for _, f := range factories {
		builders = append(builders, f())
	}
	return builders, nil
}
