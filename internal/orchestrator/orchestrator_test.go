package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexbuild/scheduler/internal/asset"
	"github.com/apexbuild/scheduler/internal/buildctx"
	"github.com/apexbuild/scheduler/internal/builder"
	"github.com/apexbuild/scheduler/internal/graph"
	"github.com/apexbuild/scheduler/internal/job"
	"github.com/apexbuild/scheduler/internal/telemetry"
	"github.com/apexbuild/scheduler/internal/worker"
)

// fakeBuilder is a minimal in-test builder.Builder implementation. Every
// Gather* hook defaults to "no additional jobs"; tests override only
// what they need.
type fakeBuilder struct {
	typeID      builder.TypeID
	buildString string
	upToDate    bool
	buildFn     func(ctx context.Context) (bool, error)

	gatherJobs          func(ctx context.Context) ([]builder.NewJob, error)
	gatherDependentJobs func(ctx context.Context, pass builder.DependentPass) ([]builder.NewJob, error)
	gatherPostJobs      func(ctx context.Context) ([]builder.NewJob, error)

	buildCalls int
}

func (f *fakeBuilder) TypeID() builder.TypeID { return f.typeID }
func (f *fakeBuilder) Initialize(ctx context.Context, a asset.Asset, opts builder.Options) error {
	return nil
}
func (f *fakeBuilder) GetBuildString() string                           { return f.buildString }
func (f *fakeBuilder) RegisterInputs(ctx context.Context, outputs []string) error { return nil }
func (f *fakeBuilder) IsUpToDate(ctx context.Context) (bool, error)      { return f.upToDate, nil }
func (f *fakeBuilder) NeedsPreRegisterInputs() bool                     { return false }
func (f *fakeBuilder) NeedsThreadAffinity() bool                        { return false }
func (f *fakeBuilder) GatherJobs(ctx context.Context) ([]builder.NewJob, error) {
	if f.gatherJobs != nil {
		return f.gatherJobs(ctx)
	}
	return nil, nil
}
func (f *fakeBuilder) GatherDependentJobs(ctx context.Context, pass builder.DependentPass) ([]builder.NewJob, error) {
	if f.gatherDependentJobs != nil {
		return f.gatherDependentJobs(ctx, pass)
	}
	return nil, nil
}
func (f *fakeBuilder) GatherPostJobs(ctx context.Context) ([]builder.NewJob, error) {
	if f.gatherPostJobs != nil {
		return f.gatherPostJobs(ctx)
	}
	return nil, nil
}
func (f *fakeBuilder) Build(ctx context.Context) (bool, error) {
	f.buildCalls++
	if f.buildFn != nil {
		return f.buildFn(ctx)
	}
	return true, nil
}
func (f *fakeBuilder) GetOutputDirectory() string   { return "" }
func (f *fakeBuilder) GetAssetClass() string        { return "FakeBuilder" }
func (f *fakeBuilder) OutputFiles() []string        { return nil }
func (f *fakeBuilder) GraphOutputs() []*graph.Output { return nil }

// recordingSink captures every record handed to it, for assertions on
// what BuildAsset/Build reported.
type recordingSink struct {
	topLevel []telemetry.TopLevelBuildRecord
	built    []telemetry.AssetBuiltEvent
}

func (s *recordingSink) RecordBuilderBuild(telemetry.BuilderBuildRecord) {}
func (s *recordingSink) RecordTopLevelBuild(r telemetry.TopLevelBuildRecord) {
	s.topLevel = append(s.topLevel, r)
}
func (s *recordingSink) RecordAssetBuilt(e telemetry.AssetBuiltEvent) {
	s.built = append(s.built, e)
}

func newTestOrchestrator(sink telemetry.Sink) *Orchestrator {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	g := graph.New(nil)
	pool := worker.New(g, sink)
	return New(builder.NewRegistry(), g, nil, pool, sink)
}

func buildJobFor(id asset.ID, flags job.Flags, fb *fakeBuilder) *job.Build {
	j := job.NewBuild(asset.New(id, "texture", "crate"), flags)
	j.Builder = fb
	j.Options = builder.DefaultOptions{}
	return j
}

func TestBuildMarksUpToDateJobSkipWithoutInvokingBuild(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "t", buildString: "v1", upToDate: true}
	j := buildJobFor(1, job.FlagNone, fb)

	require.NoError(t, o.Build(context.Background(), bc, []*job.Build{j}, -1))
	assert.Equal(t, job.ResultSkip, j.Result)
	assert.Equal(t, 0, fb.buildCalls)
}

func TestBuildRunsNotUpToDateJobAndMarksClean(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "t", buildString: "v1", upToDate: false}
	j := buildJobFor(1, job.FlagNone, fb)

	require.NoError(t, o.Build(context.Background(), bc, []*job.Build{j}, -1))
	assert.Equal(t, job.ResultClean, j.Result)
	assert.Equal(t, 1, fb.buildCalls)
}

func TestBuildRequiredFailureAbortsWithoutHaltOnError(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "t", buildString: "v1", buildFn: func(ctx context.Context) (bool, error) {
		return false, assert.AnError
	}}
	j := buildJobFor(1, job.FlagRequired, fb)

	err := o.Build(context.Background(), bc, []*job.Build{j}, -1)
	require.Error(t, err)
	var abortErr *job.AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, job.AbortBuildFailure, abortErr.Kind)
}

func TestBuildOptionalFailureDoesNotAbort(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "t", buildString: "v1", buildFn: func(ctx context.Context) (bool, error) {
		return false, assert.AnError
	}}
	j := buildJobFor(1, job.FlagNone, fb)

	err := o.Build(context.Background(), bc, []*job.Build{j}, -1)
	require.NoError(t, err)
	assert.Equal(t, job.ResultFailure, j.Result)
	assert.True(t, bc.Failed(asset.ID(1)))
}

func TestBuildPropagatesRequiredDependentDirtyResult(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)

	childBuilder := &fakeBuilder{typeID: "child", buildString: "child", buildFn: func(ctx context.Context) (bool, error) {
		return false, nil // Dirty: no error, not clean.
	}}
	parentBuilder := &fakeBuilder{typeID: "parent", buildString: "parent"}
	parentBuilder.gatherJobs = func(ctx context.Context) ([]builder.NewJob, error) {
		return []builder.NewJob{{
			Asset:   asset.New(2, "texture", "child-asset"),
			Builder: childBuilder,
			Flags:   uint32(job.FlagRequired),
		}}, nil
	}

	parent := buildJobFor(1, job.FlagRequired, parentBuilder)

	err := o.Build(context.Background(), bc, []*job.Build{parent}, -1)
	require.NoError(t, err, "a Required job returning Dirty does not itself abort the level")
	assert.Equal(t, job.ResultFailure, parent.Result, "parent must inherit failure from its Required, Dirty dependent")
}

func TestBuildGathersJobsTransitivelyFromDependentJobsOwnGatherJobs(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)

	grandchildBuilder := &fakeBuilder{typeID: "grandchild", buildString: "grandchild"}
	childBuilder := &fakeBuilder{typeID: "child", buildString: "child"}
	childBuilder.gatherJobs = func(ctx context.Context) ([]builder.NewJob, error) {
		return []builder.NewJob{{
			Asset:   asset.New(3, "texture", "grandchild-asset"),
			Builder: grandchildBuilder,
			Flags:   uint32(job.FlagNone),
		}}, nil
	}
	parentBuilder := &fakeBuilder{typeID: "parent", buildString: "parent"}
	parentBuilder.gatherJobs = func(ctx context.Context) ([]builder.NewJob, error) {
		return []builder.NewJob{{
			Asset:   asset.New(2, "texture", "child-asset"),
			Builder: childBuilder,
			Flags:   uint32(job.FlagNone),
		}}, nil
	}

	parent := buildJobFor(1, job.FlagNone, parentBuilder)

	require.NoError(t, o.Build(context.Background(), bc, []*job.Build{parent}, -1))
	assert.Equal(t, 1, grandchildBuilder.buildCalls, "a job produced by a dependent job's GatherJobs must itself be gathered from and built")
}

func TestBuildAssetEmitsTopLevelTelemetryOnlyAtDepthZero(t *testing.T) {
	sink := &recordingSink{}
	o := newTestOrchestrator(sink)
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "t", buildString: "v1"}
	o.Builders.Register(asset.EngineType("texture"), func() builder.Builder { return fb })

	a := asset.New(5, "texture", "crate")
	require.NoError(t, o.BuildAsset(context.Background(), bc, a, builder.DefaultOptions{}))

	require.Len(t, sink.topLevel, 1)
	assert.Equal(t, asset.ID(5), sink.topLevel[0].AssetID)

	exit := bc.EnterLevel()
	require.NoError(t, o.BuildAsset(context.Background(), bc, a, builder.DefaultOptions{}))
	exit()
	assert.Len(t, sink.topLevel, 1, "a BuildAsset call entered below depth 0 must not emit another top-level record")
}

func TestPlanReportsSkipWithoutInvokingBuild(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "t", buildString: "v1", upToDate: true}
	j := buildJobFor(1, job.FlagNone, fb)

	entries, err := o.Plan(context.Background(), bc, []*job.Build{j})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].WouldSkip)
	assert.Equal(t, 0, fb.buildCalls, "Plan must never invoke Builder.Build")
}

func TestPlanReportsPendingForStaleJob(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "t", buildString: "v1", upToDate: false}
	j := buildJobFor(1, job.FlagNone, fb)

	entries, err := o.Plan(context.Background(), bc, []*job.Build{j})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].WouldSkip)
	assert.Equal(t, 0, fb.buildCalls)
}

func TestDepthReturnsToZeroAfterBuildAsset(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "t", buildString: "v1"}
	o.Builders.Register(asset.EngineType("texture"), func() builder.Builder { return fb })

	a := asset.New(1, "texture", "crate")
	require.NoError(t, o.BuildAsset(context.Background(), bc, a, builder.DefaultOptions{}))
	assert.Equal(t, 0, bc.Depth())
}

func TestTrimJobListDedupesByFingerprint(t *testing.T) {
	fb := &fakeBuilder{typeID: "t", buildString: "v1"}
	a := asset.New(1, "texture", "crate")

	j1 := job.NewBuild(a, job.FlagNone)
	j1.Builder = fb
	j1.SetBuildString("v1")

	j2 := job.NewBuild(a, job.FlagRequired)
	j2.Builder = fb
	j2.SetBuildString("v1")

	j3 := job.NewBuild(a, job.FlagNone)
	j3.Builder = fb
	j3.SetBuildString("v2")

	trimmed := TrimJobList([]*job.Build{j1, j2, j3})
	require.Len(t, trimmed, 2, "j1 and j2 share a fingerprint; only the first occurrence survives")
	assert.Same(t, j1, trimmed[0])
	assert.Same(t, j3, trimmed[1])
}

func TestProcessNewJobsStripsRequiredWhenParentOptional(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)
	exit := bc.EnterLevel()
	defer exit()

	fb := &fakeBuilder{typeID: "t", buildString: "v1"}
	parent := buildJobFor(1, job.FlagNone, fb)
	candidates := []builder.NewJob{{
		Asset:   asset.New(2, "texture", "child"),
		Builder: fb,
		Flags:   uint32(job.FlagRequired),
	}}

	var produced []*job.Build
	require.NoError(t, o.ProcessNewJobs(context.Background(), bc, parent, candidates, &produced))
	require.Len(t, produced, 1)
	assert.False(t, produced[0].Flags.Has(job.FlagRequired), "an optional parent must strip Required from its children")
}

func TestProcessNewJobsPromotesRequiredOnlyInTopLevelBuildAtDepthOne(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)
	exit := bc.EnterLevel() // depth becomes 1
	defer exit()
	require.Equal(t, 1, bc.Depth())

	fb := &fakeBuilder{typeID: "t", buildString: "v1"}
	parent := buildJobFor(1, job.FlagRequired, fb)
	candidates := []builder.NewJob{{
		Asset:   asset.New(2, "texture", "child"),
		Builder: fb,
		Flags:   uint32(job.FlagRequiredOnlyInTopLevelBuild),
	}}

	var produced []*job.Build
	require.NoError(t, o.ProcessNewJobs(context.Background(), bc, parent, candidates, &produced))
	require.Len(t, produced, 1)
	// Literal source behavior: promotion masks to Required, clearing
	// every other bit, rather than OR-ing it in.
	assert.Equal(t, job.FlagRequired, produced[0].Flags)
}

func TestProcessNewJobsDropsRequiredOnlyInTopLevelBuildBelowDepthOne(t *testing.T) {
	o := newTestOrchestrator(nil)
	bc := buildctx.New(false)
	exitOuter := bc.EnterLevel()
	exitInner := bc.EnterLevel() // depth becomes 2
	defer exitOuter()
	defer exitInner()
	require.Equal(t, 2, bc.Depth())

	fb := &fakeBuilder{typeID: "t", buildString: "v1"}
	parent := buildJobFor(1, job.FlagRequired, fb)
	candidates := []builder.NewJob{{
		Asset:   asset.New(2, "texture", "child"),
		Builder: fb,
		Flags:   uint32(job.FlagRequiredOnlyInTopLevelBuild),
	}}

	var produced []*job.Build
	require.NoError(t, o.ProcessNewJobs(context.Background(), bc, parent, candidates, &produced))
	require.Len(t, produced, 1)
	assert.Equal(t, job.FlagNone, produced[0].Flags, "below depth 1 the flag is stripped entirely, not promoted")
}
