package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexbuild/scheduler/internal/asset"
	"github.com/apexbuild/scheduler/internal/buildctx"
	"github.com/apexbuild/scheduler/internal/builder"
	"github.com/apexbuild/scheduler/internal/graph"
	"github.com/apexbuild/scheduler/internal/job"
	"github.com/apexbuild/scheduler/internal/telemetry"
)

// fakeBuilder is a minimal in-test builder.Builder implementation;
// buildFn lets individual tests control Build()'s outcome.
type fakeBuilder struct {
	typeID         builder.TypeID
	buildString    string
	threadAffinity bool
	buildFn        func(ctx context.Context) (bool, error)

	mu         sync.Mutex
	buildCalls int
}

func (f *fakeBuilder) TypeID() builder.TypeID { return f.typeID }
func (f *fakeBuilder) Initialize(ctx context.Context, a asset.Asset, opts builder.Options) error {
	return nil
}
func (f *fakeBuilder) GetBuildString() string                           { return f.buildString }
func (f *fakeBuilder) RegisterInputs(ctx context.Context, outputs []string) error { return nil }
func (f *fakeBuilder) IsUpToDate(ctx context.Context) (bool, error)      { return false, nil }
func (f *fakeBuilder) NeedsPreRegisterInputs() bool                     { return false }
func (f *fakeBuilder) NeedsThreadAffinity() bool                        { return f.threadAffinity }
func (f *fakeBuilder) GatherJobs(ctx context.Context) ([]builder.NewJob, error) { return nil, nil }
func (f *fakeBuilder) GatherDependentJobs(ctx context.Context, pass builder.DependentPass) ([]builder.NewJob, error) {
	return nil, nil
}
func (f *fakeBuilder) GatherPostJobs(ctx context.Context) ([]builder.NewJob, error) { return nil, nil }
func (f *fakeBuilder) Build(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.buildCalls++
	f.mu.Unlock()
	if f.buildFn != nil {
		return f.buildFn(ctx)
	}
	return true, nil
}
func (f *fakeBuilder) GetOutputDirectory() string   { return "" }
func (f *fakeBuilder) GetAssetClass() string        { return "FakeBuilder" }
func (f *fakeBuilder) OutputFiles() []string        { return nil }
func (f *fakeBuilder) GraphOutputs() []*graph.Output { return nil }

func newTestJob(id asset.ID, fb *fakeBuilder) *job.Build {
	j := job.NewBuild(asset.New(id, "texture", "crate"), job.FlagNone)
	j.Builder = fb
	j.SetBuildString(fb.buildString)
	return j
}

func TestInvokeBuildMarksCleanOnSuccess(t *testing.T) {
	p := New(graph.New(nil), telemetry.NopSink{})
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "fake", buildString: "v1"}
	j := newTestJob(1, fb)

	err := p.InvokeBuild(context.Background(), bc, j, false)
	require.NoError(t, err)
	assert.Equal(t, job.ResultClean, j.Result)
	assert.Equal(t, 1, fb.buildCalls)
}

func TestInvokeBuildMarksDirtyOnFalseWithoutError(t *testing.T) {
	p := New(graph.New(nil), telemetry.NopSink{})
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "fake", buildString: "v1", buildFn: func(ctx context.Context) (bool, error) {
		return false, nil
	}}
	j := newTestJob(1, fb)

	err := p.InvokeBuild(context.Background(), bc, j, false)
	require.NoError(t, err)
	assert.Equal(t, job.ResultDirty, j.Result)
}

func TestInvokeBuildMarksFailureAndRecordsFailedAsset(t *testing.T) {
	p := New(graph.New(nil), telemetry.NopSink{})
	bc := buildctx.New(false)
	fb := &fakeBuilder{typeID: "fake", buildString: "v1", buildFn: func(ctx context.Context) (bool, error) {
		return false, assert.AnError
	}}
	j := newTestJob(42, fb)

	err := p.InvokeBuild(context.Background(), bc, j, false)
	require.NoError(t, err, "optional failure must not itself return an error")
	assert.Equal(t, job.ResultFailure, j.Result)
	assert.True(t, bc.Failed(asset.ID(42)))
}

func TestInvokeBuildHaltOnErrorAbortsForOptionalFailure(t *testing.T) {
	p := New(graph.New(nil), telemetry.NopSink{})
	bc := buildctx.New(true)
	fb := &fakeBuilder{typeID: "fake", buildString: "v1", buildFn: func(ctx context.Context) (bool, error) {
		return false, assert.AnError
	}}
	j := newTestJob(1, fb)

	err := p.InvokeBuild(context.Background(), bc, j, false)
	require.Error(t, err)
	var abortErr *job.AbortError
	require.ErrorAs(t, err, &abortErr)
}

func TestInvokeBuildErrorsWithoutBoundBuilder(t *testing.T) {
	p := New(graph.New(nil), telemetry.NopSink{})
	bc := buildctx.New(false)
	j := job.NewBuild(asset.New(1, "texture", "crate"), job.FlagNone)

	err := p.InvokeBuild(context.Background(), bc, j, false)
	assert.Error(t, err)
}

func TestRunSerializesWhenSingleThread(t *testing.T) {
	p := New(graph.New(nil), telemetry.NopSink{})
	p.SingleThread = true
	bc := buildctx.New(false)

	var concurrent int32
	var maxConcurrent int32
	fb := func() *fakeBuilder {
		return &fakeBuilder{typeID: "fake", buildString: "v1", buildFn: func(ctx context.Context) (bool, error) {
			n := atomic.AddInt32(&concurrent, 1)
			defer atomic.AddInt32(&concurrent, -1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
					break
				}
			}
			return true, nil
		}}
	}

	jobs := []*job.Build{newTestJob(1, fb()), newTestJob(2, fb())}
	require.NoError(t, p.Run(context.Background(), bc, jobs, 0))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1))
}

func TestRunPartitionsForegroundAndBackground(t *testing.T) {
	p := New(graph.New(nil), telemetry.NopSink{})
	p.ThreadCount = 4
	bc := buildctx.New(false)

	fgBuilder := &fakeBuilder{typeID: "fg", buildString: "fg", threadAffinity: true}
	bgBuilder := &fakeBuilder{typeID: "bg", buildString: "bg", threadAffinity: false}

	jobs := []*job.Build{newTestJob(1, fgBuilder), newTestJob(2, bgBuilder)}
	require.NoError(t, p.Run(context.Background(), bc, jobs, 0))

	assert.Equal(t, 1, fgBuilder.buildCalls)
	assert.Equal(t, 1, bgBuilder.buildCalls)
}

func TestEffectiveThreadCountNeverDropsBelowTwoUnlessAlreadyThere(t *testing.T) {
	p := &Pool{ThreadCount: 4}
	assert.Equal(t, 2, p.effectiveThreadCount(2))
	// Nicing down to below 2 falls back to the full base count instead.
	assert.Equal(t, 4, p.effectiveThreadCount(3))
}

func TestEffectiveThreadCountUsesNiceCountWhenNoOverride(t *testing.T) {
	p := &Pool{ThreadCount: 8, NiceCount: 2}
	assert.Equal(t, 6, p.effectiveThreadCount(-1))
}

func TestTraceTokenSanitization(t *testing.T) {
	assert.Equal(t, "a$b", traceToken("a/b"))
	assert.Equal(t, "abc", traceToken("a'b'c"))
}
