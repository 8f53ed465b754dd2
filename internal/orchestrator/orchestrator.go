// Package orchestrator implements the Build Orchestrator: the
// recursive, multi-phase driver that is the algorithmic heart of the
// scheduler. No single teacher file mirrors this recursion directly;
// it is written in the teacher's dependency-injection idiom (explicit
// *zap.Logger-style collaborators passed into a constructor, %w-wrapped
// errors) while the algorithm itself follows spec.md §4.1 phase by
// phase.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/apexbuild/scheduler/internal/asset"
	"github.com/apexbuild/scheduler/internal/buildctx"
	"github.com/apexbuild/scheduler/internal/builder"
	"github.com/apexbuild/scheduler/internal/cache"
	"github.com/apexbuild/scheduler/internal/graph"
	"github.com/apexbuild/scheduler/internal/job"
	"github.com/apexbuild/scheduler/internal/logging"
	"github.com/apexbuild/scheduler/internal/metrics"
	"github.com/apexbuild/scheduler/internal/telemetry"
	"github.com/apexbuild/scheduler/internal/worker"

	"go.uber.org/zap"
)

// Orchestrator drives the recursive, multi-phase build algorithm.
type Orchestrator struct {
	Builders *builder.Registry
	Graph    *graph.DependencyGraph
	Cache    *cache.ContentCache
	Pool     *worker.Pool
	Sink     telemetry.Sink
}

// New constructs an Orchestrator from its collaborators.
func New(builders *builder.Registry, g *graph.DependencyGraph, c *cache.ContentCache, pool *worker.Pool, sink telemetry.Sink) *Orchestrator {
	return &Orchestrator{Builders: builders, Graph: g, Cache: c, Pool: pool, Sink: sink}
}

// BuildAsset is the top-level entry point: allocates builders for a,
// constructs Required jobs, runs Build, and, when it was entered at
// depth 0, emits a top-level telemetry record on return. No per-phase
// timers are kept: the record carries AssetID, EngineType and Total
// only, and its per-phase duration fields stay zero.
func (o *Orchestrator) BuildAsset(ctx context.Context, bc *buildctx.Context, a asset.Asset, opts builder.Options) error {
	start := time.Now()
	wasTopLevel := bc.Depth() == 0

	builders, err := o.Builders.AllocateBuilders(a.EngineType())
	if err != nil {
		return job.NewAbortError(job.AbortBuilderInit, a.QualifiedName(), err)
	}

	jobs := make([]*job.Build, 0, len(builders))
	for _, b := range builders {
		j := job.NewBuild(a, job.FlagRequired)
		j.Builder = b
		j.Options = opts
		jobs = append(jobs, j)
	}

	buildErr := o.Build(ctx, bc, jobs, -1)

	if wasTopLevel {
		o.Sink.RecordTopLevelBuild(telemetry.TopLevelBuildRecord{
			AssetID:    a.ID(),
			EngineType: a.EngineType(),
			Total:      time.Since(start),
		})
	}
	return buildErr
}

// BuildJob is the trivial single-job wrapper spec.md §4.1 calls for.
func (o *Orchestrator) BuildJob(ctx context.Context, bc *buildctx.Context, j *job.Build) error {
	return o.Build(ctx, bc, []*job.Build{j}, -1)
}

// Build is the recursive core: it accepts a job list, expands it,
// trims duplicates, checks staleness, pulls cache, runs jobs, pushes
// cache, and recurses for dependent and post-jobs, computing failure
// propagation along the way. jobs is consumed: callers should not reuse
// the slice after Build returns.
func (o *Orchestrator) Build(ctx context.Context, bc *buildctx.Context, jobs []*job.Build, nice int) error {
	exitLevel := bc.EnterLevel()
	defer exitLevel()

	if len(jobs) == 0 {
		return nil
	}

	allJobs, allOutputFiles, downloadOutputFiles, err := o.expandAndCheckDependencies(ctx, bc, jobs)
	if err != nil {
		return err
	}

	// Phase E: Post-dependent iteration.
	for pass := builder.DependentPass(0); ; pass++ {
		var producedThisPass []*job.Build
		for _, j := range allJobs {
			if j.Result == job.ResultSkip || j.Result == job.ResultFailure {
				continue
			}
			newJobs, err := j.Builder.GatherDependentJobs(ctx, pass)
			if err != nil {
				if err2 := o.abortOrSkip(bc, j, job.AbortGather, err); err2 != nil {
					return err2
				}
				continue
			}
			var produced []*job.Build
			if err := o.ProcessNewJobs(ctx, bc, j, newJobs, &produced); err != nil {
				return err
			}
			j.DependentJobs = append(j.DependentJobs, produced...)
			producedThisPass = append(producedThisPass, produced...)
		}
		if len(producedThisPass) == 0 {
			break
		}
		toRecurse := producedThisPass
		if err := o.Build(ctx, bc, toRecurse, nice); err != nil {
			return err
		}
		allJobs = append(allJobs, producedThisPass...)
		allJobs = TrimJobList(allJobs)
	}

	// Phase F: Signature creation.
	if len(allOutputFiles) > 0 {
		if err := o.Graph.CreateSignatures(allOutputFiles, true); err != nil {
			return job.NewAbortError(job.AbortInputRegistration, "signature-creation", err)
		}
	}

	// Phase G: Post-job gathering (no execution yet).
	for _, j := range allJobs {
		if j.Result == job.ResultSkip || j.Result == job.ResultFailure {
			continue
		}
		postJobs, err := j.Builder.GatherPostJobs(ctx)
		if err != nil {
			if err2 := o.abortOrSkip(bc, j, job.AbortGather, err); err2 != nil {
				return err2
			}
			continue
		}
		var produced []*job.Build
		if err := o.ProcessNewJobs(ctx, bc, j, postJobs, &produced); err != nil {
			return err
		}
		j.PostJobs = append(j.PostJobs, produced...)
	}

	anyNotSkip := false
	for _, j := range allJobs {
		if j.Result != job.ResultSkip {
			anyNotSkip = true
			break
		}
	}

	// Phase H: Cache pull.
	if anyNotSkip && len(downloadOutputFiles) > 0 {
		if err := o.Cache.Get(ctx, downloadOutputFiles); err != nil {
			return job.NewAbortError(job.AbortInputRegistration, "cache-pull", err)
		}
	}

	// Phase I: Download classification.
	var requiredBuilds []*job.Build
	var outputsJustDownloaded []*graph.Output
	for _, j := range allJobs {
		if j.Result == job.ResultSkip || j.Result == job.ResultFailure {
			continue
		}
		outs := j.Builder.GraphOutputs()
		allDownloaded := len(outs) > 0
		for _, out := range outs {
			if !out.Downloaded {
				allDownloaded = false
				break
			}
		}
		if !allDownloaded {
			requiredBuilds = append(requiredBuilds, j)
			continue
		}
		j.Result = job.ResultDownload
		outputsJustDownloaded = append(outputsJustDownloaded, outs...)
		mode := "optional"
		if j.Flags.Has(job.FlagRequired) {
			mode = "required"
		}
		metrics.RecordJobFinalization(j.Result.String(), mode)
		o.Sink.RecordAssetBuilt(telemetry.AssetBuiltEvent{AssetID: j.Asset.ID(), Result: "Download"})
	}

	// Phase J: Update downloaded outputs.
	if len(outputsJustDownloaded) > 0 {
		if err := o.Graph.UpdateOutputs(outputsJustDownloaded); err != nil {
			return job.NewAbortError(job.AbortInputRegistration, "update-downloaded-outputs", err)
		}
	}

	// Phase K: Execution.
	var filesToUpload []*graph.Output
	if len(requiredBuilds) > 0 {
		if err := o.Pool.Run(ctx, bc, requiredBuilds, nice); err != nil {
			if abortErr, ok := err.(*job.AbortError); ok {
				return abortErr
			}
			return job.NewAbortError(job.AbortBuildFailure, "worker-pool", err)
		}
		for _, j := range requiredBuilds {
			mode := "optional"
			if j.Flags.Has(job.FlagRequired) {
				mode = "required"
			}
			metrics.RecordJobFinalization(j.Result.String(), mode)
			switch j.Result {
			case job.ResultClean:
				outs := j.Builder.GraphOutputs()
				o.Sink.RecordAssetBuilt(telemetry.AssetBuiltEvent{AssetID: j.Asset.ID(), Result: "Clean"})
				filesToUpload = append(filesToUpload, outs...)
			case job.ResultFailure, job.ResultDirty:
				bc.MarkFailed(j.Asset.ID())
				if j.Result == job.ResultFailure && j.Flags.Has(job.FlagRequired) {
					metrics.RecordHaltOnErrorAbort("required_failure")
					return job.NewAbortError(job.AbortBuildFailure, j.BuildString(), fmt.Errorf("required job failed"))
				}
				if bc.HaltOnError {
					metrics.RecordHaltOnErrorAbort("halt_on_error")
					return job.NewAbortError(job.AbortBuildFailure, j.BuildString(), fmt.Errorf("halt-on-error: job did not succeed"))
				}
			}
		}
	}

	// Phase L: Cache push.
	if len(filesToUpload) > 0 {
		if err := o.Cache.Put(ctx, filesToUpload); err != nil {
			return job.NewAbortError(job.AbortBuildFailure, "cache-push", err)
		}
	}

	// Phase M: Required-failure propagation (pre-post-jobs).
	o.propagateRequiredFailures(bc, allJobs, "pre-post-jobs")

	// Phase N: Post-job execution.
	var flattenedPostJobs []*job.Build
	for _, j := range allJobs {
		if len(j.PostJobs) == 0 {
			continue
		}
		var produced []*job.Build
		if err := o.ProcessNewJobs(ctx, bc, j, toNewJobDescriptors(j.PostJobs), &produced); err != nil {
			return err
		}
		flattenedPostJobs = append(flattenedPostJobs, produced...)
	}
	if len(flattenedPostJobs) > 0 {
		if err := o.Build(ctx, bc, flattenedPostJobs, nice); err != nil {
			return err
		}
	}

	// Phase O: Required-failure propagation (post-post-jobs).
	o.propagateRequiredFailures(bc, allJobs, "post-post-jobs")

	o.logJobSummaries(bc, allJobs)

	logging.L().Debug("orchestrator level complete",
		zap.Int("depth", bc.Depth()),
		zap.Int("job_count", len(allJobs)))

	return nil
}

// logJobSummaries emits one structured line per job once a level
// completes, per SPEC_FULL.md §8's supplemented per-job summary
// logging, in the teacher's "bullet structure echoing phase progress"
// idiom (plain zap fields rather than a formatted sentence).
func (o *Orchestrator) logJobSummaries(bc *buildctx.Context, allJobs []*job.Build) {
	for _, j := range allJobs {
		warnings, errs := j.Counters()
		logging.L().Info("job summary",
			zap.Int("depth", bc.Depth()),
			zap.Uint64("asset_id", uint64(j.Asset.ID())),
			zap.String("build_string", j.BuildString()),
			zap.Stringer("result", j.Result),
			zap.Int("warnings", warnings),
			zap.Int("errors", errs))
	}
}

// expandAndCheckDependencies runs Phases A through D: expansion and
// builder allocation, initial job gathering, trimming, and the
// dependency staleness check. It is shared by Build (which continues
// on to execution) and Plan (which stops here).
func (o *Orchestrator) expandAndCheckDependencies(ctx context.Context, bc *buildctx.Context, jobs []*job.Build) ([]*job.Build, []*graph.Output, []*graph.Output, error) {
	allJobs := make([]*job.Build, 0, len(jobs))

	// Phase A: Expansion and Initialization. Index-based iteration:
	// the list grows while iterating, per design note §9.
	for i := 0; i < len(jobs); i++ {
		j := jobs[i]
		if j.Options == nil {
			j.Options = builder.DefaultOptions{}
		}
		if j.Builder == nil {
			builders, err := o.Builders.AllocateBuilders(j.Asset.EngineType())
			if err != nil {
				if err2 := o.abortOrSkip(bc, j, job.AbortBuilderInit, err); err2 != nil {
					return nil, nil, nil, err2
				}
				continue
			}
			if len(builders) == 1 {
				j.Builder = builders[0]
			} else {
				for _, b := range builders {
					nj := job.NewBuild(j.Asset, j.Flags)
					nj.Options = j.Options
					nj.Builder = b
					jobs = append(jobs, nj)
				}
				continue
			}
		}
		if err := j.Builder.Initialize(ctx, j.Asset, j.Options); err != nil {
			if err2 := o.abortOrSkip(bc, j, job.AbortBuilderInit, err); err2 != nil {
				return nil, nil, nil, err2
			}
			continue
		}
		j.SetBuildString(j.Builder.GetBuildString())
		allJobs = append(allJobs, j)
	}

	// Phase B: Initial Job Gathering. Index-based iteration, same as
	// Phase A: allJobs grows while iterating, so jobs gathered from a
	// dependent job's GatherJobs are themselves visited and gathered
	// from, transitively, until no new jobs are produced.
	for i := 0; i < len(allJobs); i++ {
		j := allJobs[i]
		newJobs, err := j.Builder.GatherJobs(ctx)
		if err != nil {
			if err2 := o.abortOrSkip(bc, j, job.AbortGather, err); err2 != nil {
				return nil, nil, nil, err2
			}
			continue
		}
		var produced []*job.Build
		if err := o.ProcessNewJobs(ctx, bc, j, newJobs, &produced); err != nil {
			return nil, nil, nil, err
		}
		j.DependentJobs = append(j.DependentJobs, produced...)
		allJobs = append(allJobs, produced...)
	}

	// Phase C: Trim.
	allJobs = TrimJobList(allJobs)

	var allOutputFiles []*graph.Output
	var downloadOutputFiles []*graph.Output

	// Phase D: Dependency Check.
	for _, j := range allJobs {
		if j.Result == job.ResultFailure {
			continue
		}
		if j.Builder.NeedsPreRegisterInputs() {
			if err := j.Builder.RegisterInputs(ctx, j.Builder.OutputFiles()); err != nil {
				if err2 := o.abortOrSkip(bc, j, job.AbortInputRegistration, err); err2 != nil {
					return nil, nil, nil, err2
				}
				continue
			}
		}
		upToDate, err := j.Builder.IsUpToDate(ctx)
		if err != nil {
			if err2 := o.abortOrSkip(bc, j, job.AbortInputRegistration, err); err2 != nil {
				return nil, nil, nil, err2
			}
			continue
		}
		if upToDate {
			j.Result = job.ResultSkip
			continue
		}
		if !j.Builder.NeedsPreRegisterInputs() {
			if err := j.Builder.RegisterInputs(ctx, j.Builder.OutputFiles()); err != nil {
				if err2 := o.abortOrSkip(bc, j, job.AbortInputRegistration, err); err2 != nil {
					return nil, nil, nil, err2
				}
				continue
			}
		}
		j.OutputFiles = j.Builder.OutputFiles()
		outs := j.Builder.GraphOutputs()
		allOutputFiles = append(allOutputFiles, outs...)
		downloadOutputFiles = append(downloadOutputFiles, outs...)
	}

	return allJobs, allOutputFiles, downloadOutputFiles, nil
}

// PlanEntry describes one job's predicted disposition under Plan's
// dry run: Skip (already up to date) or a pending build (everything
// else, since cache presence is only known after Phase H).
type PlanEntry struct {
	AssetID     asset.ID
	BuildString string
	WouldSkip   bool
}

// Plan runs Phases A through D only — expansion, gathering, trim, and
// the staleness check — without touching the worker pool or the
// content cache, per SPEC_FULL.md §8's supplemented dry-run mode. It
// does not mutate FailedAssets beyond what abortOrSkip already records
// for any job whose phase fails.
func (o *Orchestrator) Plan(ctx context.Context, bc *buildctx.Context, jobs []*job.Build) ([]PlanEntry, error) {
	exitLevel := bc.EnterLevel()
	defer exitLevel()

	if len(jobs) == 0 {
		return nil, nil
	}

	allJobs, _, _, err := o.expandAndCheckDependencies(ctx, bc, jobs)
	if err != nil {
		return nil, err
	}

	entries := make([]PlanEntry, 0, len(allJobs))
	for _, j := range allJobs {
		entries = append(entries, PlanEntry{
			AssetID:     j.Asset.ID(),
			BuildString: j.BuildString(),
			WouldSkip:   j.Result == job.ResultSkip,
		})
	}
	return entries, nil
}

// propagateRequiredFailures implements Phases M and O: for every job
// in allJobs, for every entry of its DependentJobs, if that entry's
// OriginalFlags contain Required and its asset id is in FailedAssets,
// mark the enclosing job Failure and record its asset id as failed.
func (o *Orchestrator) propagateRequiredFailures(bc *buildctx.Context, allJobs []*job.Build, phase string) {
	for _, j := range allJobs {
		for _, dep := range j.DependentJobs {
			if dep.OriginalFlags.Has(job.FlagRequired) && bc.Failed(dep.Asset.ID()) {
				j.Result = job.ResultFailure
				bc.MarkFailed(j.Asset.ID())
				metrics.RecordRequiredFailurePropagation(phase)
				logging.L().Warn("required dependent failure propagated",
					zap.String("phase", phase),
					zap.Uint64("asset_id", uint64(j.Asset.ID())),
					zap.Uint64("dependent_asset_id", uint64(dep.Asset.ID())))
				break
			}
		}
	}
}

// abortOrSkip implements the "failed phase for a Required job aborts
// the level; failed phase for an optional job logs and drops" rule
// from spec.md §4.1, with HaltOnError promoting every failure to
// fatal.
func (o *Orchestrator) abortOrSkip(bc *buildctx.Context, j *job.Build, kind job.AbortKind, cause error) error {
	j.Result = job.ResultFailure
	bc.MarkFailed(j.Asset.ID())
	buildString := j.BuildString()
	if buildString == "" {
		buildString = j.Asset.QualifiedName()
	}
	if j.Flags.Has(job.FlagRequired) || bc.HaltOnError {
		metrics.RecordHaltOnErrorAbort("phase_failure")
		return job.NewAbortError(kind, buildString, cause)
	}
	logging.L().Warn("optional job phase failed, skipping",
		zap.String("kind", kind.String()),
		zap.String("build_string", buildString),
		zap.Error(cause))
	return nil
}

// ProcessNewJobs implements the candidate-expansion and flag-weakening
// rule from spec.md §4.1: each candidate gets default Options if
// missing; a candidate without a bound Builder is expanded into one
// candidate per registered factory (mutating the list being iterated,
// deliberately, per design note §9); a candidate that already has a
// Builder has its flags weakened and is appended to outList.
func (o *Orchestrator) ProcessNewJobs(ctx context.Context, bc *buildctx.Context, parent *job.Build, candidates []builder.NewJob, outList *[]*job.Build) error {
	for i := 0; i < len(candidates); i++ {
		c := candidates[i]
		if c.Options == nil {
			c.Options = builder.DefaultOptions{}
		}
		if c.Builder == nil {
			builders, err := o.Builders.AllocateBuilders(c.Asset.EngineType())
			if err != nil {
				return job.NewAbortError(job.AbortBuilderInit, c.Asset.QualifiedName(), err)
			}
			for _, b := range builders {
				candidates = append(candidates, builder.NewJob{
					Asset:   c.Asset,
					Options: c.Options,
					Builder: b,
					Flags:   c.Flags,
				})
			}
			continue
		}

		flags := job.Flags(c.Flags)
		if !parent.Flags.Has(job.FlagRequired) {
			flags &^= job.FlagRequired
		}
		if flags.Has(job.FlagRequiredOnlyInTopLevelBuild) {
			flags &^= job.FlagRequiredOnlyInTopLevelBuild
			// Open question (spec.md §9): the source masks to
			// Required here (clearing every other bit) rather than
			// setting it; kept literally, not "fixed".
			if bc.Depth() == 1 {
				flags = job.FlagRequired
			}
		}

		nj := job.NewBuild(c.Asset, flags)
		nj.Builder = c.Builder
		nj.Options = c.Options
		if err := c.Builder.Initialize(ctx, c.Asset, c.Options); err != nil {
			return job.NewAbortError(job.AbortBuilderInit, c.Asset.QualifiedName(), err)
		}
		nj.SetBuildString(c.Builder.GetBuildString())
		*outList = append(*outList, nj)
	}
	return nil
}

// TrimJobList deduplicates jobs by fingerprint, visiting in order and
// keeping the first occurrence.
func TrimJobList(jobs []*job.Build) []*job.Build {
	seen := make(map[job.Fingerprint]struct{}, len(jobs))
	out := make([]*job.Build, 0, len(jobs))
	for _, j := range jobs {
		fp := j.Fingerprint()
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, j)
	}
	return out
}

func toNewJobDescriptors(jobs []*job.Build) []builder.NewJob {
	out := make([]builder.NewJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, builder.NewJob{
			Asset:   j.Asset,
			Options: j.Options,
			Builder: j.Builder,
			Flags:   uint32(j.Flags),
		})
	}
	return out
}
