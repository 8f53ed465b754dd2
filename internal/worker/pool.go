// Package worker implements the Worker Pool: fixed-size execution over
// a shared background queue, partitioned into foreground (thread-
// affine) and background (pool-parallel) jobs, honouring a configurable
// nice-count and a single-thread fallback. Grounded on the teacher's
// internal/execution/container_sandbox.go concurrency shape
// (sync.RWMutex-guarded shared state, sync/atomic counters for
// in-flight work) and on golang.org/x/sync/errgroup for draining the
// pool and surfacing the first error.
package worker

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apexbuild/scheduler/internal/buildctx"
	"github.com/apexbuild/scheduler/internal/graph"
	"github.com/apexbuild/scheduler/internal/job"
	"github.com/apexbuild/scheduler/internal/logging"
	"github.com/apexbuild/scheduler/internal/metrics"
	"github.com/apexbuild/scheduler/internal/telemetry"

	"go.uber.org/zap"
)

// Pool executes a list of BuildJobs respecting thread-affinity
// constraints.
type Pool struct {
	// ThreadCount is the configured pool size before nice-count
	// reduction; defaults to runtime.NumCPU().
	ThreadCount int
	// NiceCount is the default number of processors to leave idle;
	// used when a per-call nice < 0.
	NiceCount int
	// SingleThread forces every job onto the caller's goroutine,
	// regardless of affinity or pool size.
	SingleThread bool
	// HaltOnError is not a Pool field: InvokeBuild reads it from the
	// buildctx.Context passed to each call.

	Graph *graph.DependencyGraph
	Sink  telemetry.Sink

	activeWorkers int32
}

// New constructs a Pool with runtime.NumCPU() as the default thread
// count.
func New(g *graph.DependencyGraph, sink telemetry.Sink) *Pool {
	return &Pool{
		ThreadCount: runtime.NumCPU(),
		Graph:       g,
		Sink:        sink,
	}
}

// effectiveThreadCount resolves ThreadCount, NiceCount, and a per-call
// nice override into the worker count actually used, per spec.md
// §4.2's decision rule: never below 2 unless nicing would leave fewer
// than two usable cores, in which case the full count is used.
func (p *Pool) effectiveThreadCount(nice int) int {
	base := p.ThreadCount
	if base <= 0 {
		base = runtime.NumCPU()
	}
	if nice < 0 {
		nice = p.NiceCount
	}
	if nice <= 0 {
		return base
	}
	reduced := base - nice
	if reduced < 2 {
		return base
	}
	return reduced
}

// Run executes jobs, partitioning into foreground/background queues
// per spec.md §4.2. ctx is passed through to each Builder.Build call
// (background jobs get the errgroup's derived context); Run itself
// does not check ctx between jobs.
func (p *Pool) Run(ctx context.Context, bc *buildctx.Context, jobs []*job.Build, nice int) error {
	if len(jobs) == 0 {
		return nil
	}

	threadCount := p.effectiveThreadCount(nice)
	serial := p.SingleThread || bc.InConcurrentBuild() || threadCount <= 1 || len(jobs) == 1

	if serial {
		for _, j := range jobs {
			if err := p.InvokeBuild(ctx, bc, j, false); err != nil {
				return err
			}
		}
		return nil
	}

	var foreground, background []*job.Build
	for _, j := range jobs {
		if j.Builder != nil && j.Builder.NeedsThreadAffinity() {
			foreground = append(foreground, j)
		} else {
			background = append(background, j)
		}
	}

	exit := bc.EnterConcurrentBuild()
	defer exit()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threadCount)

	var mu sync.Mutex
	queue := background
	metrics.Get().WorkerPoolQueueSize.WithLabelValues("background").Set(float64(len(queue)))

	worker := func() error {
		atomic.AddInt32(&p.activeWorkers, 1)
		metrics.Get().WorkerPoolActive.Set(float64(atomic.LoadInt32(&p.activeWorkers)))
		defer func() {
			atomic.AddInt32(&p.activeWorkers, -1)
			metrics.Get().WorkerPoolActive.Set(float64(atomic.LoadInt32(&p.activeWorkers)))
		}()
		for {
			mu.Lock()
			if len(queue) == 0 {
				mu.Unlock()
				return nil
			}
			j := queue[0]
			queue = queue[1:]
			metrics.Get().WorkerPoolQueueSize.WithLabelValues("background").Set(float64(len(queue)))
			mu.Unlock()

			if err := p.InvokeBuild(gctx, bc, j, true); err != nil {
				return err
			}
		}
	}

	workerCount := threadCount
	if workerCount > len(background) {
		workerCount = len(background)
	}
	for i := 0; i < workerCount; i++ {
		g.Go(worker)
	}

	metrics.Get().WorkerPoolQueueSize.WithLabelValues("foreground").Set(float64(len(foreground)))
	for _, j := range foreground {
		if err := p.InvokeBuild(ctx, bc, j, false); err != nil {
			_ = g.Wait()
			return err
		}
	}
	metrics.Get().WorkerPoolQueueSize.WithLabelValues("foreground").Set(0)

	return g.Wait()
}

var traceTokenUnsafe = regexp.MustCompile(`'`)

// traceToken derives a filesystem-safe token from a build string:
// replace '/' with '$', drop apostrophes, per spec.md §4.2.
func traceToken(buildString string) string {
	s := strings.ReplaceAll(buildString, "/", "$")
	return traceTokenUnsafe.ReplaceAllString(s, "")
}

// InvokeBuild runs one job to completion: derives the trace token and
// tags a job logger with it and a worker_id field (the process id),
// calls Build(), maps the result (an error or any error line already
// recorded on the job makes it Failure), persists Clean outputs
// immediately, and records per-builder telemetry. It opens no separate
// trace/warning/error log sinks and installs no console listener:
// console lines reach the job only through Build.RecordConsole, and
// throttle (true for background jobs) is only recorded as a field on
// the failure log line.
func (p *Pool) InvokeBuild(ctx context.Context, bc *buildctx.Context, j *job.Build, throttle bool) error {
	if j.Builder == nil {
		return fmt.Errorf("worker: job for asset %d has no bound builder", j.Asset.ID())
	}

	token := traceToken(j.BuildString())
	workerID := os.Getpid()
	jobLog := logging.WithJob(uint64(j.Asset.ID()), j.BuildString()).With(
		zap.String("trace_token", token),
		zap.Int("worker_id", workerID),
	)

	start := time.Now()

	ok, err := j.Builder.Build(ctx)
	_, errCount := j.Counters()

	switch {
	case err != nil:
		j.Result = job.ResultFailure
	case errCount > 0:
		j.Result = job.ResultFailure
	case ok:
		j.Result = job.ResultClean
	default:
		j.Result = job.ResultDirty
	}

	duration := time.Since(start)
	p.Sink.RecordBuilderBuild(telemetry.BuilderBuildRecord{
		AssetID:          j.Asset.ID(),
		EngineType:       j.Asset.EngineType(),
		BuilderClassName: j.Builder.GetAssetClass(),
		Duration:         duration,
	})

	if j.Result == job.ResultClean {
		outputs := j.Builder.GraphOutputs()
		if uErr := p.Graph.UpdateOutputs(outputs); uErr != nil {
			jobLog.Error("update outputs after clean build failed", zap.Error(uErr))
		}
	}

	if j.Result == job.ResultFailure {
		bc.MarkFailed(j.Asset.ID())
		if err == nil {
			err = fmt.Errorf("worker: build failed for %s", j.BuildString())
		}
		jobLog.Error("build failed", zap.Error(err), zap.Bool("throttled", throttle))
		if bc.HaltOnError {
			return job.NewAbortError(job.AbortBuildFailure, j.BuildString(), err)
		}
		return nil
	}

	jobLog.Debug("build finished", zap.Stringer("result", j.Result), zap.Duration("duration", duration))

	// The builder is not released here: j.Builder keeps its reference,
	// and the orchestrator reads GraphOutputs from it after Run returns.
	return nil
}
