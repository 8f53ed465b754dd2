// Package buildctx carries the per-build mutable state that design
// note §9 says must never be an ambient global: FailedAssets, the
// recursion depth counter, the HaltOnError policy knob, and the
// re-entrancy marker. A Context value is created once per top-level
// build and threaded explicitly through the orchestrator, the worker
// pool, and ProcessNewJobs — the same explicit-dependency style the
// teacher uses for *gorm.DB and *zap.Logger rather than a package-level
// singleton.
package buildctx

import (
	"sync"

	"github.com/apexbuild/scheduler/internal/asset"
)

// Context is the per-build value described above. Its depth counter
// and re-entrancy marker are only ever touched by the goroutine that
// owns this Context — Go has no preemptible thread-locals, so the
// "thread-local boolean" from spec.md §9 is modeled as a plain field
// whose single-goroutine ownership is an invariant of the call path,
// not enforced by the type system.
type Context struct {
	// HaltOnError converts every optional failure into a fatal abort.
	HaltOnError bool

	mu           sync.Mutex
	depth        int
	failedAssets map[asset.ID]struct{}

	// inConcurrentBuild is the re-entrancy guard: true while the
	// owning goroutine is inside a worker-pool dispatch. Builders that
	// issue recursive orchestrator calls from within Build() observe
	// this set and run serially on the calling goroutine instead of
	// spawning a nested pool.
	inConcurrentBuild bool
}

// New constructs a fresh Context for one top-level build.
func New(haltOnError bool) *Context {
	return &Context{
		HaltOnError:  haltOnError,
		failedAssets: make(map[asset.ID]struct{}),
	}
}

// EnterLevel increments the recursion depth and returns a function
// that decrements it on every exit path (the "scoped guard" design
// note §9 requires for decrement-on-unwind). When the returned
// function brings depth back to 0, FailedAssets is cleared.
//
//	defer bc.EnterLevel()()
func (c *Context) EnterLevel() func() {
	c.mu.Lock()
	c.depth++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.depth--
		atZero := c.depth == 0
		if atZero {
			c.failedAssets = make(map[asset.ID]struct{})
		}
		c.mu.Unlock()
	}
}

// Depth returns the current recursion depth (0 outside any build, 1 at
// the top level).
func (c *Context) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth
}

// MarkFailed records id in the process-wide FailedAssets set. Safe to
// call from any worker goroutine.
func (c *Context) MarkFailed(id asset.ID) {
	c.mu.Lock()
	c.failedAssets[id] = struct{}{}
	c.mu.Unlock()
}

// Failed reports whether id is currently in FailedAssets.
func (c *Context) Failed(id asset.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.failedAssets[id]
	return ok
}

// FailedCount returns the number of distinct failed assets currently
// recorded; used by tests asserting FailedAssets scoping.
func (c *Context) FailedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failedAssets)
}

// EnterConcurrentBuild sets the re-entrancy marker and returns a
// restore function. Only the goroutine that entered the worker pool
// calls this; nested recursive Build calls issued from inside a
// builder's Build() observe InConcurrentBuild() == true and fall back
// to serial execution.
func (c *Context) EnterConcurrentBuild() func() {
	c.mu.Lock()
	prev := c.inConcurrentBuild
	c.inConcurrentBuild = true
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.inConcurrentBuild = prev
		c.mu.Unlock()
	}
}

// InConcurrentBuild reports whether the calling goroutine is already
// nested inside a worker-pool dispatch.
func (c *Context) InConcurrentBuild() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inConcurrentBuild
}
