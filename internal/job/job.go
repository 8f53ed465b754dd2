// Package job defines BuildJob, its flag set, its result states, and
// the fingerprint used to deduplicate jobs within a single orchestrator
// level.
package job

import (
	"fmt"
	"sync"

	"github.com/apexbuild/scheduler/internal/asset"
	"github.com/apexbuild/scheduler/internal/builder"
)

// Flags is a bitmask of the recognized job flags.
type Flags uint32

const (
	// FlagNone marks an optional job: failures are logged and skipped.
	FlagNone Flags = 0

	// FlagRequired marks a job whose failure must fail the enclosing
	// build.
	FlagRequired Flags = 1 << iota

	// FlagRequiredOnlyInTopLevelBuild is promoted to FlagRequired iff
	// the current recursion depth is 1 when the job is processed by
	// ProcessNewJobs; otherwise it is stripped entirely.
	FlagRequiredOnlyInTopLevelBuild
)

// Has reports whether f contains every bit in mask.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Result is the terminal (or in-flight) state of a BuildJob.
type Result int

const (
	// ResultPending is the zero value: no phase has yet resolved this
	// job's fate.
	ResultPending Result = iota
	// ResultClean means the builder ran and returned true with no
	// captured errors.
	ResultClean
	// ResultDirty means the builder ran and returned false with no
	// captured errors.
	ResultDirty
	// ResultSkip means the job was already up-to-date.
	ResultSkip
	// ResultDownload means every declared output was satisfied from
	// the content cache.
	ResultDownload
	// ResultFailure means the builder raised, returned false with
	// captured errors, or inherited failure from a required
	// dependent/post-job.
	ResultFailure
)

func (r Result) String() string {
	switch r {
	case ResultPending:
		return "Pending"
	case ResultClean:
		return "Clean"
	case ResultDirty:
		return "Dirty"
	case ResultSkip:
		return "Skip"
	case ResultDownload:
		return "Download"
	case ResultFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

// Fingerprint is the dedup key within a single allJobs collection:
// (assetId, buildString, builderTypeId). Deriving identity from the
// builder's factory-assigned TypeID rather than an instance/vtable
// pointer is design note §9's "leaky choice" fix.
type Fingerprint struct {
	AssetID       asset.ID
	BuildString   string
	BuilderTypeID builder.TypeID
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%d|%s|%s", f.AssetID, f.BuildString, f.BuilderTypeID)
}

// Build is the unit of scheduling: BuildJob from spec.md §3. Exported
// as job.Build so callers read job.Build{...} for the type and
// orchestrator.Build(...) for the operation without a name clash.
type Build struct {
	Asset   asset.Asset
	Options builder.Options
	Builder builder.Builder

	Flags Flags
	// OriginalFlags is an immutable snapshot of Flags at job creation
	// time; never mutated after NewBuild returns. Flags may later be
	// weakened by ProcessNewJobs but OriginalFlags records what the
	// job was declared as.
	OriginalFlags Flags

	Result Result

	mu            sync.Mutex
	consoleOutput []string
	warningCount  int
	errorCount    int

	DependentJobs []*Build
	PostJobs      []*Build

	// OutputFiles is copied from Builder.OutputFiles() in Phase D once
	// the builder's RegisterInputs has run. Signature creation, cache
	// pull/push and UpdateOutputs work from Builder.GraphOutputs()
	// instead.
	OutputFiles []string

	buildString string
}

// NewBuild constructs a job with the given asset and flags. Builder and
// Options are filled in later by Phase A's expansion step.
func NewBuild(a asset.Asset, flags Flags) *Build {
	return &Build{
		Asset:         a,
		Flags:         flags,
		OriginalFlags: flags,
		Result:        ResultPending,
	}
}

// SetBuildString caches the builder's GetBuildString() result once
// Initialize has run, per Phase A.
func (b *Build) SetBuildString(s string) { b.buildString = s }

// BuildString returns the cached build string, or empty if Initialize
// has not yet run.
func (b *Build) BuildString() string { return b.buildString }

// Fingerprint computes this job's dedup key. Only valid once Builder
// and BuildString have been set (after Phase A).
func (b *Build) Fingerprint() Fingerprint {
	var typeID builder.TypeID
	if b.Builder != nil {
		typeID = b.Builder.TypeID()
	}
	return Fingerprint{
		AssetID:       b.Asset.ID(),
		BuildString:   b.buildString,
		BuilderTypeID: typeID,
	}
}

// RecordConsole appends one captured console line under the job's own
// lock; safe to call from the worker goroutine that owns this job.
func (b *Build) RecordConsole(line string, isWarning, isError bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consoleOutput = append(b.consoleOutput, line)
	if isWarning {
		b.warningCount++
	}
	if isError {
		b.errorCount++
	}
}

// Counters returns the warning/error counts accumulated so far.
func (b *Build) Counters() (warnings, errors int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.warningCount, b.errorCount
}

// ConsoleOutput returns a copy of the captured console lines.
func (b *Build) ConsoleOutput() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.consoleOutput))
	copy(out, b.consoleOutput)
	return out
}

// AbortKind enumerates the error kinds from spec.md §7.
type AbortKind int

const (
	AbortBuilderInit AbortKind = iota
	AbortGather
	AbortInputRegistration
	AbortBuildFailure
	AbortRequiredPropagation
)

func (k AbortKind) String() string {
	switch k {
	case AbortBuilderInit:
		return "BuilderInitError"
	case AbortGather:
		return "GatherError"
	case AbortInputRegistration:
		return "InputRegistrationError"
	case AbortBuildFailure:
		return "BuildFailure"
	case AbortRequiredPropagation:
		return "RequiredPropagationFailure"
	default:
		return "UnknownAbort"
	}
}

// AbortError is the explicit result sum-type variant design note §9
// calls for in place of exceptions-as-control-flow: it short-circuits
// the remaining phases of a level when a Required job's phase fails.
type AbortError struct {
	Kind    AbortKind
	Message string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAbortError constructs an AbortError naming the offending build
// string, per spec.md §7's "fatal error string that names the
// offending build string."
func NewAbortError(kind AbortKind, buildString string, cause error) *AbortError {
	msg := buildString
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", buildString, cause)
	}
	return &AbortError{Kind: kind, Message: msg}
}
