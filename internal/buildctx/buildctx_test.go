package buildctx

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexbuild/scheduler/internal/asset"
)

func TestEnterLevelConservesDepth(t *testing.T) {
	bc := New(false)
	assert.Equal(t, 0, bc.Depth())

	exit1 := bc.EnterLevel()
	assert.Equal(t, 1, bc.Depth())

	exit2 := bc.EnterLevel()
	assert.Equal(t, 2, bc.Depth())

	exit2()
	assert.Equal(t, 1, bc.Depth())

	exit1()
	assert.Equal(t, 0, bc.Depth())
}

func TestFailedAssetsClearedAtZeroDepth(t *testing.T) {
	bc := New(false)

	exit := bc.EnterLevel()
	bc.MarkFailed(asset.ID(1))
	require.True(t, bc.Failed(asset.ID(1)))
	require.Equal(t, 1, bc.FailedCount())

	exit()
	assert.False(t, bc.Failed(asset.ID(1)))
	assert.Equal(t, 0, bc.FailedCount())
}

func TestFailedAssetsSurviveNestedExit(t *testing.T) {
	bc := New(false)

	exitOuter := bc.EnterLevel()
	exitInner := bc.EnterLevel()
	bc.MarkFailed(asset.ID(7))

	exitInner()
	assert.True(t, bc.Failed(asset.ID(7)), "FailedAssets must survive until depth returns to 0")

	exitOuter()
	assert.False(t, bc.Failed(asset.ID(7)))
}

func TestConcurrentMarkFailedIsSafe(t *testing.T) {
	bc := New(false)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			bc.MarkFailed(asset.ID(id))
		}(uint64(i))
	}
	wg.Wait()
	assert.Equal(t, 100, bc.FailedCount())
}

func TestEnterConcurrentBuildRestoresPreviousMarker(t *testing.T) {
	bc := New(false)
	assert.False(t, bc.InConcurrentBuild())

	exit := bc.EnterConcurrentBuild()
	assert.True(t, bc.InConcurrentBuild())

	nestedExit := bc.EnterConcurrentBuild()
	assert.True(t, bc.InConcurrentBuild())
	nestedExit()
	assert.True(t, bc.InConcurrentBuild(), "restoring after a nested entry must not clear an outer entry")

	exit()
	assert.False(t, bc.InConcurrentBuild())
}

func TestHaltOnErrorIsPreservedAcrossLevels(t *testing.T) {
	bc := New(true)
	exit := bc.EnterLevel()
	defer exit()
	assert.True(t, bc.HaltOnError)
}
