package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLReturnsNonNilLoggerEvenWithoutExplicitInit(t *testing.T) {
	assert.NotNil(t, L())
}

func TestSReturnsNonNilSugaredLogger(t *testing.T) {
	assert.NotNil(t, S())
}

func TestWithJobReturnsNonNilLogger(t *testing.T) {
	logger := WithJob(7, "variant=A")
	assert.NotNil(t, logger)
}

func TestSyncDoesNotPanicBeforeOrAfterInit(t *testing.T) {
	assert.NotPanics(t, Sync)
	Init()
	assert.NotPanics(t, Sync)
}
