package errors

import (
	std_errors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = std_errors.New("sentinel")

func TestTraceKeepsChain(t *testing.T) {
	err := Trace(errSentinel)
	require.Error(t, err)
	assert.True(t, std_errors.Is(err, errSentinel))
	assert.Contains(t, err.Error(), "errors.TestTraceKeepsChain#")
	assert.True(t, strings.HasSuffix(err.Error(), ": sentinel"))
}

func TestTraceNil(t *testing.T) {
	assert.NoError(t, Trace(nil))
	assert.NoError(t, TraceMsg(nil, "ignored"))
}

func TestTraceMsg(t *testing.T) {
	err := TraceMsg(errSentinel, "open region")
	assert.True(t, std_errors.Is(err, errSentinel))
	assert.Contains(t, err.Error(), ": open region: sentinel")
}

func TestTracefWraps(t *testing.T) {
	err := Tracef("size %d: %w", 42, errSentinel)
	assert.True(t, std_errors.Is(err, errSentinel))
	assert.Contains(t, err.Error(), "size 42: sentinel")
}

func TestTraceNew(t *testing.T) {
	err := TraceNew("boom")
	assert.Contains(t, err.Error(), "errors.TestTraceNew#")
	assert.True(t, strings.HasSuffix(err.Error(), ": boom"))
}
