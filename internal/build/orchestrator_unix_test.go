//go:build linux || darwin

package build

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/strata/internal/errors"
)

// A worker blocked in file I/O cannot observe the pass context. The gate
// must still be released once the pass times out.
func TestTriggerTimeoutReleasesGateWhenWorkerStalls(t *testing.T) {
	env := newTestEnv(t, Options{Timeout: 500 * time.Millisecond}, nil)

	_, err := env.orch.Trigger(context.Background(), false)
	require.NoError(t, err)

	// opening a fifo for reading blocks until a writer shows up
	artifact := env.artifact("posts.js")
	require.NoError(t, os.Remove(artifact))
	require.NoError(t, syscall.Mkfifo(artifact, 0o644))

	start := time.Now()
	result, err := env.orch.Trigger(context.Background(), true)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, result.Success)

	var se *errors.StrataError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, errors.ErrCodeCompileTimeout, se.Code)
	assert.False(t, env.orch.Status().Compiling, "gate must be released on timeout")

	// unblock the abandoned worker, then compile again
	require.Eventually(t, func() bool {
		f, err := os.OpenFile(artifact, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			return false
		}
		f.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, os.Remove(artifact))

	result, err = env.orch.Trigger(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Compiled)

	hash, err := ReadArtifactHash(artifact)
	require.NoError(t, err)
	assert.Equal(t, ContentHash([]byte(postsSource)), hash)
}
