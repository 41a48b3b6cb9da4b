package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPoolRunsSubmissions(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, defaultHarnessOpts(), nil)
	pool := NewPool(h.machine, 2)

	var pipelines []*Pipeline
	for i := 0; i < 5; i++ {
		p, err := h.machine.NewPipeline(testTask(), []AgentDefinition{testAgent("designer", GateAutoAdvance, 1)})
		require.NoError(t, err)
		pipelines = append(pipelines, p)
		require.NoError(t, pool.Submit(p))
	}

	pool.Shutdown()

	for _, p := range pipelines {
		loaded, err := h.checkpoints.Load(p.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, loaded.Status)
	}
	assert.Equal(t, 5, h.clients["alpha"].callCount())
	assert.Empty(t, pool.ActiveIDs())
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, defaultHarnessOpts(), nil)
	pool := NewPool(h.machine, 1)
	pool.Shutdown()

	p, err := h.machine.NewPipeline(testTask(), nil)
	require.NoError(t, err)
	assert.Error(t, pool.Submit(p))
}

func TestPoolShutdownIdempotent(t *testing.T) {
	h := newHarness(t, defaultHarnessOpts(), nil)
	pool := NewPool(h.machine, 1)
	pool.Shutdown()
	pool.Shutdown()
}

func TestPoolBoundedConcurrency(t *testing.T) {
	// Workers never exceed the configured bound even with a deep queue.
	h := newHarness(t, defaultHarnessOpts(), nil)
	pool := NewPool(h.machine, 2)

	for i := 0; i < 8; i++ {
		p, err := h.machine.NewPipeline(testTask(), []AgentDefinition{testAgent("designer", GateAutoAdvance, 1)})
		require.NoError(t, err)
		require.NoError(t, pool.Submit(p))
		assert.LessOrEqual(t, len(pool.ActiveIDs()), 2)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.clients["alpha"].callCount() == 8 {
			break
		}
		assert.LessOrEqual(t, len(pool.ActiveIDs()), 2)
		time.Sleep(time.Millisecond)
	}
	pool.Shutdown()
	assert.Equal(t, 8, h.clients["alpha"].callCount())
}
