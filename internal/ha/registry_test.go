package ha

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExposedNodesGetUnknown(t *testing.T) {
	r := NewExposedNodes()

	exposed, ok := r.Get("node-1")
	assert.False(t, ok)
	assert.False(t, exposed)
}

func TestExposedNodesLastWriterWins(t *testing.T) {
	r := NewExposedNodes()

	r.Set("node-1", true)
	r.Set("node-1", false)

	exposed, ok := r.Get("node-1")
	assert.True(t, ok)
	assert.False(t, exposed)
}

func TestExposedNodesDelete(t *testing.T) {
	r := NewExposedNodes()

	r.Set("node-1", true)
	r.Delete("node-1")

	_, ok := r.Get("node-1")
	assert.False(t, ok)

	// Deleting an absent key is a no-op
	r.Delete("node-1")
}

func TestExposedNodesSnapshotIsACopy(t *testing.T) {
	r := NewExposedNodes()
	r.Set("node-1", true)
	r.Set("node-2", false)

	snap := r.Snapshot()
	assert.Equal(t, map[string]bool{"node-1": true, "node-2": false}, snap)

	snap["node-3"] = true
	_, ok := r.Get("node-3")
	assert.False(t, ok, "mutating the snapshot must not touch the registry")
}

func TestExposedNodesConcurrentWriters(t *testing.T) {
	r := NewExposedNodes()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(exposed bool) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Set("node-1", exposed)
				r.Get("node-1")
			}
		}(i%2 == 0)
	}
	wg.Wait()

	_, ok := r.Get("node-1")
	assert.True(t, ok)
}
