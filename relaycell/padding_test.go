package relaycell

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaddingRNGProducesKeystream(t *testing.T) {
	rng, err := NewPaddingRNG()
	require.NoError(t, err)

	a := make([]byte, 64)
	b := make([]byte, 64)
	_, err = io.ReadFull(rng, a)
	require.NoError(t, err)
	_, err = io.ReadFull(rng, b)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, make([]byte, 64), a)
}

func TestPaddingRNGIndependentInstances(t *testing.T) {
	rngA, err := NewPaddingRNG()
	require.NoError(t, err)
	rngB, err := NewPaddingRNG()
	require.NoError(t, err)

	a := make([]byte, 32)
	b := make([]byte, 32)
	_, _ = io.ReadFull(rngA, a)
	_, _ = io.ReadFull(rngB, b)
	assert.False(t, bytes.Equal(a, b))
}

func TestPaddingRNGConcurrentReads(t *testing.T) {
	rng, err := NewPaddingRNG()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 498)
			for j := 0; j < 100; j++ {
				if _, err := rng.Read(buf); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
