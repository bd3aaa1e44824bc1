// ABOUTME: SPSC ring buffer tests: wraparound, underflow zeros, overflow drop
// ABOUTME: Includes a producer/consumer smoke test across goroutines
package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	r := NewRing(8)
	n := r.Write([]float32{1, 2, 3})
	require.Equal(t, 3, n)
	assert.Equal(t, 3, r.Available())

	out := make([]float32, 3)
	n = r.Read(out)
	require.Equal(t, 3, n)
	assert.Equal(t, []float32{1, 2, 3}, out)
	assert.Equal(t, 0, r.Available())
}

func TestWraparound(t *testing.T) {
	r := NewRing(4)
	out := make([]float32, 3)

	for i := 0; i < 10; i++ {
		base := float32(i * 3)
		require.Equal(t, 3, r.Write([]float32{base, base + 1, base + 2}))
		require.Equal(t, 3, r.Read(out))
		assert.Equal(t, []float32{base, base + 1, base + 2}, out)
	}
}

func TestUnderflowYieldsExactZeros(t *testing.T) {
	r := NewRing(8)
	r.Write([]float32{7, 7, 7, 7})
	out := make([]float32, 4)
	r.Read(out)

	// Stale data lives in the backing array now; an empty read must still
	// produce zeros, not leftovers.
	n := r.Read(out)
	assert.Equal(t, 0, n)
	assert.Equal(t, []float32{0, 0, 0, 0}, out)
	assert.Equal(t, uint64(4), r.Underruns())
}

func TestPartialReadZeroPads(t *testing.T) {
	r := NewRing(8)
	r.Write([]float32{1, 2})
	out := make([]float32, 4)
	n := r.Read(out)
	assert.Equal(t, 2, n)
	assert.Equal(t, []float32{1, 2, 0, 0}, out)
}

func TestOverflowDropsNewest(t *testing.T) {
	r := NewRing(4)
	n := r.Write([]float32{1, 2, 3, 4, 5, 6})
	assert.Equal(t, 4, n)
	assert.Equal(t, uint64(2), r.Overruns())

	out := make([]float32, 4)
	r.Read(out)
	assert.Equal(t, []float32{1, 2, 3, 4}, out)
}

func TestClear(t *testing.T) {
	r := NewRing(8)
	r.Write([]float32{1, 2, 3})
	r.Clear()
	assert.Equal(t, 0, r.Available())
	assert.Equal(t, 8, r.Free())
}

func TestConcurrentSPSC(t *testing.T) {
	r := NewRing(1024)
	const total = 100000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		i := 0
		for i < total {
			if r.Write([]float32{float32(i)}) == 1 {
				i++
			}
		}
	}()

	received := make([]float32, 0, total)
	go func() {
		defer wg.Done()
		out := make([]float32, 64)
		for len(received) < total {
			n := r.Read(out)
			received = append(received, out[:n]...)
		}
	}()

	wg.Wait()

	require.Len(t, received, total)
	for i, v := range received {
		if v != float32(i) {
			t.Fatalf("sample %d: got %v", i, v)
		}
	}
}
