package memgate

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// firstLetterPartition puts keys starting before "m" in bin 0, the rest in
// bin 1.
func firstLetterPartition(key string, numBins uint) uint {
	if key < "m" {
		return 0
	}
	return 1
}

func TestMapperEmitterWritesDataAndIndex(t *testing.T) {
	dir := t.TempDir()
	me := newMapperEmitter(2, 0, dir)
	me.partitionFunc = firstLetterPartition

	require.NoError(t, me.Emit("apple", "1"))
	require.NoError(t, me.Emit("zebra", "2"))
	require.NoError(t, me.Emit("apple", "3"))
	assert.Greater(t, me.MemoryUsed(), int64(0))

	require.NoError(t, me.close())

	// Buffers are released once flushed.
	assert.Equal(t, int64(0), me.MemoryUsed())
	assert.Greater(t, me.bytesWritten(), int64(0))

	data, err := os.ReadFile(me.dataPath())
	require.NoError(t, err)

	start0, end0, err := readOffsetsByPartition(indexPathFor(me.dataPath()), 0)
	require.NoError(t, err)
	assert.Equal(t, "apple\t1\napple\t3\n", string(data[start0:end0]))

	start1, end1, err := readOffsetsByPartition(indexPathFor(me.dataPath()), 1)
	require.NoError(t, err)
	assert.Equal(t, "zebra\t2\n", string(data[start1:end1]))
	assert.Equal(t, int64(len(data)), end1)
}

func TestMapperEmitterEmptyPartition(t *testing.T) {
	dir := t.TempDir()
	me := newMapperEmitter(3, 1, dir)
	me.partitionFunc = func(string, uint) uint { return 2 }

	require.NoError(t, me.Emit("key", "value"))
	require.NoError(t, me.close())

	start0, end0, err := readOffsetsByPartition(indexPathFor(me.dataPath()), 0)
	require.NoError(t, err)
	assert.Equal(t, start0, end0)

	start2, end2, err := readOffsetsByPartition(indexPathFor(me.dataPath()), 2)
	require.NoError(t, err)
	assert.Greater(t, end2, start2)
}

type discardCloser struct {
	n int64
}

func (d *discardCloser) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	return len(p), nil
}

func (d *discardCloser) Close() error { return nil }

func TestReducerEmitterCountsBytesConcurrently(t *testing.T) {
	sink := &discardCloser{}
	e := newReducerEmitter(sink)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Emit("k", "v")
			}
		}()
	}
	wg.Wait()
	require.NoError(t, e.close())

	assert.Equal(t, int64(1000*len("k\tv\n")), e.bytesWritten())
	assert.Equal(t, e.bytesWritten(), sink.n)
}

func TestHashPartitionStaysInRange(t *testing.T) {
	for _, key := range []string{"", "a", "grape", "watermelon"} {
		assert.Less(t, hashPartition(key, 4), uint(4))
	}
	// Deterministic for the same key.
	assert.Equal(t, hashPartition("grape", 8), hashPartition("grape", 8))
}
