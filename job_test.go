package memgate

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wordCount struct{}

func (wordCount) Map(key, value string, emitter Emitter) {
	for _, word := range strings.Fields(value) {
		emitter.Emit(word, "1")
	}
}

func (wordCount) Reduce(key string, values *ValueIterator, emitter Emitter) {
	count := 0
	values.Iter(func(string) {
		count++
	})
	emitter.Emit(key, strconv.Itoa(count))
}

type mapperFunc func(key, value string, emitter Emitter)

func (f mapperFunc) Map(key, value string, emitter Emitter) {
	f(key, value, emitter)
}

func newLocalJob(t *testing.T, mapper Mapper, reducer Reducer, counter MemoryCounter, numReduce int) *Job {
	t.Helper()
	j := NewJob(mapper, reducer)
	j.config = &config{
		SplitSize:   64 * 1024,
		MapBinSize:  512 * 1024,
		NumReduce:   numReduce,
		SampleBatch: 10,
		Cleanup:     false,
	}
	j.controller = NewController(counter)
	j.outputPath = t.TempDir()
	j.intermediateBins = uint(numReduce)
	require.NoError(t, os.MkdirAll(j.shuffleDir(), 0755))
	return j
}

func readCounts(t *testing.T, dir string) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	outputs, err := filepath.Glob(filepath.Join(dir, "output-part-*"))
	require.NoError(t, err)
	for _, path := range outputs {
		f, err := os.Open(path)
		require.NoError(t, err)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			kv := strings.SplitN(scanner.Text(), "\t", 2)
			require.Len(t, kv, 2)
			n, err := strconv.Atoi(kv[1])
			require.NoError(t, err)
			counts[kv[0]] += n
		}
		require.NoError(t, scanner.Err())
		f.Close()
	}
	return counts
}

func TestJobWordCount(t *testing.T) {
	j := newLocalJob(t, wordCount{}, wordCount{}, idleCounter(), 2)

	inputPath := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(inputPath,
		[]byte("the quick brown fox\nthe lazy dog\nthe end\n"), 0644))

	splits := j.inputSplits([]string{inputPath}, j.config.SplitSize)
	require.NotEmpty(t, splits)

	require.NoError(t, j.runMapper(0, splits))
	for bin := uint(0); bin < j.intermediateBins; bin++ {
		require.NoError(t, j.runReducer(bin))
	}

	counts := readCounts(t, j.outputPath)
	assert.Equal(t, map[string]int{
		"the": 3, "quick": 1, "brown": 1, "fox": 1,
		"lazy": 1, "dog": 1, "end": 1,
	}, counts)

	// Every task deregistered and left a history entry: one mapper plus
	// one reducer per bin.
	assert.Empty(t, j.controller.RunningTasks())
	assert.Len(t, j.controller.History(), 3)
}

func TestJobMapperHonorsStopRecommendation(t *testing.T) {
	j := newLocalJob(t, nil, wordCount{}, idleCounter(), 1)
	j.config.SampleBatch = 1 // check the stop flag at every record

	// The mapper flags its own task, standing in for a pressure round
	// firing while it runs.
	j.Map = mapperFunc(func(key, value string, emitter Emitter) {
		j.controller.AddStopRecommendation(1, 1)
	})

	var lines strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&lines, "line %d\n", i)
	}
	inputPath := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(inputPath, []byte(lines.String()), 0644))

	splits := j.inputSplits([]string{inputPath}, j.config.SplitSize)
	require.NoError(t, j.runMapper(0, splits))

	assert.Equal(t, int64(1), j.stoppedTasks)

	// Deregistration drained the stop set, so the next wave may proceed.
	assert.False(t, j.controller.HasAnyStopRecommendation())

	history := j.controller.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Stopped)
	assert.Less(t, history[0].Metrics.InputRecordsRead, int64(100))
}

func TestJobReducerReadsOwnPartitionOnly(t *testing.T) {
	j := newLocalJob(t, wordCount{}, wordCount{}, idleCounter(), 2)

	inputPath := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(inputPath, []byte("a b c d e f g h\n"), 0644))

	splits := j.inputSplits([]string{inputPath}, j.config.SplitSize)
	require.NoError(t, j.runMapper(0, splits))
	require.NoError(t, j.runReducer(0))
	require.NoError(t, j.runReducer(1))

	counts := readCounts(t, j.outputPath)
	assert.Len(t, counts, 8)
	for word, n := range counts {
		assert.Equal(t, 1, n, "word %q", word)
	}
}

func TestSplitInputRecord(t *testing.T) {
	kv := splitInputRecord("key\tvalue")
	assert.Equal(t, "key", kv.Key)
	assert.Equal(t, "value", kv.Value)

	kv = splitInputRecord("just a line")
	assert.Equal(t, "", kv.Key)
	assert.Equal(t, "just a line", kv.Value)
}
