package memgate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Mapper is the interface for the map stage of a job
type Mapper interface {
	Map(key, value string, emitter Emitter)
}

// Reducer is the interface for the reduce stage of a job
type Reducer interface {
	Reduce(key string, values *ValueIterator, emitter Emitter)
}

type keyValue struct {
	Key   string
	Value string
}

// ValueIterator iterates over the values associated with one reduce key.
type ValueIterator struct {
	ch chan string
}

func newValueIterator(ch chan string) *ValueIterator {
	return &ValueIterator{ch: ch}
}

// Iter invokes f once per value.
func (v *ValueIterator) Iter(f func(value string)) {
	for value := range v.ch {
		f(value)
	}
}

// estRecordSize approximates bytes per record when sizing the expected
// record count that normalizes task progress.
const estRecordSize = 64

// Job is the logical container for a map/reduce job running inside one
// worker process. Every task a job spawns is registered with the pressure
// controller, reports progress and memory samples at record-boundary
// checkpoints, and unwinds early with partial output when flagged to stop.
type Job struct {
	Map           Mapper
	Reduce        Reducer
	PartitionFunc PartitionFunc

	config           *config
	controller       *Controller
	intermediateBins uint
	outputPath       string

	mapBytesRead       int64
	mapBytesWritten    int64
	reduceBytesRead    int64
	reduceBytesWritten int64

	stoppedTasks int64
	nextTaskID   int64
}

// NewJob creates a new job from a Mapper and Reducer.
func NewJob(mapper Mapper, reducer Reducer) *Job {
	return &Job{
		Map:    mapper,
		Reduce: reducer,
		config: &config{},
	}
}

func (j *Job) newTaskID() TaskID {
	return TaskID(atomic.AddInt64(&j.nextTaskID, 1))
}

// sampleBatch is the record-count checkpoint interval for progress
// reporting and stop-flag polling.
func (j *Job) sampleBatch() int64 {
	if j.config.SampleBatch <= 0 {
		return 100
	}
	return int64(j.config.SampleBatch)
}

func (j *Job) shuffleDir() string {
	return filepath.Join(j.outputPath, "shuffle")
}

func splitInputRecord(record string) *keyValue {
	fields := strings.Split(record, "\t")
	if len(fields) == 2 {
		return &keyValue{
			Key:   fields[0],
			Value: fields[1],
		}
	}
	return &keyValue{
		Value: record,
	}
}

// Logic for running a single map task
func (j *Job) runMapper(mapperID uint, splits []inputSplit) error {
	emitter := newMapperEmitter(j.intermediateBins, mapperID, j.shuffleDir())
	if j.PartitionFunc != nil {
		emitter.partitionFunc = j.PartitionFunc
	}

	id := j.newTaskID()
	if err := j.controller.RegisterTask(id, TaskResultCompute, emitter); err != nil {
		return err
	}
	defer j.controller.DeregisterTask(id)

	// Records are lines; sizing the expectation from split bytes gives the
	// progress normalization a denominator before the first read.
	var totalBytes int64
	for _, split := range splits {
		totalBytes += split.Size()
	}
	j.controller.Samples.UpdateExpectedRecordCount(id, totalBytes/estRecordSize+1)

	var records, bytes int64
	stopped := false
	for _, split := range splits {
		flagged, err := j.runMapperSplit(split, emitter, id, &records, &bytes)
		if err != nil {
			return err
		}
		if flagged {
			stopped = true
			break
		}
	}
	if stopped {
		atomic.AddInt64(&j.stoppedTasks, 1)
		log.Warnf("Map task %d flagged to stop, flushing partial output", id)
	}

	err := emitter.close()
	atomic.AddInt64(&j.mapBytesWritten, emitter.bytesWritten())
	return err
}

// runMapperSplit runs the mapper on a single inputSplit. Returns true when
// the task observed a stop recommendation and unwound early.
func (j *Job) runMapperSplit(split inputSplit, emitter *mapperEmitter, id TaskID, records, bytes *int64) (bool, error) {
	inputSource, err := os.Open(split.Filename)
	if err != nil {
		return false, err
	}
	defer inputSource.Close()

	if split.StartOffset != 0 {
		if _, err := inputSource.Seek(split.StartOffset, io.SeekStart); err != nil {
			return false, err
		}
	}

	scanner := bufio.NewScanner(inputSource)
	batch := j.sampleBatch()
	var bytesRead int64
	scanner.Split(countingSplitFunc(bufio.ScanLines, &bytesRead))

	// The first (partial) line of a non-initial split belongs to the
	// preceding split.
	if split.StartOffset != 0 {
		scanner.Scan()
	}

	for scanner.Scan() {
		record := scanner.Text()
		kv := splitInputRecord(record)
		j.Map.Map(kv.Key, kv.Value, emitter)
		*records++

		if *records%batch == 0 {
			j.reportMapProgress(id, *records, *bytes+bytesRead, emitter)
			if j.controller.IsFlaggedToStop(id) {
				*bytes += bytesRead
				atomic.AddInt64(&j.mapBytesRead, bytesRead)
				return true, nil
			}
		}

		// Stop reading when end of inputSplit is reached
		if split.Size() > 0 && bytesRead > split.Size() {
			break
		}
	}

	*bytes += bytesRead
	atomic.AddInt64(&j.mapBytesRead, bytesRead)
	j.reportMapProgress(id, *records, *bytes, emitter)

	return false, scanner.Err()
}

func (j *Job) reportMapProgress(id TaskID, records, bytes int64, emitter *mapperEmitter) {
	j.controller.Samples.UpdateFromTaskMetrics(id, TaskMetrics{
		InputRecordsRead:    records,
		InputBytesRead:      bytes,
		ShuffleBytesWritten: emitter.bytesWritten(),
	})
	if j.controller.Sampler.ShouldSampleNow(id) {
		j.controller.Samples.RecordShuffleSample(id, emitter.MemoryUsed())
	}
}

// groupBuffer accumulates a reducer's grouped intermediate data. It is the
// reduce task's memory handle: the controller may read MemoryUsed while
// the task is still appending.
type groupBuffer struct {
	data  map[string][]string
	bytes int64
}

func newGroupBuffer() *groupBuffer {
	return &groupBuffer{data: make(map[string][]string)}
}

func (g *groupBuffer) add(key, value string) {
	g.data[key] = append(g.data[key], value)
	atomic.AddInt64(&g.bytes, int64(len(key)+len(value)))
}

func (g *groupBuffer) MemoryUsed() int64 {
	return atomic.LoadInt64(&g.bytes)
}

// Logic for running a single reduce task
func (j *Job) runReducer(binID uint) error {
	// Determine the shuffle files this reducer is responsible for
	files, err := filepath.Glob(filepath.Join(j.shuffleDir(), "shuffle_map_*.data"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	// Open emitter for output data
	outPath := filepath.Join(j.outputPath, fmt.Sprintf("output-part-%d", binID))
	emitWriter, err := os.Create(outPath)
	if err != nil {
		return err
	}
	emitter := newReducerEmitter(emitWriter)

	groups := newGroupBuffer()
	id := j.newTaskID()
	if err := j.controller.RegisterTask(id, TaskShuffleRead, groups); err != nil {
		emitWriter.Close()
		return err
	}
	defer j.controller.DeregisterTask(id)

	type shuffleSpan struct {
		file       string
		start, end int64
	}
	spans := make([]shuffleSpan, 0, len(files))
	var totalBytes int64
	for _, file := range files {
		start, end, err := readOffsetsByPartition(indexPathFor(file), binID)
		if err != nil {
			return err
		}
		spans = append(spans, shuffleSpan{file, start, end})
		totalBytes += end - start
	}
	j.controller.Samples.UpdateExpectedRecordCount(id, totalBytes/estRecordSize+1)

	var bytesRead, records int64
	stopped := false
	for _, span := range spans {
		if span.end <= span.start {
			continue
		}
		flagged, err := j.readShuffleSpan(span.file, span.start, span.end, groups, id, &records, &bytesRead)
		if err != nil {
			return err
		}
		if flagged {
			stopped = true
			break
		}
	}
	j.reportReduceProgress(id, records, bytesRead, groups)
	if stopped {
		atomic.AddInt64(&j.stoppedTasks, 1)
		log.Warnf("Reduce task %d flagged to stop, reducing partial groups", id)
	}

	// Feed grouped data into the reducer
	var waitGroup sync.WaitGroup
	sem := semaphore.NewWeighted(10)
	for key, values := range groups.data {
		sem.Acquire(context.Background(), 1)
		waitGroup.Add(1)
		go func(key string, values []string) {
			defer sem.Release(1)

			keyChan := make(chan string)
			keyIter := newValueIterator(keyChan)

			go func() {
				defer waitGroup.Done()
				j.Reduce.Reduce(key, keyIter, emitter)
			}()

			for _, value := range values {
				// Pass current value to the appropriate key channel
				keyChan <- value
			}
			close(keyChan)
		}(key, values)
	}
	waitGroup.Wait()

	err = emitter.close()
	atomic.AddInt64(&j.reduceBytesWritten, emitter.bytesWritten())
	atomic.AddInt64(&j.reduceBytesRead, bytesRead)
	return err
}

// readShuffleSpan reads one partition's byte range from a shuffle data
// file into the group buffer. Returns true when the task observed a stop
// recommendation mid-span.
func (j *Job) readShuffleSpan(file string, start, end int64, groups *groupBuffer, id TaskID, records, bytesRead *int64) (bool, error) {
	reader, err := os.Open(file)
	if err != nil {
		return false, err
	}
	defer reader.Close()

	if _, err := reader.Seek(start, io.SeekStart); err != nil {
		return false, err
	}

	lineReader := bufio.NewReader(reader)
	batch := j.sampleBatch()
	currentOffset := start
	for currentOffset < end {
		line, err := lineReader.ReadString('\n')
		if line == "" && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return false, err
		}
		currentOffset += int64(len(line))
		*bytesRead += int64(len(line))

		kv := strings.SplitN(strings.TrimSuffix(line, "\n"), "\t", 2)
		if len(kv) == 2 {
			groups.add(kv[0], kv[1])
			*records++

			if *records%batch == 0 {
				j.reportReduceProgress(id, *records, *bytesRead, groups)
				if j.controller.IsFlaggedToStop(id) {
					return true, nil
				}
			}
		}

		if err == io.EOF {
			break
		}
	}
	return false, nil
}

func (j *Job) reportReduceProgress(id TaskID, records, bytes int64, groups *groupBuffer) {
	j.controller.Samples.UpdateFromTaskMetrics(id, TaskMetrics{
		ShuffleRecordsRead: records,
		ShuffleBytesRead:   bytes,
	})
	if j.controller.Sampler.ShouldSampleNow(id) {
		j.controller.Samples.RecordCacheSample(id, groups.MemoryUsed())
	}
}

// readOffsetsByPartition reads the [start, end) byte range of a partition
// from a shuffle index file.
func readOffsetsByPartition(indexPath string, partitionID uint) (int64, int64, error) {
	indexReader, err := os.Open(indexPath)
	if err != nil {
		return -1, -1, err
	}
	defer indexReader.Close()

	reader := bufio.NewReader(indexReader)
	var startOffset, endOffset int64 = -1, -1
	for rid := uint(0); rid <= partitionID+1; rid++ {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return -1, -1, err
		}
		offset, perr := strconv.ParseInt(strings.TrimSuffix(line, "\n"), 10, 64)
		if perr != nil {
			return -1, -1, fmt.Errorf("malformed shuffle index %s: %v", indexPath, perr)
		}
		if rid == partitionID {
			startOffset = offset
		} else if rid == partitionID+1 {
			endOffset = offset
		}
	}
	return startOffset, endOffset, nil
}

// inputSplits calculates all input files' inputSplits.
func (j *Job) inputSplits(inputs []string, maxSplitSize int64) []inputSplit {
	files := make([]string, 0)
	for _, inputPath := range inputs {
		matches, err := filepath.Glob(inputPath)
		if err != nil {
			log.Warn(err)
			continue
		}
		files = append(files, matches...)
	}

	splits := make([]inputSplit, 0)
	for _, inputFileName := range files {
		fInfo, err := os.Stat(inputFileName)
		if err != nil {
			log.Warnf("Unable to load input file: %s (%s)", inputFileName, err)
			continue
		}
		splits = append(splits, splitInputFile(inputFileName, fInfo, maxSplitSize)...)
	}

	j.intermediateBins = uint(j.config.NumReduce)

	return splits
}
