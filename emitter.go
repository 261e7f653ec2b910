package memgate

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/mattetti/filebuffer"
	log "github.com/sirupsen/logrus"
)

// PartitionFunc assigns a key to one of numBins intermediate shuffle bins.
type PartitionFunc func(key string, numBins uint) uint

// Emitter enables mappers and reducers to yield key-value pairs.
type Emitter interface {
	Emit(key, value string) error
	close() error
	bytesWritten() int64
}

// hashPartition partitions a key to one of numBins shuffle bins
func hashPartition(key string, numBins uint) uint {
	h := fnv.New64()
	h.Write([]byte(key))
	return uint(h.Sum64() % uint64(numBins))
}

// reducerEmitter is a threadsafe emitter.
type reducerEmitter struct {
	writer       io.WriteCloser
	mut          *sync.Mutex
	writtenBytes int64
}

// newReducerEmitter initializes and returns a new reducerEmitter
func newReducerEmitter(writer io.WriteCloser) *reducerEmitter {
	return &reducerEmitter{
		writer: writer,
		mut:    &sync.Mutex{},
	}
}

// Emit yields a key-value pair to the framework.
func (e *reducerEmitter) Emit(key, value string) error {
	e.mut.Lock()
	defer e.mut.Unlock()

	n, err := e.writer.Write([]byte(fmt.Sprintf("%s\t%s\n", key, value)))
	e.writtenBytes += int64(n)
	return err
}

// close terminates the reducerEmitter. close must not be called more than once
func (e *reducerEmitter) close() error {
	return e.writer.Close()
}

func (e *reducerEmitter) bytesWritten() int64 {
	return e.writtenBytes
}

// mapperEmitter partitions emitted pairs into in-memory shuffle buffers
// and flushes them as a single data file plus an index file on close. The
// buffered bytes are exactly the shuffle memory the owning task is charged
// for, so the emitter doubles as the task's memory handle.
type mapperEmitter struct {
	numBins       uint   // number of intermediate shuffle bins
	mapperID      uint   // numeric identifier of the mapper using this emitter
	runID         string // disambiguates output of reruns of the same mapper
	outDir        string // folder to save map output to
	partitionFunc PartitionFunc

	mu           sync.Mutex
	buffers      map[uint]*filebuffer.Buffer
	buffered     int64
	writtenBytes int64
}

// newMapperEmitter initializes a new mapperEmitter
func newMapperEmitter(numBins uint, mapperID uint, outDir string) *mapperEmitter {
	return &mapperEmitter{
		numBins:       numBins,
		mapperID:      mapperID,
		runID:         uuid.NewString(),
		outDir:        outDir,
		partitionFunc: hashPartition,
		buffers:       make(map[uint]*filebuffer.Buffer, numBins),
	}
}

// Emit buffers a key-value pair in its shuffle partition.
func (me *mapperEmitter) Emit(key, value string) error {
	bin := me.partitionFunc(key, me.numBins)

	me.mu.Lock()
	defer me.mu.Unlock()

	buf, exists := me.buffers[bin]
	if !exists {
		buf = filebuffer.New(nil)
		me.buffers[bin] = buf
	}
	n, err := fmt.Fprintf(buf, "%s\t%s\n", key, value)
	me.buffered += int64(n)
	return err
}

// MemoryUsed reports the bytes currently held in shuffle buffers.
func (me *mapperEmitter) MemoryUsed() int64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.buffered
}

func (me *mapperEmitter) dataPath() string {
	return filepath.Join(me.outDir, fmt.Sprintf("shuffle_map_%d_%s.data", me.mapperID, me.runID))
}

// close flushes the partition buffers into the shuffle data file and
// writes per-partition offsets into the matching index file. Must not be
// called more than once.
func (me *mapperEmitter) close() error {
	me.mu.Lock()
	defer me.mu.Unlock()

	dataFile, err := os.Create(me.dataPath())
	if err != nil {
		return err
	}

	lengths := make([]int64, 0, me.numBins+1)
	var offset int64
	lengths = append(lengths, 0)
	for bin := uint(0); bin < me.numBins; bin++ {
		if buf, exists := me.buffers[bin]; exists {
			n, err := dataFile.Write(buf.Buff.Bytes())
			if err != nil {
				dataFile.Close()
				return err
			}
			offset += int64(n)
			me.writtenBytes += int64(n)
		}
		lengths = append(lengths, offset)
	}
	if err := dataFile.Close(); err != nil {
		return err
	}

	// Buffers are flushed; the task no longer holds shuffle memory.
	me.buffers = make(map[uint]*filebuffer.Buffer)
	me.buffered = 0

	return me.writeIndexFile(lengths)
}

func (me *mapperEmitter) writeIndexFile(lengths []int64) error {
	indexPath := indexPathFor(me.dataPath())
	indexWriter, err := os.Create(indexPath)
	if err != nil {
		return err
	}

	for _, offset := range lengths {
		if _, err := indexWriter.Write([]byte(strconv.FormatInt(offset, 10) + "\n")); err != nil {
			log.Errorf("Error writing shuffle index %s: %s", indexPath, err)
		}
	}
	return indexWriter.Close()
}

func (me *mapperEmitter) bytesWritten() int64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.writtenBytes
}

// indexPathFor derives the index file path from a shuffle data file path.
func indexPathFor(dataPath string) string {
	return dataPath[:len(dataPath)-len(".data")] + ".index"
}
