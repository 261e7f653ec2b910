package memgate

import (
	"sort"
	"sync"
)

// memorySnapshot keeps the two most recent usage samples for one memory
// path so a growth delta can be derived.
type memorySnapshot struct {
	prev, cur int64
	reported  int
}

func (m *memorySnapshot) record(v int64) {
	m.prev = m.cur
	m.cur = v
	m.reported++
}

func (m *memorySnapshot) delta() int64 {
	if m.reported < 2 {
		return 0
	}
	return m.cur - m.prev
}

// sampleRecord holds one task's progress counters and memory snapshots.
// The read counters only ratchet upward within the task's lifetime.
type sampleRecord struct {
	expectedRecords int64
	inputRecords    int64
	shuffleRecords  int64
	cacheRecords    int64
	cogroupRecords  int64

	inputBytes     int64
	shuffleBytes   int64
	outputBytes    int64
	shuffleWritten int64

	shuffleMem memorySnapshot
	cacheMem   memorySnapshot
}

func (s *sampleRecord) recordsRead() int64 {
	return s.inputRecords + s.shuffleRecords + s.cacheRecords + s.cogroupRecords
}

func (s *sampleRecord) bytesRead() int64 {
	return s.inputBytes + s.shuffleBytes
}

func (s *sampleRecord) memoryUsed() int64 {
	return s.shuffleMem.cur + s.cacheMem.cur
}

func (s *sampleRecord) memoryDelta() int64 {
	return s.shuffleMem.delta() + s.cacheMem.delta()
}

func ratchet(dst *int64, v int64) {
	if v > *dst {
		*dst = v
	}
}

// SampleStore is the per-task mutable record of I/O and memory counters.
// Tasks write their own record; the controller reads all of them when
// ranking. Every operation is a silent no-op for an unknown task id: a
// task may keep reporting briefly after it has been deregistered, and that
// race is benign.
type SampleStore struct {
	mu      sync.RWMutex
	records map[TaskID]*sampleRecord
	sampler *Sampler
}

func newSampleStore(sampler *Sampler) *SampleStore {
	return &SampleStore{
		records: make(map[TaskID]*sampleRecord),
		sampler: sampler,
	}
}

func (ss *SampleStore) add(id TaskID) {
	ss.mu.Lock()
	ss.records[id] = &sampleRecord{}
	ss.mu.Unlock()
}

// Remove drops all sampled state for a finished task.
func (ss *SampleStore) Remove(id TaskID) {
	ss.mu.Lock()
	delete(ss.records, id)
	ss.mu.Unlock()
}

// UpdateExpectedRecordCount sets the total number of records the task
// expects to process. Set before the task begins reading.
func (ss *SampleStore) UpdateExpectedRecordCount(id TaskID, n int64) {
	ss.mu.Lock()
	if rec, ok := ss.records[id]; ok {
		ratchet(&rec.expectedRecords, n)
	}
	ss.mu.Unlock()
}

// UpdateCacheReadRecords reports progress on the cache read path.
func (ss *SampleStore) UpdateCacheReadRecords(id TaskID, n int64) {
	ss.mu.Lock()
	if rec, ok := ss.records[id]; ok {
		ratchet(&rec.cacheRecords, n)
	}
	ss.mu.Unlock()
}

// UpdateCogroupReadRecords reports progress on the cogroup read path.
func (ss *SampleStore) UpdateCogroupReadRecords(id TaskID, n int64) {
	ss.mu.Lock()
	if rec, ok := ss.records[id]; ok {
		ratchet(&rec.cogroupRecords, n)
	}
	ss.mu.Unlock()
}

// UpdateFromTaskMetrics bulk-absorbs a task's instrumentation snapshot.
func (ss *SampleStore) UpdateFromTaskMetrics(id TaskID, m TaskMetrics) {
	ss.mu.Lock()
	if rec, ok := ss.records[id]; ok {
		ratchet(&rec.inputRecords, m.InputRecordsRead)
		ratchet(&rec.inputBytes, m.InputBytesRead)
		ratchet(&rec.shuffleRecords, m.ShuffleRecordsRead)
		ratchet(&rec.shuffleBytes, m.ShuffleBytesRead)
		ratchet(&rec.outputBytes, m.OutputBytesWritten)
		ratchet(&rec.shuffleWritten, m.ShuffleBytesWritten)
	}
	ss.mu.Unlock()
}

// RecordShuffleSample stores a fresh shuffle memory-usage snapshot,
// shifting previous to current, and acknowledges the sample request.
func (ss *SampleStore) RecordShuffleSample(id TaskID, memoryUsageBytes int64) {
	ss.mu.Lock()
	rec, ok := ss.records[id]
	if ok {
		rec.shuffleMem.record(memoryUsageBytes)
	}
	ss.mu.Unlock()

	if ok {
		samplesReportedTotal.WithLabelValues("shuffle").Inc()
		ss.sampler.AcknowledgeSampled(id)
	}
}

// RecordCacheSample stores a fresh cache memory-usage snapshot, shifting
// previous to current, and acknowledges the sample request.
func (ss *SampleStore) RecordCacheSample(id TaskID, memoryUsageBytes int64) {
	ss.mu.Lock()
	rec, ok := ss.records[id]
	if ok {
		rec.cacheMem.record(memoryUsageBytes)
	}
	ss.mu.Unlock()

	if ok {
		samplesReportedTotal.WithLabelValues("cache").Inc()
		ss.sampler.AcknowledgeSampled(id)
	}
}

// MemoryUsageDelta returns the task's combined shuffle+cache memory growth
// between its two most recent samples, or 0 while fewer than two samples
// exist.
func (ss *SampleStore) MemoryUsageDelta(id TaskID) int64 {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	rec, ok := ss.records[id]
	if !ok {
		return 0
	}
	return rec.memoryDelta()
}

// AllMemoryUsageDeltas returns a consistent snapshot of the memory growth
// deltas for every currently sampled task, as parallel slices sorted by
// task id.
func (ss *SampleStore) AllMemoryUsageDeltas() ([]TaskID, []int64) {
	ss.mu.RLock()
	ids := make([]TaskID, 0, len(ss.records))
	for id := range ss.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	deltas := make([]int64, len(ids))
	for i, id := range ids {
		deltas[i] = ss.records[id].memoryDelta()
	}
	ss.mu.RUnlock()

	return ids, deltas
}

// snapshot returns a copy of the task's sample record for ranking.
func (ss *SampleStore) snapshot(id TaskID) (sampleRecord, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	rec, ok := ss.records[id]
	if !ok {
		return sampleRecord{}, false
	}
	return *rec, true
}
