package memgate

import "runtime"

// MemStat is one reading from the memory accounting collaborator. All
// figures are byte counts.
type MemStat struct {
	ExecutionUsed   int64
	StorageUsed     int64
	StorageCapacity int64
}

// used is the aggregate memory already consumed on the worker.
func (m MemStat) used() int64 {
	return m.StorageUsed + m.ExecutionUsed
}

// free is the storage headroom left before capacity; reported only in
// diagnostics.
func (m MemStat) free() int64 {
	return m.StorageCapacity - m.StorageUsed
}

// valid rejects inconsistent readings, e.g. negative free memory from an
// accounting source mid-update.
func (m MemStat) valid() bool {
	return m.ExecutionUsed >= 0 && m.StorageUsed >= 0 &&
		m.StorageCapacity > 0 && m.free() >= 0
}

// MemoryCounter is the narrow read-only interface consumed from the memory
// accounting subsystem. The controller never implements accounting itself.
type MemoryCounter interface {
	Snapshot() (MemStat, error)
}

// RuntimeMemoryCounter reports the Go heap as execution memory against a
// fixed capacity. It stands in when no external accounting subsystem is
// wired up.
type RuntimeMemoryCounter struct {
	Capacity int64

	// StorageUsed, when set, reports engine-managed buffer memory.
	StorageUsed func() int64
}

func (c *RuntimeMemoryCounter) Snapshot() (MemStat, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var storage int64
	if c.StorageUsed != nil {
		storage = c.StorageUsed()
	}
	return MemStat{
		ExecutionUsed:   int64(ms.HeapInuse),
		StorageUsed:     storage,
		StorageCapacity: c.Capacity,
	}, nil
}
