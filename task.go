package memgate

// TaskID identifies one unit of concurrently executing work inside the
// worker process. IDs are assigned by the execution engine and are opaque
// to the controller.
type TaskID int64

// TaskKind is a descriptor of what a task spends its memory on.
type TaskKind int

// Descriptors of the task kind
const (
	TaskResultCompute TaskKind = iota // reads job input, computes output
	TaskShuffleRead                   // reads intermediate shuffle data
)

func (k TaskKind) String() string {
	switch k {
	case TaskResultCompute:
		return "result-compute"
	case TaskShuffleRead:
		return "shuffle-read"
	}
	return "unknown"
}

// TaskMetrics is a point-in-time snapshot of a task's standard
// instrumentation counters. Tasks push it into the sample store at their
// own checkpoints; values are cumulative for the task's lifetime.
type TaskMetrics struct {
	InputRecordsRead    int64
	InputBytesRead      int64
	ShuffleRecordsRead  int64
	ShuffleBytesRead    int64
	OutputBytesWritten  int64
	ShuffleBytesWritten int64
}

// MemoryHandle is the per-task memory manager handle the engine registers
// alongside a task. The controller reads it only for diagnostics; sampled
// usage always arrives through the sample store.
type MemoryHandle interface {
	MemoryUsed() int64
}

type taskRecord struct {
	id   TaskID
	kind TaskKind
	mem  MemoryHandle
}

// TaskSummary is the bounded history entry retained for a finished task.
type TaskSummary struct {
	ID          TaskID
	Kind        TaskKind
	Stopped     bool
	StopLevel   int
	MemoryDelta int64
	Metrics     TaskMetrics
}
