package memgate

import (
	"sort"
	"sync"

	humanize "github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
)

// Controller is the memory-pressure triage engine for one worker process.
// The execution engine registers tasks as they start, deregisters them as
// they finish, and calls Evaluate periodically; running tasks report
// progress and memory samples through Samples and poll Sampler and
// IsFlaggedToStop at their own checkpoints. Stop recommendations are
// cooperative: a flagged task is expected to unwind gracefully, nothing is
// killed.
type Controller struct {
	Samples *SampleStore
	Sampler *Sampler

	counter MemoryCounter
	tasks   *registry

	yellowLine         float64
	targetConcurrency  int
	stopPriorityLevels int

	mu    sync.Mutex
	stops map[TaskID]int

	history *lru.Cache
}

// ControllerOption allows configuration of a Controller
type ControllerOption func(*Controller)

// WithYellowLine sets the fraction of capacity that triggers pressure
// relief. Values outside (0,1) are ignored.
func WithYellowLine(y float64) ControllerOption {
	return func(c *Controller) {
		if y > 0 && y < 1 {
			c.yellowLine = y
		}
	}
}

// WithTargetConcurrency sets an additional stop-selection cap: selection
// stops once the number of unflagged running tasks reaches n. Zero
// disables the cap.
func WithTargetConcurrency(n int) ControllerOption {
	return func(c *Controller) { c.targetConcurrency = n }
}

// WithStopPriorityLevels sets how many distinct severity bands stop
// recommendations may use.
func WithStopPriorityLevels(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.stopPriorityLevels = n
		}
	}
}

// WithHistorySize bounds the finished-task history.
func WithHistorySize(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.history, _ = lru.New(n)
		}
	}
}

// NewController creates a Controller reading global memory figures from
// counter.
func NewController(counter MemoryCounter, options ...ControllerOption) *Controller {
	sampler := newSampler()
	c := &Controller{
		Samples:            newSampleStore(sampler),
		Sampler:            sampler,
		counter:            counter,
		tasks:              newRegistry(),
		yellowLine:         0.4,
		stopPriorityLevels: 3,
		stops:              make(map[TaskID]int),
	}
	c.history, _ = lru.New(128)

	for _, f := range options {
		f(c)
	}
	return c
}

// RegisterTask inserts the task into the registry together with a
// false-initialized sample flag and an empty sample record. Registering a
// running id twice is a reported error.
func (c *Controller) RegisterTask(id TaskID, kind TaskKind, mem MemoryHandle) error {
	if err := c.tasks.register(id, kind, mem); err != nil {
		return err
	}
	c.Samples.add(id)
	c.Sampler.add(id)
	runningTasksGauge.Inc()

	log.Debugf("registered %s task %d", kind, id)
	return nil
}

// DeregisterTask removes all controller state for a finished task and
// purges the entire stop set: a recycled numeric id must never inherit a
// stale stop recommendation. A summary of the task is retained in the
// bounded history.
func (c *Controller) DeregisterTask(id TaskID) {
	rec, ok := c.tasks.lookup(id)
	if !ok {
		return
	}

	snap, _ := c.Samples.snapshot(id)
	c.mu.Lock()
	level, stopped := c.stops[id]
	c.mu.Unlock()

	c.history.Add(id, TaskSummary{
		ID:          id,
		Kind:        rec.kind,
		Stopped:     stopped,
		StopLevel:   level,
		MemoryDelta: snap.memoryDelta(),
		Metrics: TaskMetrics{
			InputRecordsRead:    snap.inputRecords,
			InputBytesRead:      snap.inputBytes,
			ShuffleRecordsRead:  snap.shuffleRecords,
			ShuffleBytesRead:    snap.shuffleBytes,
			OutputBytesWritten:  snap.outputBytes,
			ShuffleBytesWritten: snap.shuffleWritten,
		},
	})

	c.tasks.deregister(id)
	c.Samples.Remove(id)
	c.Sampler.remove(id)
	c.ClearAllStops()
	runningTasksGauge.Dec()

	log.Debugf("deregistered %s task %d", rec.kind, id)
}

// IsTaskRunning reports whether the task is currently registered.
func (c *Controller) IsTaskRunning(id TaskID) bool {
	return c.tasks.isRunning(id)
}

// RunningTasks returns a snapshot of the currently registered task ids.
func (c *Controller) RunningTasks() []TaskID {
	return c.tasks.running()
}

// AddStopRecommendation flags a task to stop outside the automatic
// pressure path, e.g. on administrative action. Unknown ids are ignored.
func (c *Controller) AddStopRecommendation(id TaskID, level int) {
	if !c.tasks.isRunning(id) {
		return
	}
	c.mu.Lock()
	c.stops[id] = c.clampLevel(level)
	c.mu.Unlock()
	stopRecommendationsTotal.Inc()
}

// ClearAllStops purges the entire stop set.
func (c *Controller) ClearAllStops() {
	c.mu.Lock()
	if len(c.stops) > 0 {
		c.stops = make(map[TaskID]int)
	}
	c.mu.Unlock()
}

// IsFlaggedToStop reports whether the task has been recommended to
// terminate early. Flagged tasks are expected to observe this at their own
// checkpoints and unwind cooperatively.
func (c *Controller) IsFlaggedToStop(id TaskID) bool {
	c.mu.Lock()
	_, ok := c.stops[id]
	c.mu.Unlock()
	return ok
}

// HasAnyStopRecommendation reports whether a relief action is in progress.
func (c *Controller) HasAnyStopRecommendation() bool {
	c.mu.Lock()
	n := len(c.stops)
	c.mu.Unlock()
	return n > 0
}

// StopLevel returns the severity band of the task's stop recommendation.
func (c *Controller) StopLevel(id TaskID) (int, bool) {
	c.mu.Lock()
	level, ok := c.stops[id]
	c.mu.Unlock()
	return level, ok
}

// History returns summaries of recently finished tasks, oldest first.
func (c *Controller) History() []TaskSummary {
	keys := c.history.Keys()
	out := make([]TaskSummary, 0, len(keys))
	for _, k := range keys {
		if v, ok := c.history.Peek(k); ok {
			out = append(out, v.(TaskSummary))
		}
	}
	return out
}

func (c *Controller) clampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > c.stopPriorityLevels {
		return c.stopPriorityLevels
	}
	return level
}

// memoryUseRatio scores observed memory growth against progress-normalized
// input consumption: growth per unit of "input bytes, scaled by the
// fraction of expected records actually read". A task growing fast
// relative to its real progress scores higher. Tasks with no expected
// record count or no reads yet cannot be scored and are excluded from the
// round.
func memoryUseRatio(delta int64, s sampleRecord) (float64, bool) {
	records := s.recordsRead()
	if s.expectedRecords == 0 || records == 0 {
		return 0, false
	}
	denom := float64(s.bytesRead()) * (float64(records) / float64(s.expectedRecords))
	if denom <= 0 {
		return 0, false
	}
	return float64(delta) / denom, true
}

// humanBytes formats a possibly negative byte delta.
func humanBytes(v int64) string {
	if v < 0 {
		return "-" + humanize.Bytes(uint64(-v))
	}
	return humanize.Bytes(uint64(v))
}

type stopCandidate struct {
	id    TaskID
	ratio float64
	usage int64
	delta int64
}

// Evaluate runs one pressure round: read global usage, compare against the
// yellow line, and if exceeded flag the worst memory-for-progress tasks to
// stop. Intended to be invoked once per scheduling tick; a failed or
// skipped round is recoverable, the next tick supersedes it.
//
// While any stop recommendation is outstanding the round is skipped: no
// second relief wave is issued until the engine has drained the first one
// (task completions purge the stop set).
func (c *Controller) Evaluate() {
	evaluationsTotal.Inc()

	stat, err := c.counter.Snapshot()
	if err != nil {
		evaluationsSkippedTotal.WithLabelValues("accounting").Inc()
		log.Warnf("memory accounting unavailable, skipping pressure round: %v", err)
		return
	}
	if !stat.valid() {
		evaluationsSkippedTotal.WithLabelValues("accounting").Inc()
		log.Warnf("inconsistent memory reading (execution=%d storage=%d capacity=%d), skipping pressure round",
			stat.ExecutionUsed, stat.StorageUsed, stat.StorageCapacity)
		return
	}

	used := stat.used()
	threshold := int64(float64(stat.StorageCapacity+stat.ExecutionUsed) * c.yellowLine)
	memoryUsedBytes.Set(float64(used))
	pressureThresholdBytes.Set(float64(threshold))

	// Keep snapshots fresh for the next round regardless of the outcome.
	defer c.Sampler.RequestSampleFromAll()

	if c.HasAnyStopRecommendation() {
		evaluationsSkippedTotal.WithLabelValues("gate").Inc()
		log.Debug("previous stop recommendations still draining, skipping pressure round")
		return
	}
	if used <= threshold {
		return
	}

	running := c.tasks.running()
	ids, deltas := c.Samples.AllMemoryUsageDeltas()

	candidates := make([]stopCandidate, 0, len(ids))
	for i, id := range ids {
		rec, ok := c.tasks.lookup(id)
		if !ok {
			// Finished while we were snapshotting; ignore.
			continue
		}
		snap, ok := c.Samples.snapshot(id)
		if !ok {
			continue
		}

		var live int64
		if rec.mem != nil {
			live = rec.mem.MemoryUsed()
		}
		log.Debugf("task %d (%s): sampled usage %s, growth %s, live %s",
			id, rec.kind, humanize.Bytes(uint64(snap.memoryUsed())),
			humanBytes(deltas[i]), humanize.Bytes(uint64(live)))

		ratio, ok := memoryUseRatio(deltas[i], snap)
		if !ok {
			continue
		}
		candidates = append(candidates, stopCandidate{
			id:    id,
			ratio: ratio,
			usage: snap.memoryUsed(),
			delta: deltas[i],
		})
	}

	log.Infof("memory pressure: used %s exceeds threshold %s (yellow line %.2f, free %s, %d running, %d rankable)",
		humanize.Bytes(uint64(used)), humanize.Bytes(uint64(threshold)),
		c.yellowLine, humanize.Bytes(uint64(stat.free())), len(running), len(candidates))

	if len(candidates) == 0 {
		log.Warn("memory pressure exceeded but no running task is rankable yet")
		return
	}

	// Worst memory-use ratio first; ties break by task id so floating
	// collisions stay deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ratio != candidates[j].ratio {
			return candidates[i].ratio > candidates[j].ratio
		}
		return candidates[i].id < candidates[j].id
	})

	// Walk the ranking until the projected freed memory brings usage back
	// under the threshold. Each selected task's latest sampled usage is the
	// freed estimate. targetConcurrency, when set, additionally stops
	// selection once the unflagged task count reaches the budget.
	projected := used
	unflagged := len(running)
	level := 1

	c.mu.Lock()
	for _, cand := range candidates {
		if projected <= threshold {
			break
		}
		if c.targetConcurrency > 0 && unflagged <= c.targetConcurrency {
			break
		}
		c.stops[cand.id] = level
		stopRecommendationsTotal.Inc()
		projected -= cand.usage
		unflagged--

		log.Infof("recommending stop for task %d at level %d: ratio %.6g, sampled usage %s, growth %s",
			cand.id, level, cand.ratio,
			humanize.Bytes(uint64(cand.usage)), humanBytes(cand.delta))

		if level < c.stopPriorityLevels {
			level++
		}
	}
	c.mu.Unlock()
}
