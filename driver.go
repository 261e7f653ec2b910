package memgate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/spf13/viper"

	"golang.org/x/sync/semaphore"

	log "github.com/sirupsen/logrus"
	pb "gopkg.in/cheggaaa/pb.v1"

	flag "github.com/spf13/pflag"
)

// Driver controls the execution of a job and the pressure controller
// guarding it
type Driver struct {
	jobs       []*Job
	Config     *config
	Controller *Controller
	executor   executor
}

// config configures a Driver's execution of jobs
type config struct {
	Inputs          []string
	SplitSize       int64
	MapBinSize      int64
	MaxConcurrency  int
	WorkingLocation string
	Cleanup         bool
	NumReduce       int
	NumMap          int

	SampleBatch        int
	EvalInterval       time.Duration
	YellowLine         float64
	TargetConcurrency  int
	StopPriorityLevels int
	MemoryCapacity     int64
	HistorySize        int

	counter MemoryCounter
}

func newConfig() *config {
	loadConfig() // Load viper config from settings file(s) and environment

	// Register command line flags
	flag.Parse()
	viper.BindPFlags(flag.CommandLine)

	return &config{
		Inputs:          []string{},
		SplitSize:       viper.GetInt64("splitSize"),
		MapBinSize:      viper.GetInt64("mapBinSize"),
		MaxConcurrency:  viper.GetInt("maxConcurrency"),
		WorkingLocation: viper.GetString("workingLocation"),
		Cleanup:         viper.GetBool("cleanup"),
		NumReduce:       viper.GetInt("numReduce"),

		SampleBatch:        viper.GetInt("sampleBatch"),
		EvalInterval:       time.Duration(viper.GetInt("evalInterval")) * time.Millisecond,
		YellowLine:         viper.GetFloat64("yellowLine"),
		TargetConcurrency:  viper.GetInt("targetConcurrency"),
		StopPriorityLevels: viper.GetInt("stopPriorityLevels"),
		MemoryCapacity:     viper.GetInt64("memoryCapacity"),
		HistorySize:        viper.GetInt("historySize"),
	}
}

// Option allows configuration of a Driver
type Option func(*config)

// NewDriver creates a new Driver with the provided job and optional configuration
func NewDriver(job *Job, options ...Option) *Driver {
	d := &Driver{
		jobs:     []*Job{job},
		executor: localExecutor{},
	}

	c := newConfig()
	for _, f := range options {
		f(c)
	}

	if c.SplitSize > c.MapBinSize {
		log.Warn("Configured Split Size is larger than Map Bin size")
		c.SplitSize = c.MapBinSize
	}

	counter := c.counter
	if counter == nil {
		counter = &RuntimeMemoryCounter{Capacity: c.MemoryCapacity}
	}
	d.Controller = NewController(counter,
		WithYellowLine(c.YellowLine),
		WithTargetConcurrency(c.TargetConcurrency),
		WithStopPriorityLevels(c.StopPriorityLevels),
		WithHistorySize(c.HistorySize),
	)

	d.Config = c
	log.Debugf("Loaded config: %#v", c)

	return d
}

// NewMultiStageDriver creates a new Driver with the provided jobs and optional configuration
func NewMultiStageDriver(jobs []*Job, options ...Option) *Driver {
	driver := NewDriver(nil, options...)
	driver.jobs = jobs
	return driver
}

// WithSplitSize sets the SplitSize of the Driver
func WithSplitSize(s int64) Option {
	return func(c *config) {
		c.SplitSize = s
	}
}

// WithMapBinSize sets the MapBinSize of the Driver
func WithMapBinSize(s int64) Option {
	return func(c *config) {
		c.MapBinSize = s
	}
}

// WithWorkingLocation sets the working directory of the Driver
func WithWorkingLocation(location string) Option {
	return func(c *config) {
		c.WorkingLocation = location
	}
}

// WithInputs specifies job inputs (i.e. input files/directories)
func WithInputs(inputs ...string) Option {
	return func(c *config) {
		c.Inputs = append(c.Inputs, inputs...)
	}
}

// WithNumReduce sets the number of reduce tasks
func WithNumReduce(num int) Option {
	return func(c *config) {
		c.NumReduce = num
	}
}

// WithMemoryCounter injects the memory accounting source the controller
// reads. Defaults to a RuntimeMemoryCounter over the configured capacity.
func WithMemoryCounter(counter MemoryCounter) Option {
	return func(c *config) {
		c.counter = counter
	}
}

// WithMemoryCapacity sets the capacity of the default runtime memory counter
func WithMemoryCapacity(capacity int64) Option {
	return func(c *config) {
		c.MemoryCapacity = capacity
	}
}

func (d *Driver) runMapPhase(job *Job, inputs []string) {
	inputSplits := job.inputSplits(inputs, d.Config.SplitSize)
	if len(inputSplits) == 0 {
		log.Warnf("No input splits")
		return
	}
	log.Debugf("Number of job input splits: %d", len(inputSplits))

	inputBins := packInputSplits(inputSplits, d.Config.MapBinSize)
	d.Config.NumMap = len(inputBins)
	log.Debugf("Number of job input bins: %d", len(inputBins))
	bar := pb.New(len(inputBins)).Prefix("Map").Start()

	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(d.Config.MaxConcurrency))
	for binID, bin := range inputBins {
		sem.Acquire(context.Background(), 1)
		wg.Add(1)
		go func(bID uint, b []inputSplit) {
			defer wg.Done()
			defer sem.Release(1)
			defer bar.Increment()
			err := d.executor.RunMapper(job, bID, b)
			if err != nil {
				log.Errorf("Error when running mapper %d: %s", bID, err)
			}
		}(uint(binID), bin)
	}
	wg.Wait()
	bar.Finish()
}

func (d *Driver) runReducePhase(job *Job) {
	bar := pb.New(int(job.intermediateBins)).Prefix("Reduce").Start()

	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(d.Config.MaxConcurrency))
	for binID := uint(0); binID < job.intermediateBins; binID++ {
		sem.Acquire(context.Background(), 1)
		wg.Add(1)
		go func(bID uint) {
			defer wg.Done()
			defer sem.Release(1)
			defer bar.Increment()
			err := d.executor.RunReducer(job, bID)
			if err != nil {
				log.Errorf("Error when running reducer %d: %s", bID, err)
			}
		}(binID)
	}
	wg.Wait()
	bar.Finish()
}

// startEvaluator drives periodic pressure evaluation for the duration of a
// job. The returned func stops it.
func (d *Driver) startEvaluator() func() {
	interval := d.Config.EvalInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Controller.Evaluate()
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// run starts the Driver
func (d *Driver) run() {
	if len(d.Config.Inputs) == 0 {
		log.Error("No inputs!")
		return
	}

	inputs := d.Config.Inputs
	for idx, job := range d.jobs {
		jobWorkingLoc := d.Config.WorkingLocation
		log.Infof("Starting job%d (%d/%d)", idx, idx+1, len(d.jobs))

		if len(d.jobs) > 1 {
			jobWorkingLoc = filepath.Join(jobWorkingLoc, fmt.Sprintf("job%d", idx))
		}
		job.outputPath = jobWorkingLoc

		*job.config = *d.Config
		job.controller = d.Controller

		os.MkdirAll(job.shuffleDir(), 0755)

		stopEvaluator := d.startEvaluator()

		mapStart := time.Now()
		d.runMapPhase(job, inputs)
		log.Infof("Job%d (%d/%d) Map phase Execution Time: %s", idx, idx+1, len(d.jobs), time.Since(mapStart))

		reduceStart := time.Now()
		d.runReducePhase(job)
		log.Infof("Job%d (%d/%d) Reduce phase Execution Time: %s", idx, idx+1, len(d.jobs), time.Since(reduceStart))

		stopEvaluator()

		if d.Config.Cleanup {
			if err := os.RemoveAll(job.shuffleDir()); err != nil {
				log.Error(err)
			}
		}

		// Set inputs of next job to be outputs of current job
		inputs = []string{filepath.Join(jobWorkingLoc, "output-part-*")}

		log.Infof("Job %d - Map Bytes Read:\t%s", idx, humanize.Bytes(uint64(job.mapBytesRead)))
		log.Infof("Job %d - Map Bytes Written:\t%s", idx, humanize.Bytes(uint64(job.mapBytesWritten)))
		log.Infof("Job %d - Reduce Bytes Read:\t%s", idx, humanize.Bytes(uint64(job.reduceBytesRead)))
		log.Infof("Job %d - Reduce Bytes Written:\t%s", idx, humanize.Bytes(uint64(job.reduceBytesWritten)))

		if stopped := atomic.LoadInt64(&job.stoppedTasks); stopped > 0 {
			log.Warnf("Job %d - Tasks stopped early on memory pressure: %d", idx, stopped)
		}
		for _, summary := range d.Controller.History() {
			log.Debugf("Job %d - task %d (%s): stopped=%v level=%d growth=%s input=%s shuffle=%s",
				idx, summary.ID, summary.Kind, summary.Stopped, summary.StopLevel,
				humanBytes(summary.MemoryDelta),
				humanize.Bytes(uint64(summary.Metrics.InputBytesRead)),
				humanize.Bytes(uint64(summary.Metrics.ShuffleBytesRead)))
		}
	}
}

var outputDir = flag.StringP("out", "o", "", "Output `directory`")
var memprofile = flag.String("memprofile", "", "Write memory profile to `file`")
var verbose = flag.BoolP("verbose", "v", false, "Output verbose logs")

// Main starts the Driver, running the submitted jobs.
func (d *Driver) Main() {
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	d.Config.Inputs = append(d.Config.Inputs, flag.Args()...)

	if *outputDir != "" {
		d.Config.WorkingLocation = *outputDir
	}

	start := time.Now()
	d.run()
	log.Infof("Job Execution Time: %s", time.Since(start))

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
		f.Close()
	}
}
