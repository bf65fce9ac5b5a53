package feeder

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// job is one piece of slow work (a notification, an upload, an event) taken
// off the control loop.
type job struct {
	ID         uuid.UUID
	Name       string
	QueuedTime time.Time
	Run        func(ctx context.Context) error
}

// dispatcher runs jobs one at a time on a single worker. Enqueue never
// blocks: when the queue is full the job is dropped.
type dispatcher struct {
	jobs    chan job
	timeout time.Duration
	metrics *metricsRecorder
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

func newDispatcher(queueSize int, timeout time.Duration, metrics *metricsRecorder) *dispatcher {
	return &dispatcher{
		jobs:    make(chan job, queueSize),
		timeout: timeout,
		metrics: metrics,
	}
}

// start runs the worker until stop is called. ctx bounds the jobs themselves.
func (d *dispatcher) start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for j := range d.jobs {
			d.process(ctx, j)
		}
	}()
}

func (d *dispatcher) process(ctx context.Context, j job) {
	startTime := time.Now()
	log.Debugf("Waited %s for job '%s' (%s) to be processed.", startTime.Sub(j.QueuedTime), j.Name, j.ID)

	jobCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	err := j.Run(jobCtx)
	d.metrics.jobFinished(j.Name, err)
	if err != nil {
		log.Warnf("Job '%s' (%s) failed, dropping it: %v", j.Name, j.ID, err)
		return
	}
	log.Debugf("Job '%s' (%s) took %s", j.Name, j.ID, time.Since(startTime))
}

// enqueue adds a job to the queue, reporting false if it was dropped.
func (d *dispatcher) enqueue(name string, run func(ctx context.Context) error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	j := job{ID: uuid.New(), Name: name, QueuedTime: time.Now(), Run: run}
	select {
	case d.jobs <- j:
		log.Debugf("Adding job '%s' (%s) to the queue", name, j.ID)
		return true
	default:
		log.Warnf("Job queue is full, dropping '%s'", name)
		d.metrics.jobDropped(name)
		return false
	}
}

// stop finishes the queued jobs and waits for the worker to exit.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
