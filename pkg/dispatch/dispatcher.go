// Package dispatch runs image generation jobs off the conversation path.
//
// Dispatch never waits on generation: it records a pending job and queues it for a fixed
// pool of workers. The queue is bounded and overflows according to an explicit policy.
// Each job ends Succeeded or Failed exactly once and is never retried. Successful jobs
// with at least one image are published; failures only reach the local log.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/speakpaint/pkg/broadcast"
	"github.com/go-go-golems/speakpaint/pkg/generation"
)

var (
	ErrClosed    = errors.New("dispatcher is shut down")
	ErrQueueFull = errors.New("dispatch queue is full")
	ErrDropped   = errors.New("job dropped by queue overflow")
	ErrCanceled  = errors.New("job canceled by shutdown")
)

type Publisher interface {
	Publish(ctx context.Context, ev broadcast.Event) error
}

type Dispatcher struct {
	client generation.Client
	pub    Publisher
	opts   options

	mu       sync.Mutex
	idle     *sync.Cond
	nextID   JobID
	jobs     map[JobID]*Job
	order    []JobID
	queue    []JobID
	running  int
	closed   bool
	suppress bool
	stats    Stats

	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func New(client generation.Client, pub Publisher, opts ...Option) *Dispatcher {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &Dispatcher{
		client: client,
		pub:    pub,
		opts:   o,
		jobs:   map[JobID]*Job{},
		wake:   make(chan struct{}, 1),
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool. Jobs dispatched earlier wait in the queue until then.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.opts.maxConcurrent; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	if len(d.queue) > 0 {
		d.signal()
	}
	log.Debug().Str("component", "dispatch").
		Int("workers", d.opts.maxConcurrent).
		Int("queue_size", d.opts.queueSize).
		Str("overflow", string(d.opts.overflow)).
		Msg("dispatcher started")
}

// Dispatch queues prompt for generation and returns immediately.
// With DropNewest and a full queue the job is recorded as failed and ErrQueueFull returned.
func (d *Dispatcher) Dispatch(prompt string) (JobID, error) {
	now := time.Now()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	d.nextID++
	job := &Job{ID: d.nextID, Prompt: prompt, State: StatePending, EnqueuedAt: now}
	d.jobs[job.ID] = job
	d.order = append(d.order, job.ID)
	d.stats.Submitted++

	var (
		err     error
		evicted JobID
	)
	if d.opts.queueSize > 0 && len(d.queue) >= d.opts.queueSize {
		switch d.opts.overflow {
		case DropNewest:
			d.failLocked(job, ErrDropped, now)
			d.stats.Dropped++
			err = ErrQueueFull
		default:
			evicted = d.queue[0]
			d.queue = d.queue[1:]
			d.failLocked(d.jobs[evicted], ErrDropped, now)
			d.stats.Dropped++
			d.queue = append(d.queue, job.ID)
		}
	} else {
		d.queue = append(d.queue, job.ID)
	}
	d.trimHistoryLocked()
	if err == nil && d.started {
		d.signal()
	}
	d.mu.Unlock()

	l := log.With().Str("component", "dispatch").Uint64("job_id", uint64(job.ID)).Logger()
	switch {
	case err != nil:
		l.Warn().Err(err).Msg("queue full, dropping new prompt")
	case evicted != 0:
		l.Warn().Uint64("evicted_job_id", uint64(evicted)).Msg("queue full, dropped oldest queued job")
	default:
		l.Debug().Str("prompt", prompt).Msg("job queued")
	}
	return job.ID, err
}

// Shutdown stops accepting prompts and waits for queued and running jobs to finish.
// If ctx ends first, queued jobs fail with ErrCanceled, running jobs are canceled and
// nothing more is published; ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	started := d.started
	if !started {
		d.failQueuedLocked(ErrCanceled)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.mu.Lock()
		for len(d.queue) > 0 || d.running > 0 {
			d.idle.Wait()
		}
		d.mu.Unlock()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		d.mu.Lock()
		d.suppress = true
		d.failQueuedLocked(ErrCanceled)
		d.mu.Unlock()
		log.Warn().Str("component", "dispatch").Msg("shutdown deadline reached, canceling in-flight jobs")
	}
	d.cancel()
	d.wg.Wait()
	<-drained
	return err
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Pending = int64(len(d.queue))
	s.Running = int64(d.running)
	return s
}

func (d *Dispatcher) Job(id JobID) (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// Jobs returns every retained job in submission order.
func (d *Dispatcher) Jobs() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Job, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.jobs[id].clone())
	}
	return out
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		id, ok := d.next()
		if ok {
			d.run(id)
			continue
		}
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		}
	}
}

// next claims the oldest queued job and marks it running.
func (d *Dispatcher) next() (JobID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil || len(d.queue) == 0 {
		return 0, false
	}
	id := d.queue[0]
	d.queue = d.queue[1:]
	job := d.jobs[id]
	job.State = StateRunning
	job.StartedAt = time.Now()
	d.running++
	if len(d.queue) > 0 {
		d.signal()
	}
	return id, true
}

func (d *Dispatcher) run(id JobID) {
	d.mu.Lock()
	prompt := d.jobs[id].Prompt
	d.mu.Unlock()

	// the job counts as running until its image is published so Shutdown waits for it
	defer d.release()

	jobLog := log.With().Str("component", "dispatch").Uint64("job_id", uint64(id)).Logger()
	jobLog.Info().Str("prompt", prompt).Msg("generating image")

	res, err := d.generate(prompt, jobLog)
	if err != nil {
		d.finish(id, nil, err)
		jobLog.Warn().Err(err).Msg("image generation failed")
		return
	}
	d.finish(id, res.Images, nil)

	img, ok := d.opts.selector(res.Images)
	if !ok {
		jobLog.Info().Msg("generation returned no images")
		return
	}
	if !d.mayPublish() {
		jobLog.Info().Str("image_url", img.URL).Msg("dispatcher shut down, not publishing image")
		return
	}
	if err := d.pub.Publish(d.ctx, broadcast.ImageEvent(prompt, img.URL)); err != nil {
		jobLog.Error().Err(err).Msg("failed to publish image event")
		return
	}
	d.mu.Lock()
	d.stats.Published++
	d.mu.Unlock()
	jobLog.Info().Str("image_url", img.URL).Int("images", len(res.Images)).Msg("image published")
}

func (d *Dispatcher) generate(prompt string, jobLog zerolog.Logger) (res generation.Result, err error) {
	ctx := d.ctx
	if d.opts.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.jobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("generation client panicked: %v", r)
		}
	}()
	return d.client.Generate(ctx, prompt, func(msg string) {
		jobLog.Debug().Str("progress", msg).Msg("generation progress")
	})
}

func (d *Dispatcher) finish(id JobID, images []generation.Image, err error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	job := d.jobs[id]
	if err != nil {
		d.failLocked(job, err, now)
	} else {
		job.State = StateSucceeded
		job.Images = images
		job.CompletedAt = now
		d.stats.Succeeded++
	}
	d.trimHistoryLocked()
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	d.running--
	d.idle.Broadcast()
	d.mu.Unlock()
}

func (d *Dispatcher) mayPublish() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.suppress
}

func (d *Dispatcher) failLocked(job *Job, err error, at time.Time) {
	job.State = StateFailed
	job.Err = err
	job.Error = err.Error()
	job.CompletedAt = at
	d.stats.Failed++
}

func (d *Dispatcher) failQueuedLocked(err error) {
	now := time.Now()
	for _, id := range d.queue {
		d.failLocked(d.jobs[id], err, now)
	}
	d.queue = nil
	d.idle.Broadcast()
}

// trimHistoryLocked forgets the oldest finished jobs beyond the history limit.
func (d *Dispatcher) trimHistoryLocked() {
	terminal := 0
	for _, id := range d.order {
		if d.jobs[id].State.IsTerminal() {
			terminal++
		}
	}
	excess := terminal - d.opts.historyLimit
	if excess <= 0 {
		return
	}
	kept := d.order[:0]
	for _, id := range d.order {
		if excess > 0 && d.jobs[id].State.IsTerminal() {
			delete(d.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
}
