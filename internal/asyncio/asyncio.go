// Package asyncio implements the fixed-size worker-thread pool that
// executes blocking bucket-file reads off the cooperatively scheduled
// request layer, delivering results through single-slot futures and
// waking the request handler that is awaiting them.
package asyncio

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Awaitable is satisfied by a Future and by the layered transformations
// built on top of one (see bucketfile's buffered-read wrapper and the
// record-header validation wrapper used by the step iterator). This is
// the "optional transformation" the design notes describe: composing a
// new Awaitable over an existing one rather than giving Future itself a
// generic Map method.
type Awaitable interface {
	// Ready reports whether the result is available without blocking.
	Ready() bool
	// Get returns the result. Valid only after Ready() returns true;
	// the result is considered moved out and Get should not be relied
	// on to be called twice for the same logical read.
	Get() (int, error)
}

// Future is a single-slot result cell with three states: pending,
// ready, or ready-with-error. It is resolved at most once, by the
// worker that completes the job.
type Future struct {
	mu    sync.Mutex
	ready bool
	n     int
	err   error
}

// NewFuture returns a new, pending Future.
func NewFuture() *Future {
	return &Future{}
}

// Resolved returns an already-ready Future — used when a read is fully
// satisfied synchronously (e.g. from a bucket file's read buffer) and
// never needs to touch the worker pool.
func Resolved(n int, err error) *Future {
	return &Future{ready: true, n: n, err: err}
}

func (f *Future) resolve(n int, err error) {
	f.mu.Lock()
	f.n, f.err, f.ready = n, err, true
	f.mu.Unlock()
}

// Ready reports whether the future has been resolved.
func (f *Future) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// Get returns the resolved result. Calling Get before Ready is true
// returns the zero value; callers must check Ready first.
func (f *Future) Get() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n, f.err
}

// Waker carries exactly one request handler's resumption token. The
// executor invokes it at most once per job, after storing the job's
// result in its Future. The request handler is expected to block on C()
// (or poll it) and, once signalled, re-enter the iterator and query the
// future it was waiting on.
type Waker struct {
	ch chan struct{}
}

// NewWaker creates a Waker with room for exactly one pending wake.
func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{}, 1)}
}

// Wake signals the waiting request handler. It sends on the channel
// rather than closing it, without blocking, so calling it again while a
// wake is still pending is a no-op rather than a panic. A nil Waker is
// ignored.
func (w *Waker) Wake() {
	if w == nil {
		return
	}
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel the request handler should receive from to
// suspend until this waker fires.
func (w *Waker) C() <-chan struct{} {
	return w.ch
}

// Job is one unit of work submitted to the executor: a blocking
// pread-equivalent at a fixed offset into a destination buffer, plus
// the future and waker to notify on completion. ID is a correlation
// token threaded into log fields so a stuck worker can be traced back
// to the iterator (and bucket file) that issued it.
type Job struct {
	ID     string
	File   *os.File
	Offset int64
	Dst    []byte
	Future *Future
	Waker  *Waker
}

// NewJob builds a Job with a fresh correlation ID.
func NewJob(file *os.File, offset int64, dst []byte, future *Future, waker *Waker) Job {
	return Job{
		ID:     uuid.NewString(),
		File:   file,
		Offset: offset,
		Dst:    dst,
		Future: future,
		Waker:  waker,
	}
}

// Executor is a fixed-size pool of worker goroutines servicing a shared
// job queue, standing in for the native thread pool a non-Go
// implementation would use for blocking pread/pwrite calls.
type Executor struct {
	jobs   chan Job
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewExecutor starts an Executor with the given number of workers. A nil
// logger falls back to slog.Default().
func NewExecutor(workers int, logger *slog.Logger) *Executor {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{jobs: make(chan Job, workers*4), logger: logger}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for job := range e.jobs {
		n, err := job.File.ReadAt(job.Dst, job.Offset)
		switch {
		case err != nil && !errors.Is(err, io.EOF):
			e.logger.Warn("asyncio job failed", "job_id", job.ID, "error", err)
		default:
			e.logger.Debug("asyncio job completed", "job_id", job.ID, "bytes", n)
		}
		job.Future.resolve(n, err)
		job.Waker.Wake()
	}
}

// Submit enqueues a job for execution by the next free worker.
func (e *Executor) Submit(job Job) {
	e.logger.Debug("asyncio job submitted", "job_id", job.ID, "offset", job.Offset, "len", len(job.Dst))
	e.jobs <- job
}

// Close stops accepting new jobs and waits for in-flight jobs to drain.
// Futures already pending when Close is called still complete normally.
func (e *Executor) Close() {
	close(e.jobs)
	e.wg.Wait()
}
