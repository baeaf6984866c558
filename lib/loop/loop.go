// Package loop implements the single-owner event loop that every other
// component in this daemon is confined to: Link Manager and RC Lookup
// mutators, Service Endpoint and OutboundContext state transitions, and
// TUN packet-queue draining all run as funcs submitted to one Loop.
//
// CPU-bound work (signature verification, key exchange, packet
// encryption) is offloaded to a bounded WorkerPool; its results are
// re-entered on the Loop via Call, so nothing downstream ever observes
// concurrent mutation.
package loop

import (
	"context"
	"sync"

	"github.com/go-i2p/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetGoI2PLogger()

// Loop is a single goroutine draining a buffered channel of funcs in
// submission order. It provides the "happens-before from submit to run"
// guarantee the rest of the daemon depends on for thread confinement.
type Loop struct {
	work chan func()
	done chan struct{}

	closeOnce sync.Once
}

// New creates a Loop with the given work-queue depth. A depth of 0 makes
// Call synchronous with the loop goroutine (every submitter blocks until
// drained), which is fine for tests but undersized for production.
func New(queueDepth int) *Loop {
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Loop{
		work: make(chan func(), queueDepth),
		done: make(chan struct{}),
	}
}

// Run drains the work queue until Stop is called. Intended to be the
// body of the daemon's single event-loop goroutine.
func (l *Loop) Run() {
	for {
		select {
		case fn, ok := <-l.work:
			if !ok {
				return
			}
			runGuarded(fn)
		case <-l.done:
			// Drain whatever is already queued before exiting so a Stop
			// racing with in-flight Calls doesn't drop completions.
			for {
				select {
				case fn := <-l.work:
					runGuarded(fn)
				default:
					return
				}
			}
		}
	}
}

func runGuarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":     "(Loop) runGuarded",
				"reason": "panic_in_loop_func",
				"panic":  r,
			}).Error("recovered panic in loop-submitted function")
		}
	}()
	fn()
}

// Call submits fn to run on the loop goroutine. It never blocks the
// caller beyond the queue being full; fn itself runs asynchronously
// unless the caller arranges a synchronization point (e.g. a channel
// closed at the end of fn).
func (l *Loop) Call(fn func()) {
	select {
	case l.work <- fn:
	case <-l.done:
		log.WithFields(logger.Fields{
			"at":     "(Loop) Call",
			"reason": "loop_stopped",
		}).Debug("dropped Call submitted after Stop")
	}
}

// Stop signals Run to return after draining any already-queued work.
// Idempotent.
func (l *Loop) Stop() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// WorkerPool runs CPU-bound tasks (cryptography) off the event loop,
// posting each result back via loop.Call so the continuation runs
// thread-confined. Its size caps concurrency only in RunBatch; Submit
// starts one goroutine per task and does not limit how many run at once.
type WorkerPool struct {
	loop *Loop
	size int
}

// NewWorkerPool creates a pool of size workers posting results to loop.
// size is clamped to at least 1.
func NewWorkerPool(loop *Loop, size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{loop: loop, size: size}
}

// Submit runs task on a worker goroutine and, when it completes, calls
// onDone(result, err) on the event loop. task must not touch
// loop-confined state directly; onDone is where results are re-entered.
func (p *WorkerPool) Submit(task func() (any, error), onDone func(any, error)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logger.Fields{
					"at":     "(WorkerPool) Submit",
					"reason": "panic_in_worker_task",
					"panic":  r,
				}).Error("recovered panic in worker-pool task")
				p.loop.Call(func() { onDone(nil, errPanicked) })
			}
		}()
		res, err := task()
		p.loop.Call(func() { onDone(res, err) })
	}()
}

var errPanicked = panicError{}

type panicError struct{}

func (panicError) Error() string { return "worker task panicked" }

// RunBatch runs n independent CPU-bound tasks concurrently, capped at the
// pool's configured size via errgroup's SetLimit, and returns once every
// task has completed or ctx is cancelled. Used for one-shot batches (e.g.
// verifying a batch of DHT-returned RC signatures) where the caller wants
// to block until all results are in, rather than interleaving with the
// loop via Submit.
func (p *WorkerPool) RunBatch(ctx context.Context, tasks []func() error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return task()
			}
		})
	}
	return g.Wait()
}
