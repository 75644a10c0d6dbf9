// Package worker provides a fixed-size pool of long-lived goroutines draining
// a shared task queue.
//
// A task that panics takes its worker down with it. The worker reports its exit
// to a supervisor goroutine, which starts a replacement, so the pool does not
// shrink through attrition.
package worker

import (
	"fmt"
	"runtime/debug"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	ErrPoolClosed  = errors.New("worker pool closed")
	ErrNoWorkers   = errors.New("worker pool has no live workers")
	ErrInvalidSize = errors.New("worker pool size must be positive")
)

type Task func()

// exit is what a worker reports to the supervisor when it stops.
type exit struct {
	worker   int
	abnormal bool
	reason   any
	stack    []byte
}

type Pool struct {
	logger  log.Logger
	metrics *Metrics
	queue   *queue

	exits   chan exit
	closing chan struct{}
	done    chan struct{}
	closed  *atomic.Bool

	// live counts workers that are running or about to be replaced. It only
	// drops when a worker exits for good.
	live   *atomic.Int64
	nextID int

	start func(id int) error
}

func NewPool(logger log.Logger, registerer prometheus.Registerer, size int) (*Pool, error) {
	if size < 1 {
		return nil, errors.Wrapf(ErrInvalidSize, "got %d", size)
	}

	p := &Pool{
		logger:  logger,
		queue:   newQueue(),
		exits:   make(chan exit),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		closed:  atomic.NewBool(false),
		live:    atomic.NewInt64(0),
	}

	p.metrics = NewMetrics(prometheus.WrapRegistererWithPrefix("kvs_pool_", registerer), p)
	p.start = p.startWorker

	for p.nextID = 0; p.nextID < size; p.nextID++ {
		p.live.Inc()
		go p.run(p.nextID)
	}

	go p.supervise()

	return p, nil
}

// Spawn queues task for execution by whichever worker is free. Each task runs
// exactly once. Spawn fails with ErrPoolClosed after Close and with
// ErrNoWorkers when every worker died and could not be replaced; the task is
// not queued in either case.
func (p *Pool) Spawn(task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	if p.live.Load() == 0 {
		return ErrNoWorkers
	}

	if !p.queue.push(task) {
		return ErrPoolClosed
	}

	p.metrics.tasks.Inc()

	return nil
}

// Live is the number of workers currently serving the queue.
func (p *Pool) Live() int {
	return int(p.live.Load())
}

// Close stops accepting tasks, lets the workers drain the queue and waits for
// them and the supervisor to finish.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}

	p.queue.close()
	close(p.closing)
	<-p.done

	return nil
}

func (p *Pool) startWorker(id int) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	go p.run(id)

	return nil
}

func (p *Pool) run(id int) {
	for {
		task, ok := p.queue.pop()

		if !ok {
			p.exits <- exit{worker: id}
			return
		}

		if reason, stack, panicked := execute(task); panicked {
			p.exits <- exit{worker: id, abnormal: true, reason: reason, stack: stack}
			return
		}
	}
}

func execute(task Task) (reason any, stack []byte, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			reason, stack, panicked = r, debug.Stack(), true
		}
	}()

	task()

	return nil, nil, false
}

// supervise observes every worker exit and replaces the abnormal ones. It
// returns once the pool is closing and no worker is left.
func (p *Pool) supervise() {
	defer close(p.done)

	closing := p.closing

	for {
		if closing == nil && p.live.Load() == 0 {
			return
		}

		select {
		case <-closing:
			closing = nil
		case e := <-p.exits:
			if !e.abnormal {
				p.live.Dec()
				continue
			}

			p.metrics.panics.Inc()
			level.Error(p.logger).Log("msg", "worker panicked", "worker", e.worker, "panic", fmt.Sprint(e.reason), "stack", string(e.stack))

			id := p.nextID
			p.nextID++

			if err := p.start(id); err != nil {
				p.live.Dec()
				level.Error(p.logger).Log("msg", "unable to replace worker", "worker", e.worker, "err", err, "live", p.live.Load())
				continue
			}

			p.metrics.replacements.Inc()
			level.Debug(p.logger).Log("msg", "worker replaced", "worker", e.worker, "replacement", id)
		}
	}
}
