package worker

import (
	"sync"

	"github.com/gammazero/deque"
)

// queue is an unbounded multi-producer multi-consumer task queue. Consumers
// block in pop until a task arrives or the queue is closed and drained.
type queue struct {
	mutex  sync.Mutex
	cond   *sync.Cond
	tasks  *deque.Deque[Task]
	closed bool
}

func newQueue() *queue {
	q := &queue{tasks: deque.New[Task]()}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func (q *queue) push(task Task) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return false
	}

	q.tasks.PushBack(task)
	q.cond.Signal()

	return true
}

func (q *queue) pop() (Task, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for q.tasks.Len() == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.tasks.Len() == 0 {
		return nil, false
	}

	return q.tasks.PopFront(), true
}

// close wakes every consumer. Tasks already queued are still handed out.
func (q *queue) close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

func (q *queue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.tasks.Len()
}
