package stage

import "sync"

// queue is the unbounded inbox of the stage goroutine. Producers never block.
type queue struct {
	mutex  sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{
		signal: make(chan struct{}, 1),
	}
}

// push returns false once the queue is closed.
func (q *queue) push(task func()) bool {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mutex.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// drain takes all queued tasks in arrival order.
func (q *queue) drain() []func() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// close rejects further tasks and returns the ones still queued.
func (q *queue) close() []func() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.closed = true
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

func (q *queue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.tasks)
}
