package task

const asserts = false

// Queue is a FIFO container of tasks, linked through Task.QueueNext.
// The zero value is an empty queue. Callers provide their own locking.
type Queue struct {
	head, tail *Task
	n          int
}

// Push a task onto the queue.
func (q *Queue) Push(t *Task) {
	if asserts && t.QueueNext != nil {
		panic("task: pushing a task to a queue with a non-nil QueueNext pointer")
	}
	if q.tail != nil {
		q.tail.QueueNext = t
	}
	q.tail = t
	t.QueueNext = nil
	if q.head == nil {
		q.head = t
	}
	q.n++
}

// Pop a task off of the queue.
func (q *Queue) Pop() *Task {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.QueueNext
	if q.tail == t {
		q.tail = nil
	}
	t.QueueNext = nil
	q.n--
	return t
}

// Remove unlinks t from the queue. It reports whether t was found.
func (q *Queue) Remove(t *Task) bool {
	var prev *Task
	for cur := q.head; cur != nil; prev, cur = cur, cur.QueueNext {
		if cur != t {
			continue
		}
		if prev == nil {
			q.head = cur.QueueNext
		} else {
			prev.QueueNext = cur.QueueNext
		}
		if q.tail == cur {
			q.tail = prev
		}
		cur.QueueNext = nil
		q.n--
		return true
	}
	return false
}

// Empty checks if the queue is empty.
func (q *Queue) Empty() bool {
	return q.head == nil
}

// Len returns the number of tasks in the queue.
func (q *Queue) Len() int {
	return q.n
}

// Each calls fn for every task in the queue, in FIFO order.
func (q *Queue) Each(fn func(*Task)) {
	for t := q.head; t != nil; t = t.QueueNext {
		fn(t)
	}
}
