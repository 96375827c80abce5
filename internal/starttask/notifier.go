package starttask

import (
	"sync"
)

// Notifier fans out task status transitions to per-task subscribers. Delivery
// is lossless and in order: each subscriber buffers without bound, so a slow
// consumer never drops or delays updates for others. When a task reaches a
// terminal state every subscriber channel is closed and the task is evicted.
type Notifier struct {
	mu      sync.Mutex
	entries map[string][]*subscriber
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{entries: make(map[string][]*subscriber)}
}

// Subscribe registers for updates on a task. The snapshot is delivered as the
// first message so the subscriber always sees the current state. If the
// snapshot is already terminal the channel yields it and closes without
// registering. The returned cancel function detaches the subscriber; it is
// safe to call more than once.
func (n *Notifier) Subscribe(snapshot *Task) (<-chan *Task, func()) {
	sub := newSubscriber()
	sub.push(snapshot.Clone())

	if snapshot.Terminal() {
		sub.finish()
		return sub.out, sub.cancel
	}

	taskID := snapshot.ID
	n.mu.Lock()
	n.entries[taskID] = append(n.entries[taskID], sub)
	n.mu.Unlock()

	cancel := func() {
		n.remove(taskID, sub)
		sub.cancel()
	}
	return sub.out, cancel
}

// Publish broadcasts a task update to all subscribers of that task. A
// terminal update also closes every subscriber channel and evicts the task.
func (n *Notifier) Publish(task *Task) {
	n.mu.Lock()
	subs := n.entries[task.ID]
	if task.Terminal() {
		delete(n.entries, task.ID)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		sub.push(task.Clone())
		if task.Terminal() {
			sub.finish()
		}
	}
}

// SubscriberCount returns how many subscribers a task currently has.
func (n *Notifier) SubscriberCount(taskID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries[taskID])
}

func (n *Notifier) remove(taskID string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.entries[taskID]
	for i, s := range subs {
		if s == sub {
			n.entries[taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(n.entries[taskID]) == 0 {
		delete(n.entries, taskID)
	}
}

// subscriber decouples publishers from the consumer: push appends to an
// unbounded buffer and a pump goroutine drains it into the out channel, so
// Publish never blocks on a slow reader.
type subscriber struct {
	mu       sync.Mutex
	buf      []*Task
	done     bool
	signal   chan struct{}
	out      chan *Task
	stop     chan struct{}
	stopOnce sync.Once
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan *Task),
		stop:   make(chan struct{}),
	}
	go sub.pump()
	return sub
}

func (s *subscriber) push(task *Task) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, task)
	s.mu.Unlock()
	s.wake()
}

// finish marks the stream complete; the pump closes out once the buffer is
// drained.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		var next *Task
		if len(s.buf) > 0 {
			next = s.buf[0]
			s.buf = s.buf[1:]
		} else if s.done {
			s.mu.Unlock()
			close(s.out)
			return
		}
		s.mu.Unlock()

		if next != nil {
			select {
			case s.out <- next:
			case <-s.stop:
				return
			}
			continue
		}

		select {
		case <-s.signal:
		case <-s.stop:
			return
		}
	}
}
