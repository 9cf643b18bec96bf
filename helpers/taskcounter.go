package helpers

import "sync"

// TaskCounter tracks labeled in-flight work units. It is used for quiescence
// detection only: it does not bound concurrency.
type TaskCounter struct {
	mu    sync.Mutex
	next  uint64
	tasks map[uint64]string
}

// NewTaskCounter creates an empty counter.
func NewTaskCounter() *TaskCounter {
	return &TaskCounter{tasks: make(map[uint64]string)}
}

// Count acquires one slot under the given label and returns a release
// function. The release function is idempotent and must be called on every
// exit path, typically via defer.
func (c *TaskCounter) Count(label string) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.tasks[id] = label
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.tasks, id)
			c.mu.Unlock()
		})
	}
}

// Value returns the current number of in-flight slots.
func (c *TaskCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Tasks returns the labels of all in-flight slots, for status debugging.
func (c *TaskCounter) Tasks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tasks))
	for _, label := range c.tasks {
		out = append(out, label)
	}
	return out
}
