package loader

import "sync"

// Executor runs delegate callbacks.
type Executor interface {
	Execute(fn func())
}

// InlineExecutor runs callbacks on the goroutine that produced them. The
// delegate must then be safe for concurrent use.
type InlineExecutor struct{}

func (InlineExecutor) Execute(fn func()) { fn() }

// SerialExecutor runs callbacks one at a time in submission order. A worker
// goroutine is started on demand and exits once the queue is empty.
type SerialExecutor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func NewSerialExecutor() *SerialExecutor {
	return &SerialExecutor{}
}

// Execute enqueues fn and returns immediately.
func (e *SerialExecutor) Execute(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.drain()
}

func (e *SerialExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}
