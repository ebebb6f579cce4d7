package session

import "sync"

// Dispatcher runs posted callbacks one at a time, in post order, on its own goroutine.
// Posting never blocks, so state machines can hand off observer calls while
// holding their locks.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	running bool
	closed  bool
	done    chan struct{}
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *Dispatcher) Post(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending = append(d.pending, fn)
	d.cond.Broadcast()
}

// Wait blocks until every callback posted so far has returned.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.pending) > 0 || d.running {
		d.cond.Wait()
	}
}

// Close runs the callbacks already posted, then stops the loop.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.pending) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		fn := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		d.running = true
		d.mu.Unlock()

		fn()

		d.mu.Lock()
		d.running = false
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}
