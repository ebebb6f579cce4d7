package transport

import (
	"context"
	"sync"
)

// memConn is one end of an in-process frame pipe.
type memConn struct {
	name   string
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	peer   *memConn
	once   sync.Once
}

// Pipe returns two connected in-memory Conns.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &memConn{name: "mem-a", in: ba, out: ab, closed: make(chan struct{})}
	b := &memConn{name: "mem-b", in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return failure("mem write", ErrClosed)
	case <-c.peer.closed:
		return failure("mem write", ErrClosed)
	default:
	}
	cp := append([]byte(nil), frame...)
	select {
	case c.out <- cp:
		return nil
	case <-c.closed:
		return failure("mem write", ErrClosed)
	case <-c.peer.closed:
		return failure("mem write", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return nil, failure("mem read", ErrClosed)
	case <-c.peer.closed:
		return nil, failure("mem read", ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *memConn) RemoteAddr() string {
	return c.peer.name
}

// PipeDialer hands each Dial's far end to Accept.
type PipeDialer struct {
	mu     sync.Mutex
	Accept func(Conn)
	dials  int
	Fail   error
}

func (d *PipeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	fail := d.Fail
	accept := d.Accept
	d.mu.Unlock()
	if fail != nil {
		return nil, failure("mem dial", fail)
	}
	near, far := Pipe()
	if accept != nil {
		go accept(far)
	}
	return near, nil
}

func (d *PipeDialer) SetFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Fail = err
}

func (d *PipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
