package comm

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after Close
var ErrPoolClosed = errors.New("pool is closed")

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
//
// A pool of size 1 serializes all access to the device, which is what the
// instrument drivers in this module rely on.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	timeout time.Duration           // idle time after which all connections are freed
	conns   chan io.ReadWriteCloser // idle connections
	slots   chan struct{}           // one token per connection that exists or may be made
	maker   CreationFunc

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewPool creates a new pool holding at most maxSize connections, which are
// closed after timeout of disuse
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		slots:   make(chan struct{}, maxSize),
		maker:   maker,
	}
	for i := 0; i < maxSize; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Get retrieves a connection from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.
//
// When done with the connection, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
// ReturnWithError does the right one of the two for you.
//
// If the error from Get is not nil, you must not return it
// to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	select {
	case c := <-p.conns:
		return c, nil
	default:
	}
	select {
	case c := <-p.conns:
		return c, nil
	case <-p.slots:
		c, err := p.maker()
		if err != nil {
			p.slots <- struct{}{}
			return nil, err
		}
		return c, nil
	}
}

// Put restores a connection to the pool.  It may be reused, or will be
// automatically freed after the timeout elapses with no Get.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		rwc.Close()
		p.slots <- struct{}{}
		return
	}
	p.conns <- rwc
	if len(p.conns) == p.Size() {
		p.startReclaim()
	}
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.slots <- struct{}{}
}

// ReturnWithError returns the connection to the pool if err is nil, or is
// an error from the device itself rather than the transport.  Transport
// errors (io, net, timeouts) destroy the connection.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err == nil {
		p.Put(rw)
		return
	}
	var nerr net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrTerminatorNotFound) || errors.As(err, &nerr) {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return p.maxSize - len(p.slots)
}

// Idle returns the number of connections held by the pool that are not in use
func (p *Pool) Idle() int {
	return len(p.conns)
}

// Close frees all idle connections and refuses further Gets.  Connections
// that are given out are closed when they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.drain()
}

// Drain closes every idle connection now instead of waiting for the timeout.
// The pool stays usable; the next Get opens a fresh connection.
func (p *Pool) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.drain()
}

// drain closes every idle connection.  Must be called with mu held.
func (p *Pool) drain() error {
	var first error
	for {
		select {
		case c := <-p.conns:
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
			p.slots <- struct{}{}
		default:
			return first
		}
	}
}

// startReclaim arms the idle timer.  Must be called with mu held.
func (p *Pool) startReclaim() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.drain()
	})
}
