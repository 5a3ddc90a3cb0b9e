package ramp

import (
	"sync"
	"time"
)

// Kind is the type of an Event
type Kind int

const (
	// EventStarted is sent once the chamber has been switched on
	EventStarted Kind = iota
	// EventProgress reports a new step, a new setpoint or the start of a dwell
	EventProgress
	// EventMeasured carries one Reading
	EventMeasured
	// EventFinished is sent after the last step; Err holds a failed power off, if any
	EventFinished
	// EventFailed carries the error that ended the run
	EventFailed
	// EventCancelled is sent when the run stopped on request
	EventCancelled
)

func (k Kind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventMeasured:
		return "reading"
	case EventFinished:
		return "finished"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Event is a notification from a run.  Only the fields relevant to Kind are set.
type Event struct {
	Kind  Kind
	RunID string
	Time  time.Time

	Reading Reading

	Step     int // 1-based index of the active step
	Steps    int
	Setpoint float64
	Message  string

	Err error
}

// Terminal returns true for the last event of a run
func (e Event) Terminal() bool {
	return e.Kind == EventFinished || e.Kind == EventFailed || e.Kind == EventCancelled
}

// Observer receives the events of every run of a controller, in order.
// Observe is called from a single goroutine that is not the controller's,
// so a slow observer delays other observers but never the run.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to an Observer
type ObserverFunc func(Event)

// Observe calls f(e)
func (f ObserverFunc) Observe(e Event) { f(e) }

// dispatcher is an unbounded FIFO between the run and the observers.
// emit never blocks and nothing is dropped.
type dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	closed    bool
	observers func() []Observer
	done      chan struct{}
}

func newDispatcher(observers func() []Observer) *dispatcher {
	d := &dispatcher{observers: observers, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) emit(e Event) {
	d.mu.Lock()
	d.queue = append(d.queue, e)
	d.mu.Unlock()
	d.cond.Signal()
}

// close stops accepting events; done is closed once the queue is drained
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Signal()
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		obs := d.observers()
		for _, e := range batch {
			for _, o := range obs {
				o.Observe(e)
			}
		}
	}
}
