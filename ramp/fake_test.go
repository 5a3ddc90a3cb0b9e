package ramp_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hephy-dd/pt100ramp/ramp"
)

// fakeClock advances only when the pacer waits
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Wait advances the clock by d without sleeping
func (c *fakeClock) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// fakeBench is a scripted chamber and meter.  Read returns the scripted
// chamber temperatures in order; once they run out it returns the last
// setpoint, i.e. the chamber converges instantly.
type fakeBench struct {
	mu     sync.Mutex
	clock  *fakeClock
	start  float64
	script []float64
	target *float64
	reads  int
	calls  []string

	acquireErr  error
	powerOnErr  error
	powerOffErr error
	setErr      error
	readErrAt   int // fail the n-th read (1-based), 0 = never
	releaseErr  error

	// onRead is called after the n-th read (1-based) has been recorded
	onRead func(n int)
}

func newFakeBench(clock *fakeClock, start float64, script ...float64) *fakeBench {
	return &fakeBench{clock: clock, start: start, script: script}
}

func (b *fakeBench) record(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, s)
}

func (b *fakeBench) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *fakeBench) Acquire(ctx context.Context) (ramp.Session, error) {
	b.record("acquire")
	if b.acquireErr != nil {
		return nil, b.acquireErr
	}
	return b, nil
}

func (b *fakeBench) Release() error {
	b.record("release")
	return b.releaseErr
}

func (b *fakeBench) Power(ctx context.Context, on bool) error {
	if on {
		b.record("power on")
		return b.powerOnErr
	}
	b.record("power off")
	return b.powerOffErr
}

func (b *fakeBench) SetTarget(ctx context.Context, channel int, value float64) error {
	b.record(fmt.Sprintf("set %g", value))
	if b.setErr != nil {
		return b.setErr
	}
	b.mu.Lock()
	b.target = &value
	b.mu.Unlock()
	return nil
}

func (b *fakeBench) Read(ctx context.Context) (ramp.Reading, error) {
	b.record("read")
	b.mu.Lock()
	b.reads++
	n := b.reads
	if b.readErrAt == n {
		b.mu.Unlock()
		return ramp.Reading{}, fmt.Errorf("meter timed out")
	}
	var t float64
	switch {
	case len(b.script) > 0:
		t = b.script[0]
		b.script = b.script[1:]
	case b.target != nil:
		t = *b.target
	default:
		t = b.start
	}
	b.mu.Unlock()
	if b.onRead != nil {
		b.onRead(n)
	}
	return ramp.Reading{Time: b.clock.Now(), ChamberTemp: t, ChamberHumidity: 40, ReferenceTemp: t - 0.1}, nil
}

// recorder collects events
type recorder struct {
	mu     sync.Mutex
	events []ramp.Event
}

func (r *recorder) Observe(e ramp.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []ramp.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ramp.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) Kinds() []ramp.Kind {
	var out []ramp.Kind
	for _, e := range r.Events() {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) Readings() []float64 {
	var out []float64
	for _, e := range r.Events() {
		if e.Kind == ramp.EventMeasured {
			out = append(out, e.Reading.ChamberTemp)
		}
	}
	return out
}

func setpointsSent(calls []string) []string {
	var out []string
	for _, c := range calls {
		if len(c) > 4 && c[:4] == "set " {
			out = append(out, c[4:])
		}
	}
	return out
}

func count(calls []string, what string) int {
	n := 0
	for _, c := range calls {
		if c == what {
			n++
		}
	}
	return n
}

func newController(b *fakeBench, offset float64) (*ramp.Controller, *recorder) {
	c := ramp.New(b, ramp.Config{
		Offset:       offset,
		PollInterval: 10 * time.Second,
		Clock:        b.clock,
		Pacer:        b.clock,
	})
	rec := &recorder{}
	c.Subscribe(rec)
	return c, rec
}
