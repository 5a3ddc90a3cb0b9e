/*Package ramp drives a temperature ramp test.

A Controller takes a Plan of steps, switches the climate chamber on and walks
each step: it sends setpoints in increments of the step size toward the end
temperature, polls until the chamber temperature is inside the tolerance band
around each setpoint, then holds for the dwell time while it keeps polling.
Every reading and every change of state is delivered to the registered
observers as an ordered stream of Events.

The chamber and the multimeter are reached through the Acquirer, Source and
Sink interfaces; package bench implements them for real instruments and
package mock for a simulated bench.
*/
package ramp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultOffset is the half width of the convergence band in Celsius
	DefaultOffset = 0.5

	// DefaultPollInterval is the time between two readings
	DefaultPollInterval = 10 * time.Second

	// DefaultChannel is the chamber channel that takes the temperature setpoint
	DefaultChannel = 1
)

// State is the state of a Controller
type State string

const (
	Idle      State = "idle"
	Running   State = "running"
	Finished  State = "finished"
	Cancelled State = "cancelled"
	Failed    State = "failed"
)

// Reading is one sample of the bench.  Temperatures in Celsius, humidity in %RH.
type Reading struct {
	Time            time.Time `json:"timestamp"`
	ChamberTemp     float64   `json:"chamber_temp"`
	ChamberHumidity float64   `json:"chamber_humidity"`
	ReferenceTemp   float64   `json:"reference_temp"`
}

// Source supplies readings.  Read must not change the state of the chamber.
type Source interface {
	Read(ctx context.Context) (Reading, error)
}

// Sink commands the chamber.  A wrong acknowledgement is an error wrapping
// ErrAckMismatch.
type Sink interface {
	SetTarget(ctx context.Context, channel int, value float64) error
	Power(ctx context.Context, on bool) error
}

// Session is exclusive access to the bench for one run
type Session interface {
	Source
	Sink

	// Release gives up the devices, in reverse order of acquisition
	Release() error
}

// Acquirer hands out Sessions
type Acquirer interface {
	Acquire(ctx context.Context) (Session, error)
}

// Clock tells the time.  Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// Pacer waits between polls.  Wait must return early with ctx.Err() when ctx
// is cancelled.
type Pacer interface {
	Wait(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type timerPacer struct{}

func (timerPacer) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config tunes a Controller.  Zero values take the defaults.
type Config struct {
	// Offset is the half width of the open band around a setpoint in which
	// the chamber counts as converged
	Offset float64

	// PollInterval is the pause between readings
	PollInterval time.Duration

	// Channel is the chamber channel setpoints are written to
	Channel int

	Clock  Clock
	Pacer  Pacer
	Logger *zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.Offset <= 0 {
		c.Offset = DefaultOffset
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Channel == 0 {
		c.Channel = DefaultChannel
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.Pacer == nil {
		c.Pacer = timerPacer{}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Status is a snapshot of the controller for display
type Status struct {
	RunID    string   `json:"run_id,omitempty"`
	State    State    `json:"state"`
	Step     int      `json:"step"`
	Steps    int      `json:"steps"`
	Setpoint float64  `json:"setpoint"`
	Last     *Reading `json:"last,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Controller runs ramp plans one at a time
type Controller struct {
	acq Acquirer
	cfg Config

	mu        sync.Mutex
	observers []Observer
	status    Status
	busy      bool
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
}

// New returns an idle Controller that acquires its devices from acq
func New(acq Acquirer, cfg Config) *Controller {
	cfg.setDefaults()
	done := make(chan struct{})
	close(done)
	return &Controller{
		acq:    acq,
		cfg:    cfg,
		status: Status{State: Idle},
		done:   done,
	}
}

// Subscribe registers an observer for the events of all following runs
func (c *Controller) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Controller) snapshotObservers() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Observer, len(c.observers))
	copy(out, c.observers)
	return out
}

// Offset returns the convergence band half width in use
func (c *Controller) Offset() float64 {
	return c.cfg.Offset
}

// Start begins a run of plan in the background and returns its id.  The plan
// is copied, so the caller may edit its slice afterwards.  An invalid plan is
// returned as a *PlanError before any device is touched; ErrRunning is
// returned while another run has not completed.
func (c *Controller) Start(ctx context.Context, plan Plan) (string, error) {
	snapshot := plan.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return "", ErrRunning
	}
	if err := Validate(snapshot); err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &run{
		id:     uuid.NewString(),
		plan:   snapshot,
		cfg:    c.cfg,
		ctx:    ctx,
		devctx: context.WithoutCancel(ctx),
		log:    c.cfg.Logger.With().Str("component", "ramp").Logger(),
		ctrl:   c,
	}
	r.log = r.log.With().Str("run", r.id).Logger()
	r.events = newDispatcher(c.snapshotObservers)
	c.busy = true
	c.err = nil
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status = Status{RunID: r.id, State: Running, Steps: len(snapshot)}
	go c.execute(r, cancel, c.done)
	return r.id, nil
}

// Run executes plan and blocks until it is over, returning the run error.
// Cancelling ctx cancels the run; that is not an error.
func (c *Controller) Run(ctx context.Context, plan Plan) error {
	if _, err := c.Start(ctx, plan); err != nil {
		return err
	}
	return c.Wait()
}

// Cancel asks the active run to stop.  The run ends in Cancelled before it
// issues another device command.  Cancel on an idle controller does nothing.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy && c.cancel != nil {
		c.cancel()
	}
}

// Wait blocks until the current run has ended and every event has been
// delivered, then returns Err()
func (c *Controller) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	<-done
	return c.Err()
}

// State returns the state of the controller
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State
}

// Status returns a snapshot of the controller
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	if s.Last != nil {
		last := *s.Last
		s.Last = &last
	}
	return s
}

// Err returns the error of the last run: the failure for Failed, the
// power-off error (usually nil) for Finished, nil otherwise
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) update(f func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(&c.status)
}

func (c *Controller) execute(r *run, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	err := r.execute()

	final := Event{RunID: r.id, Time: c.cfg.Clock.Now()}
	var state State
	switch {
	case errors.Is(err, errStop):
		state, final.Kind = Cancelled, EventCancelled
		err = nil
		r.log.Info().Msg("run cancelled")
	case err != nil:
		state, final.Kind, final.Err = Failed, EventFailed, err
		r.log.Error().Err(err).Msg("run failed")
	default:
		state, final.Kind, final.Err = Finished, EventFinished, r.warn
		err = r.warn
		if r.warn != nil {
			r.log.Warn().Err(r.warn).Msg("run finished with error")
		} else {
			r.log.Info().Msg("run finished")
		}
	}
	c.mu.Lock()
	c.status.State = state
	c.err = err
	if err != nil {
		c.status.Error = err.Error()
	}
	c.mu.Unlock()

	r.events.emit(final)
	r.events.close()
	<-r.events.done

	c.mu.Lock()
	c.busy = false
	c.cancel = nil
	c.mu.Unlock()
}

// errStop marks the end of a run by cancellation
var errStop = errors.New("run cancelled")

// run is the state of one execution of a plan
type run struct {
	id     string
	plan   Plan
	cfg    Config
	ctx    context.Context // cancelled by Cancel
	devctx context.Context // never cancelled; device calls in flight complete
	log    zerolog.Logger
	ctrl   *Controller
	events *dispatcher

	last     Reading
	setpoint float64
	warn     error
}

func (r *run) emit(e Event) {
	e.RunID = r.id
	if e.Time.IsZero() {
		e.Time = r.cfg.Clock.Now()
	}
	r.events.emit(e)
}

func (r *run) stopped() bool {
	return r.ctx.Err() != nil
}

// pause waits one poll interval, returning errStop if cancelled meanwhile
func (r *run) pause() error {
	if err := r.cfg.Pacer.Wait(r.ctx, r.cfg.PollInterval); err != nil {
		if r.stopped() {
			return errStop
		}
		return err
	}
	return nil
}

func (r *run) execute() (err error) {
	if r.stopped() {
		return errStop
	}
	sess, err := r.ctrl.acq.Acquire(r.devctx)
	if err != nil {
		return deviceError("bench", "acquire", err)
	}
	defer func() {
		if rerr := sess.Release(); rerr != nil {
			rerr = deviceError("bench", "release", rerr)
			r.log.Error().Err(rerr).Msg("releasing devices")
			if err == nil && r.warn == nil {
				r.warn = rerr
			}
		}
	}()

	if r.stopped() {
		return errStop
	}
	if err := sess.Power(r.devctx, true); err != nil {
		return deviceError("chamber", "power on", err)
	}
	r.emit(Event{Kind: EventStarted, Steps: len(r.plan)})

	if err := r.measure(sess); err != nil {
		return err
	}
	for i, step := range r.plan {
		r.ctrl.update(func(s *Status) { s.Step = i + 1 })
		r.emit(Event{Kind: EventProgress, Step: i + 1, Steps: len(r.plan),
			Setpoint: step.End, Message: fmt.Sprintf("Ramp %d of %d", i+1, len(r.plan))})
		for sp := range Walk(r.last.ChamberTemp, step) {
			if err := r.approach(sess, i, sp); err != nil {
				return err
			}
		}
		if err := r.dwell(sess, i, step); err != nil {
			return err
		}
	}

	if r.stopped() {
		return errStop
	}
	if err := sess.Power(r.devctx, false); err != nil {
		r.warn = deviceError("chamber", "power off", err)
	}
	return nil
}

func (r *run) measure(src Source) error {
	reading, err := src.Read(r.devctx)
	if err != nil {
		return deviceError("bench", "read", err)
	}
	r.last = reading
	r.ctrl.update(func(s *Status) { s.Last = &reading })
	r.emit(Event{Kind: EventMeasured, Time: reading.Time, Reading: reading})
	return nil
}

// converged reports whether t lies strictly inside (sp-offset, sp+offset)
func converged(t, sp, offset float64) bool {
	return sp-offset < t && t < sp+offset
}

// approach sends one setpoint and polls until the chamber has reached it
func (r *run) approach(sess Session, step int, sp float64) error {
	if r.stopped() {
		return errStop
	}
	if err := sess.SetTarget(r.devctx, r.cfg.Channel, sp); err != nil {
		return deviceError("chamber", "set target", err)
	}
	r.setpoint = sp
	r.ctrl.update(func(s *Status) { s.Setpoint = sp })
	r.emit(Event{Kind: EventProgress, Step: step + 1, Steps: len(r.plan), Setpoint: sp,
		Message: fmt.Sprintf("Target temp. %g degC...", sp)})
	for {
		if r.stopped() {
			return errStop
		}
		if err := r.measure(sess); err != nil {
			return err
		}
		if converged(r.last.ChamberTemp, sp, r.cfg.Offset) {
			return nil
		}
		r.log.Info().
			Float64("target", sp).
			Float64("offset", r.cfg.Offset).
			Float64("current", r.last.ChamberTemp).
			Msg("waiting for target")
		if r.stopped() {
			return errStop
		}
		if err := r.pause(); err != nil {
			return err
		}
	}
}

// dwell holds the current setpoint for step.Dwell, polling all along
func (r *run) dwell(sess Session, step int, s Step) error {
	deadline := r.cfg.Clock.Now().Add(s.Dwell)
	r.emit(Event{Kind: EventProgress, Step: step + 1, Steps: len(r.plan), Setpoint: r.setpoint,
		Message: "Waiting..."})
	for r.cfg.Clock.Now().Before(deadline) {
		if r.stopped() {
			return errStop
		}
		if err := r.measure(sess); err != nil {
			return err
		}
		if r.stopped() {
			return errStop
		}
		if err := r.pause(); err != nil {
			return err
		}
	}
	return nil
}
