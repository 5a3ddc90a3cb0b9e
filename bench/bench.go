// Package bench joins a climate chamber and a multimeter into the test bench
// the ramp controller drives.
package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hephy-dd/pt100ramp/cts"
	"github.com/hephy-dd/pt100ramp/ramp"
)

// ErrBusy is returned by Acquire while another session holds the bench
var ErrBusy = errors.New("bench is in use")

const (
	chamberName = "chamber"
	meterName   = "multimeter"
)

// Chamber is a climate chamber with analog channels, such as *cts.ITC
type Chamber interface {
	Open() error
	Close() error
	AnalogChannel(ch int) (actual, target float64, err error)
	SetAnalogChannel(ch int, value float64) error
	Start() error
	Stop() error
}

// Meter reads the reference Pt100, such as *keithley.K2700
type Meter interface {
	Open() error
	Close() error
	Temperature() (float64, error)
}

// Bench is a Chamber and a Meter that are used together, by one session at
// a time
type Bench struct {
	Chamber Chamber
	Meter   Meter

	// Now stamps readings, time.Now if nil
	Now func() time.Time

	mu sync.Mutex
}

// New returns a bench of the chamber and meter
func New(c Chamber, m Meter) *Bench {
	return &Bench{Chamber: c, Meter: m}
}

// Acquire opens the chamber, then the meter.  The bench is held until the
// session is released.
func (b *Bench) Acquire(ctx context.Context) (ramp.Session, error) {
	if !b.mu.TryLock() {
		return nil, ErrBusy
	}
	if err := b.Chamber.Open(); err != nil {
		b.mu.Unlock()
		return nil, wrap(chamberName, "open", err)
	}
	if err := b.Meter.Open(); err != nil {
		b.Chamber.Close()
		b.mu.Unlock()
		return nil, wrap(meterName, "open", err)
	}
	now := b.Now
	if now == nil {
		now = time.Now
	}
	return &session{b: b, now: now}, nil
}

// wrap makes err a *ramp.DeviceError, translating a missing chamber
// acknowledgement into ramp.ErrAckMismatch
func wrap(device, op string, err error) error {
	if errors.Is(err, cts.ErrAckMismatch) {
		err = fmt.Errorf("%w: %v", ramp.ErrAckMismatch, err)
	}
	return &ramp.DeviceError{Device: device, Op: op, Err: err}
}

type session struct {
	b        *Bench
	now      func() time.Time
	released bool
}

func (s *session) Read(ctx context.Context) (ramp.Reading, error) {
	t, _, err := s.b.Chamber.AnalogChannel(cts.ChannelTemperature)
	if err != nil {
		return ramp.Reading{}, wrap(chamberName, "read temperature", err)
	}
	h, _, err := s.b.Chamber.AnalogChannel(cts.ChannelHumidity)
	if err != nil {
		return ramp.Reading{}, wrap(chamberName, "read humidity", err)
	}
	pt, err := s.b.Meter.Temperature()
	if err != nil {
		return ramp.Reading{}, wrap(meterName, "read temperature", err)
	}
	return ramp.Reading{Time: s.now(), ChamberTemp: t, ChamberHumidity: h, ReferenceTemp: pt}, nil
}

func (s *session) SetTarget(ctx context.Context, channel int, value float64) error {
	if err := s.b.Chamber.SetAnalogChannel(channel, value); err != nil {
		return wrap(chamberName, fmt.Sprintf("set channel %d", channel), err)
	}
	return nil
}

func (s *session) Power(ctx context.Context, on bool) error {
	if on {
		if err := s.b.Chamber.Start(); err != nil {
			return wrap(chamberName, "power on", err)
		}
		return nil
	}
	if err := s.b.Chamber.Stop(); err != nil {
		return wrap(chamberName, "power off", err)
	}
	return nil
}

// Release closes the meter, then the chamber, and frees the bench
func (s *session) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	defer s.b.mu.Unlock()
	var errs []error
	if err := s.b.Meter.Close(); err != nil {
		errs = append(errs, wrap(meterName, "close", err))
	}
	if err := s.b.Chamber.Close(); err != nil {
		errs = append(errs, wrap(chamberName, "close", err))
	}
	return errors.Join(errs...)
}
