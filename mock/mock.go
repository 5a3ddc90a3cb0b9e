/*Package mock simulates a climate chamber and a Pt100 multimeter so that
the ramp server can be run without hardware.

The chamber moves a fixed fraction of the way toward its target every time
the temperature is read, so a simulated ramp takes a handful of polls per
setpoint no matter how long the poll interval is.  Values are reported with
the resolution of the real instruments.
*/
package mock

import (
	"errors"
	"math"
	"math/rand"
	"sync"

	"github.com/hephy-dd/pt100ramp/cts"
	"github.com/hephy-dd/pt100ramp/mathx"
	"github.com/hephy-dd/pt100ramp/util"
)

const (
	// Ambient is the temperature of a chamber that is switched off
	Ambient = 21.0

	// DefaultRate is the fraction of the remaining distance to the target
	// covered per reading
	DefaultRate = 0.4
)

// ErrNotOpen is returned when a simulated device is used before Open
var ErrNotOpen = errors.New("mock device is not open")

// Chamber is a simulated CTS chamber
type Chamber struct {
	sync.Mutex

	// Rate is the fraction of the distance to the target covered per reading
	Rate float64

	open     bool
	on       bool
	temp     float64
	humidity float64
	target   [2]float64
	rng      *rand.Rand
}

// NewChamber returns a switched off chamber at ambient temperature
func NewChamber() *Chamber {
	return &Chamber{
		Rate:     DefaultRate,
		temp:     Ambient,
		humidity: 40,
		target:   [2]float64{Ambient, 0},
		rng:      rand.New(rand.NewSource(1)),
	}
}

func (c *Chamber) Open() error {
	c.Lock()
	defer c.Unlock()
	c.open = true
	return nil
}

func (c *Chamber) Close() error {
	c.Lock()
	defer c.Unlock()
	c.open = false
	return nil
}

func (c *Chamber) Start() error {
	c.Lock()
	defer c.Unlock()
	if !c.open {
		return ErrNotOpen
	}
	c.on = true
	return nil
}

func (c *Chamber) Stop() error {
	c.Lock()
	defer c.Unlock()
	if !c.open {
		return ErrNotOpen
	}
	c.on = false
	return nil
}

// On reports whether the chamber is switched on
func (c *Chamber) On() bool {
	c.Lock()
	defer c.Unlock()
	return c.on
}

// AnalogChannel returns the actual and target value of the temperature
// or humidity channel.  Reading the temperature advances the simulation.
func (c *Chamber) AnalogChannel(ch int) (actual, target float64, err error) {
	c.Lock()
	defer c.Unlock()
	if !c.open {
		return 0, 0, ErrNotOpen
	}
	switch ch {
	case cts.ChannelTemperature:
		c.step()
		return mathx.Round(c.temp, 0.1), c.target[0], nil
	case cts.ChannelHumidity:
		return mathx.Round(c.humidity, 0.1), c.target[1], nil
	}
	return 0, 0, cts.ErrBadChannel
}

// SetAnalogChannel sets the target of the temperature or humidity channel
func (c *Chamber) SetAnalogChannel(ch int, value float64) error {
	c.Lock()
	defer c.Unlock()
	if !c.open {
		return ErrNotOpen
	}
	if ch != cts.ChannelTemperature && ch != cts.ChannelHumidity {
		return cts.ErrBadChannel
	}
	c.target[ch-1] = mathx.Round(value, 0.1)
	return nil
}

// Temperature returns the true temperature inside the chamber
func (c *Chamber) Temperature() float64 {
	c.Lock()
	defer c.Unlock()
	return c.temp
}

// step moves the temperature toward the target, or back to ambient when off.
// Must be called with the lock held.
func (c *Chamber) step() {
	goal := Ambient
	if c.on {
		goal = c.target[0]
	}
	c.temp += (goal - c.temp) * c.Rate
	if math.Abs(goal-c.temp) < 0.01 {
		c.temp = goal
	}
	// warming air holds the same water at a lower relative humidity
	drift := -(goal - c.temp) * 0.05
	c.humidity = util.Clamp(c.humidity+drift+c.rng.NormFloat64()*0.2, 5, 95)
}

// Meter is a simulated multimeter with a Pt100 inside a Chamber
type Meter struct {
	// Offset is added to the chamber temperature, the sensor is not exactly
	// where the chamber measures
	Offset float64

	chamber *Chamber
	mu      sync.Mutex
	open    bool
}

// NewMeter returns a meter that measures inside c
func NewMeter(c *Chamber) *Meter {
	return &Meter{chamber: c, Offset: -0.2}
}

func (m *Meter) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	return nil
}

func (m *Meter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// Temperature returns the Pt100 temperature in C
func (m *Meter) Temperature() (float64, error) {
	m.mu.Lock()
	open := m.open
	m.mu.Unlock()
	if !open {
		return 0, ErrNotOpen
	}
	return mathx.Round(m.chamber.Temperature()+m.Offset, 0.001), nil
}
