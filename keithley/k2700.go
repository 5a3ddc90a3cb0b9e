// Package keithley provides an interface to Keithley 2700 series
// multimeter / data acquisition systems
package keithley

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/hephy-dd/pt100ramp/comm"
	"github.com/hephy-dd/pt100ramp/scpi"
	"github.com/hephy-dd/pt100ramp/temperature"
)

// ErrNoTemperature is returned when a reading has no value in Celsius
var ErrNoTemperature = errors.New("reading has no temperature in C")

var (
	readingRE = regexp.MustCompile(`([^#]+)#,?`)
	elementRE = regexp.MustCompile(`([+-]?\d+(?:\.\d+)?(?:[eE][+-]\d+)?)([_A-Z]+),?`)
)

// Reading is one reading of the meter, each element keyed by its unit
// suffix, e.g. "_C", "SECS", "RDNG"
type Reading map[string]float64

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 5 * time.Second}
}

// K2700 is a Keithley 2700 multimeter
type K2700 struct {
	scpi.SCPI
}

// NewK2700 creates a new K2700 instance.  addr is host:port for TCP, or a
// serial port name if serial is true.
func NewK2700(addr string, serial bool) *K2700 {
	var maker comm.CreationFunc
	if serial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	}
	return NewK2700Pool(comm.NewPool(1, time.Minute, maker))
}

// NewK2700Pool creates a K2700 on an existing pool
func NewK2700Pool(pool *comm.Pool) *K2700 {
	return &K2700{scpi.SCPI{Pool: pool, Timeout: 10 * time.Second}}
}

// Identify returns the *IDN? string of the meter
func (k *K2700) Identify() (string, error) {
	return k.ReadString("*IDN?")
}

// Open checks that the meter answers and clears its status
func (k *K2700) Open() error {
	if _, err := k.Identify(); err != nil {
		return err
	}
	return k.Write("*CLS")
}

// Close frees the connection to the meter.  The meter may be opened again.
func (k *K2700) Close() error {
	return k.Pool.Drain()
}

// Init triggers a measurement
func (k *K2700) Init() error {
	return k.Write("INIT")
}

// Fetch returns the readings of the last measurement
func (k *K2700) Fetch() ([]Reading, error) {
	resp, err := k.ReadString("FETC?")
	if err != nil {
		return nil, err
	}
	return ParseReadings(resp)
}

// Temperature triggers a measurement and returns the first reading in Celsius
func (k *K2700) Temperature() (float64, error) {
	if err := k.Init(); err != nil {
		return 0, err
	}
	rdngs, err := k.Fetch()
	if err != nil {
		return 0, err
	}
	if len(rdngs) == 0 {
		return 0, ErrNoTemperature
	}
	return rdngs[0].Celsius()
}

// Celsius returns the temperature element of the reading, converted to C
// if the meter reports K or F
func (r Reading) Celsius() (float64, error) {
	for _, unit := range []string{"_C", "C", "K", "_K", "F", "_F"} {
		if v, ok := r[unit]; ok {
			c, err := temperature.ToCelsius(v, unit)
			return float64(c), err
		}
	}
	return 0, ErrNoTemperature
}

// ParseReadings parses a FETC? response such as
// "+2.345E+01_C,+1.2SECS,+0RDNG#,+2.350E+01_C,+2.2SECS,+1RDNG#".
// A response without any reading terminator is taken as one reading.
func ParseReadings(resp string) ([]Reading, error) {
	resp = strings.TrimSpace(resp)
	groups := readingRE.FindAllStringSubmatch(resp, -1)
	chunks := make([]string, 0, len(groups))
	for _, g := range groups {
		chunks = append(chunks, g[1])
	}
	if len(chunks) == 0 && resp != "" {
		chunks = append(chunks, resp)
	}
	out := make([]Reading, 0, len(chunks))
	for _, c := range chunks {
		r := Reading{}
		for _, m := range elementRE.FindAllStringSubmatch(c, -1) {
			f, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %q: %w", m[0], err)
			}
			r[m[2]] = f
		}
		if len(r) == 0 {
			return nil, fmt.Errorf("no values in reading %q", c)
		}
		out = append(out, r)
	}
	return out, nil
}
