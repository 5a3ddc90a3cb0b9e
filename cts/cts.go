/*Package cts provides tools for working with CTS climate chambers through
their ITC (interface to climate) protocol.

The ITC protocol is plain ASCII.  Commands are terminated by a carriage
return, replies have a fixed length and no terminator:

	A<n>          read analog channel n   -> "A<n> <actual> <target>" (14 bytes)
	a<n> <value>  set analog channel n    -> "a"
	s1 1 / s1 0   chamber on / off        -> "s1"

n is zero based on the wire.  This package counts channels from 1 as the
chamber front panel does: 1 is temperature in C, 2 is humidity in %RH.
*/
package cts

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/hephy-dd/pt100ramp/comm"
)

const (
	// ChannelTemperature is the analog channel of the chamber temperature
	ChannelTemperature = 1

	// ChannelHumidity is the analog channel of the chamber humidity
	ChannelHumidity = 2

	analogReplySize = 14
	maxChannel      = 7

	// the ITC drops commands that arrive back to back
	commandSpacing = 100 * time.Millisecond
)

var (
	// ErrAckMismatch is returned when the chamber does not acknowledge a
	// command with the expected reply
	ErrAckMismatch = errors.New("chamber did not acknowledge command")

	// ErrBadChannel is returned for analog channels outside 1..7
	ErrBadChannel = fmt.Errorf("analog channel must be in 1..%d", maxChannel)
)

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        19200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 3 * time.Second}
}

// ITC talks to a CTS climate chamber
type ITC struct {
	pool    *comm.Pool
	lim     *rate.Limiter
	timeout time.Duration
}

// NewITC creates a new ITC instance.  addr is host:port for TCP, or a
// serial port name if serial is true.
func NewITC(addr string, serial bool) *ITC {
	var maker comm.CreationFunc
	if serial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	}
	return NewITCPool(comm.NewPool(1, time.Minute, maker))
}

// NewITCPool creates an ITC on an existing pool
func NewITCPool(pool *comm.Pool) *ITC {
	return &ITC{pool: pool, lim: comm.NewLimiter(commandSpacing), timeout: 5 * time.Second}
}

// query sends cmd and reads a reply of exactly n bytes
func (c *ITC) query(cmd string, n int) (resp string, err error) {
	conn, err := c.pool.Get()
	if err != nil {
		return "", err
	}
	defer func() { c.pool.ReturnWithError(conn, err) }()
	var rw io.ReadWriter = comm.NewPacer(conn, c.lim)
	if t, terr := comm.NewTimeout(rw, conn, c.timeout); terr == nil {
		rw = t
	}
	term := comm.NewTerminator(rw, '\r', '\r')
	if _, err = term.Write([]byte(cmd)); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err = term.ReadFull(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// expect sends cmd and checks the reply equals ack
func (c *ITC) expect(cmd, ack string) error {
	resp, err := c.query(cmd, len(ack))
	if err != nil {
		return err
	}
	if resp != ack {
		return fmt.Errorf("%w: sent %q, got %q, expected %q", ErrAckMismatch, cmd, resp, ack)
	}
	return nil
}

// Open checks that the chamber answers
func (c *ITC) Open() error {
	_, _, err := c.AnalogChannel(ChannelTemperature)
	return err
}

// Close frees the connection to the chamber.  The ITC may be opened again.
func (c *ITC) Close() error {
	return c.pool.Drain()
}

// Start switches the chamber on
func (c *ITC) Start() error {
	return c.expect("s1 1", "s1")
}

// Stop switches the chamber off
func (c *ITC) Stop() error {
	return c.expect("s1 0", "s1")
}

// AnalogChannel returns the actual and target value of an analog channel
func (c *ITC) AnalogChannel(ch int) (actual, target float64, err error) {
	if ch < 1 || ch > maxChannel {
		return 0, 0, ErrBadChannel
	}
	cmd := fmt.Sprintf("A%d", ch-1)
	resp, err := c.query(cmd, analogReplySize)
	if err != nil {
		return 0, 0, err
	}
	return parseAnalog(cmd, resp)
}

// parseAnalog parses a reply like "A0 023.7 025.0"
func parseAnalog(cmd, resp string) (actual, target float64, err error) {
	fields := strings.Fields(resp)
	if len(fields) != 3 || fields[0] != cmd {
		return 0, 0, fmt.Errorf("%w: sent %q, got %q", ErrAckMismatch, cmd, resp)
	}
	actual, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, err
	}
	target, err = strconv.ParseFloat(fields[2], 64)
	return actual, target, err
}

// SetAnalogChannel sets the target value of an analog channel.  The chamber
// resolves one decimal; value is rounded to it.
func (c *ITC) SetAnalogChannel(ch int, value float64) error {
	if ch < 1 || ch > maxChannel {
		return ErrBadChannel
	}
	if value <= -100 || value >= 1000 {
		return fmt.Errorf("value %v does not fit the ITC number format", value)
	}
	return c.expect(formatSet(ch, value), "a")
}

func formatSet(ch int, value float64) string {
	return fmt.Sprintf("a%d %05.1f", ch-1, value)
}
