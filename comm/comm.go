/*Package comm provides connection makers, a connection pool and io wrappers
for talking to lab hardware over TCP or RS232.

Most drivers in this module boil down to:
	1.  make a CreationFunc with BackingOffTCPConnMaker or SerialConnMaker
	2.  put it in a Pool of size 1 so that commands never interleave
	3.  for each command, Get a connection, wrap it in a Terminator (and
		a Timeout and Pacer if the device needs them), write, read, and
		ReturnWithError
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

var (
	// ErrNotConnected is generated when a connection is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrNoDeadline is generated when a Timeout is requested on a connection
	// that has no way to set a deadline
	ErrNoDeadline = errors.New("connection does not support deadlines")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr with an
// exponential backoff.  Refused connections are not retried, since the remote
// is up and telling us no.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			c, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens the serial port described
// by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// Terminator wraps a ReadWriter so that writes have the Tx terminator appended
// and reads return one message with the Rx terminator stripped
type Terminator struct {
	rw io.ReadWriter
	br *bufio.Reader
	tx byte
	rx byte
}

// NewTerminator returns a new Terminator wrapping rw
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), tx: tx, rx: rx}
}

// Write appends the Tx terminator and writes to the underlying connection.
// The returned length does not include the terminator.
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, len(b), len(b)+1)
	copy(buf, b)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read reads up to and including the Rx terminator, then copies the message
// with the terminator stripped into p.  A message longer than p is truncated.
func (t *Terminator) Read(p []byte) (int, error) {
	buf, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return copy(p, buf), ErrTerminatorNotFound
		}
		return 0, err
	}
	buf = bytes.TrimSuffix(buf, []byte{t.rx})
	return copy(p, buf), nil
}

// ReadFull reads exactly len(p) bytes without looking for a terminator.
// It is used for devices that answer with fixed-length replies.
func (t *Terminator) ReadFull(p []byte) (int, error) {
	return io.ReadFull(t.br, p)
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Timeout wraps a connection and refreshes its deadline before every
// read and write
type Timeout struct {
	rw      io.ReadWriter
	conn    deadliner
	timeout time.Duration
}

// NewTimeout returns a Timeout wrapping rw.  conn is the underlying
// connection which must support deadlines; rw may be a wrapper around it.
func NewTimeout(rw io.ReadWriter, conn interface{}, timeout time.Duration) (*Timeout, error) {
	d, ok := conn.(deadliner)
	if !ok {
		return nil, ErrNoDeadline
	}
	return &Timeout{rw: rw, conn: d, timeout: timeout}, nil
}

func (t *Timeout) Read(p []byte) (int, error) {
	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

func (t *Timeout) Write(p []byte) (int, error) {
	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}

// Pacer limits the rate of writes to a connection.  Reads pass through.
// Many controllers drop commands that arrive faster than they can parse them.
type Pacer struct {
	rw  io.ReadWriter
	lim *rate.Limiter
}

// NewPacer returns a Pacer that allows at most one write every interval
func NewPacer(rw io.ReadWriter, lim *rate.Limiter) *Pacer {
	return &Pacer{rw: rw, lim: lim}
}

// NewLimiter returns a limiter suitable for a Pacer, one command per interval
// with no burst
func NewLimiter(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}

func (p *Pacer) Read(b []byte) (int, error) {
	return p.rw.Read(b)
}

func (p *Pacer) Write(b []byte) (int, error) {
	if err := p.lim.Wait(context.Background()); err != nil {
		return 0, err
	}
	return p.rw.Write(b)
}
