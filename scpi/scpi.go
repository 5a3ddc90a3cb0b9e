// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hephy-dd/pt100ramp/comm"
)

const (
	// DefaultTimeout is used when SCPI.Timeout is zero
	DefaultTimeout = 5 * time.Second

	frameSize = 1500
)

// ErrEmptyResponse is returned when a query is answered with nothing
var ErrEmptyResponse = errors.New("empty response to query")

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds every read and write, when the connection supports it
	Timeout time.Duration
}

func (s *SCPI) wrap(conn io.ReadWriter) io.ReadWriter {
	var rw io.ReadWriter = comm.NewTerminator(conn, '\n', '\n')
	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if t, err := comm.NewTimeout(rw, conn, timeout); err == nil {
		rw = t
	}
	return rw
}

func (s *SCPI) message(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) (err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap := s.wrap(conn)
	if _, err = io.WriteString(wrap, s.message(cmds)); err != nil {
		return err
	}
	if s.Handshaking {
		buf := make([]byte, frameSize)
		n, rerr := wrap.Read(buf)
		if rerr != nil {
			err = rerr
			return err
		}
		return checkError(string(buf[:n]))
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) (resp []byte, err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap := s.wrap(conn)
	if _, err = io.WriteString(wrap, s.message(cmds)); err != nil {
		return nil, err
	}
	buf := make([]byte, frameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return nil, err
	}
	resp = buf[:n]
	if s.Handshaking {
		str := string(resp)
		idx := strings.LastIndexByte(str, ';')
		if idx == -1 {
			return resp, fmt.Errorf("handshake missing from response %q", str)
		}
		if herr := checkError(str[idx+1:]); herr != nil {
			return resp, herr
		}
		return resp[:idx], nil
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	str := strings.TrimRight(string(resp), "\r\n")
	if str == "" {
		return "", ErrEmptyResponse
	}
	return str, nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	str, err := s.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return checkError(str)
}

// checkError interprets an error queue entry such as
// +0,"No error" or -113,"Undefined header"
func checkError(str string) error {
	str = strings.TrimSpace(str)
	if strings.HasPrefix(str, "+0") || strings.HasPrefix(str, "0,") {
		return nil
	}
	return fmt.Errorf("device error: %s", str)
}
