package ramp

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPlan matches every *PlanError with errors.Is
	ErrInvalidPlan = errors.New("invalid ramp plan")

	// ErrRunning is returned by Start while a run is active
	ErrRunning = errors.New("a ramp run is already active")

	// ErrAckMismatch is wrapped by device errors when an instrument answered
	// a command with something other than the expected acknowledgement
	ErrAckMismatch = errors.New("unexpected acknowledgement")
)

// PlanError describes why a plan was rejected.  Index is the offending step,
// or -1 when the plan as a whole is bad.
type PlanError struct {
	Index  int
	Reason string
}

func (e *PlanError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %s", ErrInvalidPlan, e.Reason)
	}
	return fmt.Sprintf("%v: step %d: %s", ErrInvalidPlan, e.Index+1, e.Reason)
}

// Is reports ErrInvalidPlan as a match
func (e *PlanError) Is(target error) bool {
	return target == ErrInvalidPlan
}

// DeviceError is a failed read or write on the chamber or the multimeter.
// It is fatal to the run that observed it.
type DeviceError struct {
	Device string // "chamber" or "multimeter"
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// deviceError wraps err in a *DeviceError unless it already is one
func deviceError(device, op string, err error) error {
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Device: device, Op: op, Err: err}
}
