package ramp

import (
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/hephy-dd/pt100ramp/mathx"
	"github.com/hephy-dd/pt100ramp/util"
)

// Step is one phase of a test: approach End in increments of Size, then hold
// for Dwell.  Temperatures are in Celsius.
type Step struct {
	End   float64       `json:"end" yaml:"end"`
	Size  float64       `json:"step" yaml:"step"`
	Dwell time.Duration `json:"dwell" yaml:"dwell"`
}

// Plan is the ordered list of steps of a run
type Plan []Step

// Clone returns a copy of the plan that shares no storage with p
func (p Plan) Clone() Plan {
	out := make(Plan, len(p))
	copy(out, p)
	return out
}

// Validate checks that a plan can be run.  The returned error is a *PlanError.
func Validate(p Plan) error {
	if len(p) == 0 {
		return &PlanError{Index: -1, Reason: "plan is empty"}
	}
	for i, s := range p {
		switch {
		case math.IsNaN(s.End) || math.IsInf(s.End, 0):
			return &PlanError{Index: i, Reason: fmt.Sprintf("end temperature %v is not finite", s.End)}
		case math.IsNaN(s.Size) || math.IsInf(s.Size, 0):
			return &PlanError{Index: i, Reason: fmt.Sprintf("step size %v is not finite", s.Size)}
		case s.Size <= 0:
			return &PlanError{Index: i, Reason: fmt.Sprintf("step size must be positive, got %v", s.Size)}
		case s.Dwell < 0:
			return &PlanError{Index: i, Reason: fmt.Sprintf("dwell must not be negative, got %v", s.Dwell)}
		}
	}
	return nil
}

// Walk yields the setpoints that walk from start to s.End, one at a time.
// Every element but the last lies an integer number of steps from start; the
// last is s.End exactly.  If start equals s.End the only element is s.End.
// Setpoints are produced on demand.
//
// s must have passed Validate; a non-positive size jumps straight to the end.
func Walk(start float64, s Step) iter.Seq[float64] {
	return func(yield func(float64) bool) {
		dir := mathx.Sign(s.End - start)
		if dir == 0 || !(s.Size > 0) || math.IsInf(s.Size, 0) {
			yield(s.End)
			return
		}
		span := math.Abs(s.End - start)
		// absorb float error so that e.g. 20.1 -> 21 by 0.1 does not produce
		// a 20.99999 setpoint right before 21
		eps := s.Size * 1e-9
		for k := 1; ; k++ {
			d := float64(k) * s.Size
			if d >= span-eps {
				break
			}
			if !yield(start + dir*d) {
				return
			}
		}
		yield(s.End)
	}
}

// Setpoints collects Walk into a slice
func Setpoints(start float64, s Step) []float64 {
	return slices.Collect(Walk(start, s))
}

// stepDoc is the serialized form of a Step.  Dwell is either a duration
// string ("90s", "1h") or a bare number of minutes.
type stepDoc struct {
	End   *float64    `json:"end" yaml:"end"`
	Size  float64     `json:"step" yaml:"step"`
	Dwell interface{} `json:"dwell" yaml:"dwell"`
}

func (d stepDoc) step() (Step, error) {
	if d.End == nil {
		return Step{}, fmt.Errorf("ramp step has no end temperature")
	}
	dwell, err := parseDwell(d.Dwell)
	if err != nil {
		return Step{}, err
	}
	return Step{End: *d.End, Size: d.Size, Dwell: dwell}, nil
}

func parseDwell(v interface{}) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("dwell %q: %w", t, err)
		}
		return d, nil
	case float64:
		return util.MinutesToDuration(t), nil
	case int:
		return util.MinutesToDuration(float64(t)), nil
	case int64:
		return util.MinutesToDuration(float64(t)), nil
	}
	return 0, fmt.Errorf("dwell must be a duration string or minutes, got %T", v)
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Step) UnmarshalJSON(b []byte) error {
	var d stepDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	st, err := d.step()
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// MarshalJSON implements json.Marshaler
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepDoc{End: &s.End, Size: s.Size, Dwell: s.Dwell.String()})
}

// UnmarshalYAML implements yaml.Unmarshaler
func (s *Step) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var d stepDoc
	if err := unmarshal(&d); err != nil {
		return err
	}
	st, err := d.step()
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (s Step) MarshalYAML() (interface{}, error) {
	return stepDoc{End: &s.End, Size: s.Size, Dwell: s.Dwell.String()}, nil
}

// LoadPlan reads a YAML plan file, a list of {end, step, dwell} records.
// The plan is not validated.
func LoadPlan(path string) (Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var p Plan
	if err := yaml.NewDecoder(f).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding plan %s: %w", path, err)
	}
	return p, nil
}
