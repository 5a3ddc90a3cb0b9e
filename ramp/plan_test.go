package ramp_test

import (
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/hephy-dd/pt100ramp/ramp"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		plan  ramp.Plan
		index int
	}{
		{"empty", ramp.Plan{}, -1},
		{"zero step", ramp.Plan{{End: 10, Size: 0}}, 0},
		{"negative step", ramp.Plan{{End: 10, Size: 1}, {End: 10, Size: -1}}, 1},
		{"nan end", ramp.Plan{{End: math.NaN(), Size: 1}}, 0},
		{"inf end", ramp.Plan{{End: math.Inf(1), Size: 1}}, 0},
		{"inf step", ramp.Plan{{End: 1, Size: math.Inf(1)}}, 0},
		{"negative dwell", ramp.Plan{{End: 1, Size: 1, Dwell: -time.Second}}, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ramp.Validate(c.plan)
			require.Error(t, err)
			assert.ErrorIs(t, err, ramp.ErrInvalidPlan)
			pe, ok := err.(*ramp.PlanError)
			require.True(t, ok)
			assert.Equal(t, c.index, pe.Index)
		})
	}
	assert.NoError(t, ramp.Validate(ramp.Plan{{End: -40, Size: 0.1}, {End: 120, Size: 200, Dwell: time.Hour}}))
}

func TestSetpointsScenarios(t *testing.T) {
	assert.Equal(t, []float64{25, 30}, ramp.Setpoints(20, ramp.Step{End: 30, Size: 5}))
	assert.Equal(t, []float64{15, 10}, ramp.Setpoints(20, ramp.Step{End: 10, Size: 5}))
	assert.Equal(t, []float64{25, 27}, ramp.Setpoints(20, ramp.Step{End: 27, Size: 5}))
	assert.Equal(t, []float64{30}, ramp.Setpoints(30, ramp.Step{End: 30, Size: 5}))
	assert.Equal(t, []float64{-40}, ramp.Setpoints(20, ramp.Step{End: -40, Size: 100}))
}

func TestSetpointsNoFloatCreep(t *testing.T) {
	sps := ramp.Setpoints(20.1, ramp.Step{End: 21, Size: 0.1})
	require.Len(t, sps, 9)
	assert.Equal(t, 21.0, sps[len(sps)-1])
	assert.InDelta(t, 20.9, sps[len(sps)-2], 1e-9)
}

func TestSetpointsProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		start := math.Round((rng.Float64()*160-40)*10) / 10
		end := math.Round((rng.Float64()*160-40)*10) / 10
		size := 0.1 + rng.Float64()*20
		if i%10 == 0 {
			end = start
		}
		sps := ramp.Setpoints(start, ramp.Step{End: end, Size: size})

		require.NotEmpty(t, sps)
		require.Equal(t, end, sps[len(sps)-1], "last element is the end exactly")
		dir := math.Copysign(1, end-start)
		prev := start
		for k, sp := range sps {
			if end != start {
				require.Greater(t, (sp-prev)*dir, 0.0, "monotonic toward the end")
			}
			require.LessOrEqual(t, math.Abs(sp-start), math.Abs(end-start)+1e-9, "never overshoots")
			if k < len(sps)-1 {
				steps := math.Abs(sp-start) / size
				require.InDelta(t, math.Round(steps), steps, 1e-6, "whole number of steps")
				require.Equal(t, float64(k+1), math.Round(steps))
			}
			prev = sp
		}
	}
}

func TestStepJSON(t *testing.T) {
	var p ramp.Plan
	require.NoError(t, json.Unmarshal([]byte(`[{"end":30,"step":5,"dwell":"90s"},{"end":-10,"step":2.5,"dwell":1.5}]`), &p))
	assert.Equal(t, ramp.Plan{
		{End: 30, Size: 5, Dwell: 90 * time.Second},
		{End: -10, Size: 2.5, Dwell: 90 * time.Second},
	}, p)

	b, err := json.Marshal(p[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"end":30,"step":5,"dwell":"1m30s"}`, string(b))

	var s ramp.Step
	assert.Error(t, json.Unmarshal([]byte(`{"step":5}`), &s), "end is required")
	assert.Error(t, json.Unmarshal([]byte(`{"end":5,"dwell":"soon"}`), &s))
}

func TestStepYAMLRoundTrip(t *testing.T) {
	in := ramp.Plan{{End: 30, Size: 5, Dwell: time.Minute}, {End: 20, Size: 1}}
	b, err := yaml.Marshal(in)
	require.NoError(t, err)
	var out ramp.Plan
	require.NoError(t, yaml.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yml")
	doc := `
- end: 30
  step: 5
  dwell: 60s
- end: 10
  step: 5
  dwell: 2
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	p, err := ramp.LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, ramp.Plan{
		{End: 30, Size: 5, Dwell: time.Minute},
		{End: 10, Size: 5, Dwell: 2 * time.Minute},
	}, p)
	assert.NoError(t, ramp.Validate(p))

	_, err = ramp.LoadPlan(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestWalkStopsEarly(t *testing.T) {
	var got []float64
	for sp := range ramp.Walk(20, ramp.Step{End: 30, Size: 1e-9}) {
		got = append(got, sp)
		if len(got) == 3 {
			break
		}
	}
	require.Len(t, got, 3)
	assert.InDelta(t, 20+1e-9, got[0], 1e-12)
	assert.InDelta(t, 20+3e-9, got[2], 1e-12)
}
