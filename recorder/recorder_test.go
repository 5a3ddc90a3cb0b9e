package recorder

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hephy-dd/pt100ramp/ramp"
)

var t0 = time.Date(2026, 10, 16, 14, 3, 59, 0, time.UTC)

func events(id string, temps ...float64) []ramp.Event {
	evs := []ramp.Event{{Kind: ramp.EventStarted, RunID: id, Time: t0}}
	for i, temp := range temps {
		ts := t0.Add(time.Duration(i) * 10 * time.Second)
		evs = append(evs, ramp.Event{
			Kind:    ramp.EventMeasured,
			RunID:   id,
			Time:    ts,
			Reading: ramp.Reading{Time: ts, ChamberTemp: temp, ChamberHumidity: 40.5, ReferenceTemp: temp - 0.25},
		})
	}
	return evs
}

func TestCSV(t *testing.T) {
	dir := t.TempDir()
	c := NewCSV(dir, zerolog.Nop())
	for _, e := range events("a", 21, 22.5) {
		c.Observe(e)
	}
	c.Observe(ramp.Event{Kind: ramp.EventFinished, RunID: "a", Time: t0.Add(time.Minute)})

	assert.Equal(t, filepath.Join(dir, "pt100-2026-10-16T14-03-59.csv"), c.Path())
	f, err := os.Open(c.Path())
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		CSVHeader,
		{"1792159439.000000", "21", "40.5", "20.75"},
		{"1792159449.000000", "22.5", "40.5", "22.25"},
	}, rows)
}

func TestCSVFlushesEveryRow(t *testing.T) {
	c := NewCSV(t.TempDir(), zerolog.Nop())
	for _, e := range events("a", 21) {
		c.Observe(e)
	}
	b, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	assert.Equal(t, "time,cts_temp,cts_humid,pt100\n1792159439.000000,21,40.5,20.75\n", string(b))
}

func TestCSVRunsInSameSecond(t *testing.T) {
	dir := t.TempDir()
	c := NewCSV(dir, zerolog.Nop())
	for _, e := range events("3f2a9c1e-aaaa-bbbb-cccc-000000000001", 21) {
		c.Observe(e)
	}
	first := c.Path()
	for _, e := range events("7b00d4e2-aaaa-bbbb-cccc-000000000002", 30) {
		c.Observe(e)
	}
	c.Observe(ramp.Event{Kind: ramp.EventFinished, Time: t0})

	assert.Equal(t, filepath.Join(dir, "pt100-2026-10-16T14-03-59.csv"), first)
	assert.Equal(t, filepath.Join(dir, "pt100-2026-10-16T14-03-59-7b00d4e2.csv"), c.Path())
	for path, want := range map[string]string{
		first:    "1792159439.000000,21,40.5,20.75",
		c.Path(): "1792159439.000000,30,40.5,29.75",
	} {
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "time,cts_temp,cts_humid,pt100\n"+want+"\n", string(b), "one header per file")
	}
}

func TestCSVIgnoresReadingsOutsideRun(t *testing.T) {
	dir := t.TempDir()
	c := NewCSV(dir, zerolog.Nop())
	c.Observe(events("a", 21)[1])
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRun(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, e := range events("a", 21, 22.5, 24) {
		s.Observe(e)
	}

	run, err := s.Run(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ramp.Running, run.State)
	assert.Nil(t, run.Ended)

	s.Observe(ramp.Event{Kind: ramp.EventFailed, RunID: "a", Time: t0.Add(time.Hour), Err: errors.New("chamber: read: EOF")})
	run, err = s.Run(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ramp.Failed, run.State)
	assert.Equal(t, "chamber: read: EOF", run.Error)
	require.NotNil(t, run.Ended)
	assert.True(t, run.Ended.Equal(t0.Add(time.Hour)))
	assert.True(t, run.Started.Equal(t0))

	rs, err := s.Readings(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.Equal(t, []float64{21, 22.5, 24}, []float64{rs[0].ChamberTemp, rs[1].ChamberTemp, rs[2].ChamberTemp})
	assert.True(t, rs[1].Time.Equal(t0.Add(10*time.Second)))
	assert.Equal(t, 22.25, rs[1].ReferenceTemp)
}

func TestStoreRunsNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	s.Observe(ramp.Event{Kind: ramp.EventStarted, RunID: "old", Time: t0})
	s.Observe(ramp.Event{Kind: ramp.EventStarted, RunID: "new", Time: t0.Add(500 * time.Millisecond)})
	s.Observe(ramp.Event{Kind: ramp.EventCancelled, RunID: "new", Time: t0.Add(time.Second)})

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, ramp.Cancelled, runs[0].State)
	assert.Equal(t, "old", runs[1].ID)
}

func TestStoreRunThatNeverStarted(t *testing.T) {
	s := newStore(t)
	s.Observe(ramp.Event{Kind: ramp.EventFailed, RunID: "x", Time: t0, Err: errors.New("bench is in use")})
	run, err := s.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, ramp.Failed, run.State)
}

func TestStoreUnknownRun(t *testing.T) {
	s := newStore(t)
	_, err := s.Run(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.Readings(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
