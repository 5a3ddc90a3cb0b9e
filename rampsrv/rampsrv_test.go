package rampsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hephy-dd/pt100ramp/bench"
	"github.com/hephy-dd/pt100ramp/mock"
	"github.com/hephy-dd/pt100ramp/ramp"
	"github.com/hephy-dd/pt100ramp/recorder"
	"github.com/hephy-dd/pt100ramp/telemetry"
)

// noWait lets simulated runs complete at once
type noWait struct{}

func (noWait) Wait(ctx context.Context, d time.Duration) error { return ctx.Err() }

// blockWait holds a run in its first pause until it is cancelled
type blockWait struct{}

func (blockWait) Wait(ctx context.Context, d time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func newServer(t *testing.T, pacer ramp.Pacer, store RunStore) (*Server, *ramp.Controller, http.Handler) {
	t.Helper()
	c := mock.NewChamber()
	ctrl := ramp.New(bench.New(c, mock.NewMeter(c)), ramp.Config{Pacer: pacer})
	s := New(context.Background(), Config{
		Controller: ctrl,
		History:    5,
		Store:      store,
		Metrics:    telemetry.NewMetrics().Handler(),
		Log:        zerolog.Nop(),
	})
	return s, ctrl, s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestPlanEditing(t *testing.T) {
	_, _, h := newServer(t, noWait{}, nil)

	rec := do(t, h, http.MethodGet, "/ramps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/ramps", `{"end":30,"step":5,"dwell":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/ramps", `{"end":-10,"step":2.5,"dwell":"30s"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[{"end":30,"step":5,"dwell":"1m0s"},{"end":-10,"step":2.5,"dwell":"30s"}]`, rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/ramps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, do(t, h, http.MethodGet, "/ramps", "").Body.String())
}

func TestStepLimits(t *testing.T) {
	_, _, h := newServer(t, noWait{}, nil)
	for _, body := range []string{
		`{"end":121,"step":5}`,
		`{"end":-40.5,"step":5}`,
		`{"end":20,"step":5,"dwell":3601}`,
		`{"end":20,"step":0}`,
		`{"end":30,"step":1e-9}`,
		`{"end":30,"step":0.05}`,
		`{"end":20,"step":5,"dwell":-1}`,
		`{"step":5}`,
		`not json`,
	} {
		rec := do(t, h, http.MethodPost, "/ramps", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	rec := do(t, h, http.MethodPost, "/ramps", `{"end":120,"step":5,"dwell":3600}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/ramps", `{"end":30,"step":0.1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPutPlan(t *testing.T) {
	s, _, h := newServer(t, noWait{}, nil)
	rec := do(t, h, http.MethodPut, "/ramps", `[{"end":25,"step":1},{"end":200,"step":1}]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "step 2")
	assert.Empty(t, s.Plan())

	rec = do(t, h, http.MethodPut, "/ramps", `[{"end":25,"step":1}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ramp.Plan{{End: 25, Size: 1}}, s.Plan())
}

func TestStartEmptyPlan(t *testing.T) {
	_, _, h := newServer(t, noWait{}, nil)
	rec := do(t, h, http.MethodPost, "/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "plan is empty")
}

func TestRunToCompletion(t *testing.T) {
	s, ctrl, h := newServer(t, noWait{}, nil)
	s.SetPlan(ramp.Plan{{End: 25, Size: 2}})

	rec := do(t, h, http.MethodPost, "/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var st startT
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NotEmpty(t, st.RunID)
	require.NoError(t, ctrl.Wait())

	var state struct {
		RunID  string     `json:"run_id"`
		State  ramp.State `json:"state"`
		Steps  int        `json:"steps"`
		Offset float64    `json:"offset"`
		Plan   ramp.Plan  `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(do(t, h, http.MethodGet, "/state", "").Body.Bytes(), &state))
	assert.Equal(t, st.RunID, state.RunID)
	assert.Equal(t, ramp.Finished, state.State)
	assert.Equal(t, 1, state.Steps)
	assert.Equal(t, ramp.DefaultOffset, state.Offset)
	assert.Len(t, state.Plan, 1)

	var rd readingsT
	require.NoError(t, json.Unmarshal(do(t, h, http.MethodGet, "/readings", "").Body.Bytes(), &rd))
	assert.Equal(t, st.RunID, rd.RunID)
	require.NotEmpty(t, rd.Readings)
	assert.LessOrEqual(t, len(rd.Readings), 5)
	assert.InDelta(t, 25, rd.Readings[len(rd.Readings)-1].ChamberTemp, ramp.DefaultOffset)
}

func TestLockedWhileRunning(t *testing.T) {
	s, ctrl, h := newServer(t, blockWait{}, nil)
	s.SetPlan(ramp.Plan{{End: 80, Size: 1}})
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/start", "").Code)
	require.Eventually(t, func() bool { return ctrl.Status().Last != nil }, time.Second, time.Millisecond)

	assert.Equal(t, http.StatusLocked, do(t, h, http.MethodPost, "/ramps", `{"end":30,"step":5}`).Code)
	assert.Equal(t, http.StatusLocked, do(t, h, http.MethodDelete, "/ramps", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/ramps", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/start", "").Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/stop", "").Code)
	require.NoError(t, ctrl.Wait())
	assert.Equal(t, ramp.Cancelled, ctrl.State())
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/ramps", "").Code)
}

func TestRunsFromStore(t *testing.T) {
	store, err := recorder.OpenStore(filepath.Join(t.TempDir(), "runs.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	s, ctrl, h := newServer(t, noWait{}, store)
	ctrl.Subscribe(store)
	s.SetPlan(ramp.Plan{{End: 22, Size: 1}})

	rec := do(t, h, http.MethodPost, "/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var st startT
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NoError(t, ctrl.Wait())

	var runs []recorder.Run
	require.NoError(t, json.Unmarshal(do(t, h, http.MethodGet, "/runs", "").Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, st.RunID, runs[0].ID)
	assert.Equal(t, ramp.Finished, runs[0].State)

	rec = do(t, h, http.MethodGet, "/runs/"+st.RunID+"/readings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rd readingsT
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rd))
	assert.NotEmpty(t, rd.Readings)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/runs/nope", "").Code)
}

func TestEndpointsAndMetrics(t *testing.T) {
	_, _, h := newServer(t, noWait{}, nil)
	var eps []string
	require.NoError(t, json.Unmarshal(do(t, h, http.MethodGet, "/endpoints", "").Body.Bytes(), &eps))
	assert.Contains(t, eps, "POST /start")
	assert.Contains(t, eps, "POST /lock")
	assert.Contains(t, eps, "GET /metrics")
	assert.NotContains(t, eps, "GET /runs")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pt100_running")
}

func TestHistoryWraps(t *testing.T) {
	hist := NewHistory(3)
	hist.Observe(ramp.Event{Kind: ramp.EventStarted, RunID: "a"})
	for i := 1; i <= 5; i++ {
		hist.Observe(ramp.Event{Kind: ramp.EventMeasured, Reading: ramp.Reading{ChamberTemp: float64(i)}})
	}
	id, rs := hist.Readings()
	assert.Equal(t, "a", id)
	require.Len(t, rs, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{rs[0].ChamberTemp, rs[1].ChamberTemp, rs[2].ChamberTemp})

	hist.Observe(ramp.Event{Kind: ramp.EventStarted, RunID: "b"})
	id, rs = hist.Readings()
	assert.Equal(t, "b", id)
	assert.Empty(t, rs)
}

func TestHistoryForgetsRunThatNeverStarted(t *testing.T) {
	hist := NewHistory(3)
	hist.Observe(ramp.Event{Kind: ramp.EventStarted, RunID: "a"})
	hist.Observe(ramp.Event{Kind: ramp.EventMeasured, Reading: ramp.Reading{ChamberTemp: 21}})
	hist.Observe(ramp.Event{Kind: ramp.EventFinished, RunID: "a"})
	id, rs := hist.Readings()
	assert.Equal(t, "a", id)
	assert.Len(t, rs, 1, "the end of a run keeps its readings")

	hist.Observe(ramp.Event{Kind: ramp.EventFailed, RunID: "b"})
	id, rs = hist.Readings()
	assert.Equal(t, "b", id)
	assert.Empty(t, rs)
}

func TestReadingsFollowRunFailedAtAcquire(t *testing.T) {
	c := mock.NewChamber()
	b := bench.New(c, mock.NewMeter(c))
	ctrl := ramp.New(b, ramp.Config{Pacer: noWait{}})
	s := New(context.Background(), Config{Controller: ctrl, History: 5, Log: zerolog.Nop()})
	h := s.Handler()
	s.SetPlan(ramp.Plan{{End: 22, Size: 1}})
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/start", "").Code)
	require.NoError(t, ctrl.Wait())

	held, err := b.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()
	rec := do(t, h, http.MethodPost, "/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var st startT
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.ErrorIs(t, ctrl.Wait(), bench.ErrBusy)
	assert.Equal(t, ramp.Failed, ctrl.State())

	var rd readingsT
	require.NoError(t, json.Unmarshal(do(t, h, http.MethodGet, "/readings", "").Body.Bytes(), &rd))
	assert.Equal(t, st.RunID, rd.RunID)
	assert.Empty(t, rd.Readings)
}
