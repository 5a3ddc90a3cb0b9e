/*Package rampsrv serves the ramp controller over HTTP.

The plan is edited with GET, POST, PUT and DELETE on /ramps, and is locked
(423) while a run is active.  POST /start runs the plan, POST /stop cancels
the run, GET /state and GET /readings report progress.  When a run store is
configured, past runs are served below /runs.  All bodies are JSON.
*/
package rampsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"

	"github.com/hephy-dd/pt100ramp/ramp"
	"github.com/hephy-dd/pt100ramp/recorder"
	"github.com/hephy-dd/pt100ramp/server"
	"github.com/hephy-dd/pt100ramp/server/middleware/locker"
)

// Limits on a single step accepted over HTTP
const (
	MinTemp  = -40.
	MaxTemp  = 120.
	MaxDwell = 3600 * time.Minute

	// MinStep is the resolution of a chamber setpoint
	MinStep = 0.1
)

// RunStore is read access to the runs recorded to disk, see recorder.Store
type RunStore interface {
	Runs(ctx context.Context) ([]recorder.Run, error)
	Run(ctx context.Context, id string) (recorder.Run, error)
	Readings(ctx context.Context, id string) ([]ramp.Reading, error)
}

// Config holds what a Server serves.  Controller is required.
type Config struct {
	Controller *ramp.Controller

	// History is the number of recent readings served by /readings
	History int

	// Store, if not nil, serves /runs
	Store RunStore

	// Metrics, if not nil, is mounted at /metrics
	Metrics http.Handler

	Log zerolog.Logger
}

// Server is the HTTP face of a ramp controller.  It owns the plan.
type Server struct {
	ctx     context.Context
	ctrl    *ramp.Controller
	history *History
	store   RunStore
	metrics http.Handler
	log     zerolog.Logger
	lock    *locker.Locker

	mu   sync.Mutex
	plan ramp.Plan
}

// New returns a Server.  Runs it starts are children of ctx and are
// cancelled with it.
func New(ctx context.Context, cfg Config) *Server {
	s := &Server{
		ctx:     ctx,
		ctrl:    cfg.Controller,
		history: NewHistory(cfg.History),
		store:   cfg.Store,
		metrics: cfg.Metrics,
		log:     cfg.Log.With().Str("component", "http").Logger(),
		plan:    ramp.Plan{},
	}
	s.lock = locker.New(func() bool { return s.ctrl.State() == ramp.Running })
	s.ctrl.Subscribe(s.history)
	return s
}

// Plan returns a copy of the plan
func (s *Server) Plan() ramp.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.Clone()
}

// SetPlan replaces the plan
func (s *Server) SetPlan(p ramp.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p.Clone()
}

// CheckStep enforces the limits of the chamber on one step
func CheckStep(st ramp.Step) error {
	if err := ramp.Validate(ramp.Plan{st}); err != nil {
		return err
	}
	if st.End < MinTemp || st.End > MaxTemp {
		return &ramp.PlanError{Index: 0, Reason: fmt.Sprintf("end temperature %v outside %v..%v C", st.End, MinTemp, MaxTemp)}
	}
	if st.Size < MinStep {
		return &ramp.PlanError{Index: 0, Reason: fmt.Sprintf("step size %v finer than %v C", st.Size, MinStep)}
	}
	if st.Dwell > MaxDwell {
		return &ramp.PlanError{Index: 0, Reason: fmt.Sprintf("dwell %v longer than %v", st.Dwell, MaxDwell)}
	}
	return nil
}

// RT returns the route table of the server, including /lock
func (s *Server) RT() server.RouteTable {
	rt := server.RouteTable{
		{Method: http.MethodGet, Path: "/ramps"}:    s.getPlan,
		{Method: http.MethodPost, Path: "/ramps"}:   s.addStep,
		{Method: http.MethodPut, Path: "/ramps"}:    s.putPlan,
		{Method: http.MethodDelete, Path: "/ramps"}: s.clearPlan,
	}
	locker.Inject(rt, s.lock)
	return rt
}

func (s *Server) controlRT() server.RouteTable {
	rt := server.RouteTable{
		{Method: http.MethodPost, Path: "/start"}:   s.start,
		{Method: http.MethodPost, Path: "/stop"}:    s.stop,
		{Method: http.MethodGet, Path: "/state"}:    s.state,
		{Method: http.MethodGet, Path: "/readings"}: s.readings,
	}
	if s.store != nil {
		rt[server.MethodPath{Method: http.MethodGet, Path: "/runs"}] = s.runs
		rt[server.MethodPath{Method: http.MethodGet, Path: "/runs/{id}"}] = s.run
		rt[server.MethodPath{Method: http.MethodGet, Path: "/runs/{id}/readings"}] = s.runReadings
	}
	return rt
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(middleware.Recoverer)

	plan := s.RT()
	control := s.controlRT()
	endpoints := append(plan.Endpoints(), control.Endpoints()...)

	root.Group(func(r chi.Router) {
		r.Use(s.lock.Check)
		plan.Bind(r)
	})
	control.Bind(root)
	if s.metrics != nil {
		root.Method(http.MethodGet, "/metrics", s.metrics)
		endpoints = append(endpoints, "GET /metrics")
	}
	endpoints = append(endpoints, "GET /endpoints")
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		server.EncodeAndRespond(w, http.StatusOK, endpoints)
	})
	return root
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	server.EncodeAndRespond(w, http.StatusOK, s.Plan())
}

func (s *Server) addStep(w http.ResponseWriter, r *http.Request) {
	var st ramp.Step
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		server.Error(w, http.StatusBadRequest, err)
		return
	}
	if err := CheckStep(st); err != nil {
		server.Error(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	s.plan = append(s.plan, st)
	plan := s.plan.Clone()
	s.mu.Unlock()
	server.EncodeAndRespond(w, http.StatusOK, plan)
}

func (s *Server) putPlan(w http.ResponseWriter, r *http.Request) {
	var p ramp.Plan
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		server.Error(w, http.StatusBadRequest, err)
		return
	}
	for i, st := range p {
		if err := CheckStep(st); err != nil {
			var pe *ramp.PlanError
			if errors.As(err, &pe) {
				pe.Index = i
			}
			server.Error(w, http.StatusBadRequest, err)
			return
		}
	}
	if p == nil {
		p = ramp.Plan{}
	}
	s.SetPlan(p)
	server.EncodeAndRespond(w, http.StatusOK, s.Plan())
}

func (s *Server) clearPlan(w http.ResponseWriter, r *http.Request) {
	s.SetPlan(ramp.Plan{})
	w.WriteHeader(http.StatusOK)
}

// startT is the reply to POST /start
type startT struct {
	RunID string `json:"run_id"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	id, err := s.ctrl.Start(s.ctx, s.Plan())
	switch {
	case errors.Is(err, ramp.ErrInvalidPlan):
		server.Error(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, ramp.ErrRunning):
		server.Error(w, http.StatusConflict, err)
		return
	case err != nil:
		server.Error(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info().Str("run", id).Msg("run started over HTTP")
	server.EncodeAndRespond(w, http.StatusAccepted, startT{RunID: id})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Cancel()
	w.WriteHeader(http.StatusOK)
}

// stateT is the reply to GET /state
type stateT struct {
	ramp.Status
	Offset float64   `json:"offset"`
	Plan   ramp.Plan `json:"plan"`
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	server.EncodeAndRespond(w, http.StatusOK, stateT{
		Status: s.ctrl.Status(),
		Offset: s.ctrl.Offset(),
		Plan:   s.Plan(),
	})
}

// readingsT is the reply to GET /readings
type readingsT struct {
	RunID    string         `json:"run_id"`
	Readings []ramp.Reading `json:"readings"`
}

func (s *Server) readings(w http.ResponseWriter, r *http.Request) {
	id, rs := s.history.Readings()
	server.EncodeAndRespond(w, http.StatusOK, readingsT{RunID: id, Readings: rs})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, recorder.ErrRunNotFound) {
		server.Error(w, http.StatusNotFound, err)
		return
	}
	s.log.Error().Err(err).Msg("reading run store")
	server.Error(w, http.StatusInternalServerError, err)
}

func (s *Server) runs(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.Runs(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	if runs == nil {
		runs = []recorder.Run{}
	}
	server.EncodeAndRespond(w, http.StatusOK, runs)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	server.EncodeAndRespond(w, http.StatusOK, run)
}

func (s *Server) runReadings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rs, err := s.store.Readings(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	server.EncodeAndRespond(w, http.StatusOK, readingsT{RunID: id, Readings: rs})
}
