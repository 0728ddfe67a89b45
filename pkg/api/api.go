// Package api exposes the control loop over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/control"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/experiment"
	"github.com/ericogr/circuit-meter/pkg/nvstore"
	"github.com/ericogr/circuit-meter/pkg/sensor"
	"github.com/ericogr/circuit-meter/pkg/switchbank"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller is the part of the control loop the API drives.
// *control.Loop implements it.
type Controller interface {
	Snapshot() experiment.Snapshot
	Records() ([]nvstore.Record, error)
	Arm(ctx context.Context, minutes, intervalSeconds int) (int, error)
	Cancel(ctx context.Context) error
	Switches(ctx context.Context) (switchbank.State, error)
	SetSwitch(ctx context.Context, id channel.ID, on bool) error
	Toggle(ctx context.Context, id channel.ID) (bool, error)
	SetSwitches(ctx context.Context, s switchbank.State) error
	AllOn(ctx context.Context) error
	AllOff(ctx context.Context) error
}

type ArmRequest struct {
	Minutes         int `json:"minutes"`
	IntervalSeconds int `json:"interval_seconds"`
}

type ArmResponse struct {
	Experiments int `json:"experiments"`
}

type Record struct {
	Seq      int     `json:"seq"`
	Off      int32   `json:"off"`
	On       int32   `json:"on"`
	OffJ     float64 `json:"off_j"`
	OnJ      float64 `json:"on_j"`
	Degraded bool    `json:"degraded,omitempty"`
}

type RecordsResponse struct {
	Channel channel.ID `json:"channel"`
	Records []Record   `json:"records"`
}

type SwitchesBody struct {
	State switchbank.State `json:"state"`
}

type SwitchBody struct {
	On bool `json:"on"`
}

// Server holds the handlers.
type Server struct {
	ctl      Controller
	scaling  sensor.Scaling
	gatherer prometheus.Gatherer
}

func New(ctl Controller, scaling sensor.Scaling, g prometheus.Gatherer) *Server {
	return &Server{ctl: ctl, scaling: scaling, gatherer: g}
}

// Router returns the routes. /metrics is served when a gatherer was given.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.status)
	r.Get("/records", s.records)
	r.Route("/experiment", func(r chi.Router) {
		r.Post("/arm", s.arm)
		r.Post("/cancel", s.cancel)
	})
	r.Route("/switches", func(r chi.Router) {
		r.Get("/", s.switches)
		r.Put("/", s.setSwitches)
		r.Put("/{id}", s.setSwitch)
		r.Post("/{id}/toggle", s.toggle)
		r.Post("/all-on", s.all(true))
		r.Post("/all-off", s.all(false))
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respond(w, s.ctl.Snapshot())
}

func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	recs, err := s.ctl.Records()
	if err != nil {
		fail(w, err)
		return
	}
	resp := RecordsResponse{Channel: s.ctl.Snapshot().Channel, Records: make([]Record, 0, len(recs))}
	for i, rec := range recs {
		resp.Records = append(resp.Records, Record{
			Seq:      i + 1,
			Off:      rec.Off,
			On:       rec.On,
			OffJ:     float64(rec.Off) * s.scaling.JoulesPerCount,
			OnJ:      float64(rec.On) * s.scaling.JoulesPerCount,
			Degraded: sentinel(rec.Off) || sentinel(rec.On),
		})
	}
	respond(w, resp)
}

func sentinel(v int32) bool {
	return v == experiment.SentinelReadFailed || v == experiment.SentinelWaitFailed
}

func (s *Server) arm(w http.ResponseWriter, r *http.Request) {
	var req ArmRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := s.ctl.Arm(r.Context(), req.Minutes, req.IntervalSeconds)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, ArmResponse{Experiments: n})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Cancel(r.Context()); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) switches(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Switches(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, SwitchesBody{State: st})
}

func (s *Server) setSwitches(w http.ResponseWriter, r *http.Request) {
	var body SwitchesBody
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetSwitches(r.Context(), body.State); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setSwitch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var body SwitchBody
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetSwitch(r.Context(), channel.ID(id), body.On); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	on, err := s.ctl.Toggle(r.Context(), channel.ID(id))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, SwitchBody{On: on})
}

func (s *Server) all(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if on {
			err = s.ctl.AllOn(r.Context())
		} else {
			err = s.ctl.AllOff(r.Context())
		}
		if err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func respond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// fail maps result codes to HTTP statuses.
func fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errcode.Of(err) {
	case errcode.InvalidArgument, errcode.ReadOnly:
		code = http.StatusBadRequest
	case errcode.Busy:
		code = http.StatusConflict
	case errcode.StorageCapacity:
		code = http.StatusUnprocessableEntity
	case errcode.Timeout, errcode.BusFault:
		code = http.StatusBadGateway
	}
	if errors.Is(err, control.ErrStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

var _ Controller = (*control.Loop)(nil)
