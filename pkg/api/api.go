// Package api exposes the symbol server over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/symbolserver/pkg/health"
	"github.com/grafana/symbolserver/pkg/sdk"
	"github.com/grafana/symbolserver/pkg/stash"
	"github.com/grafana/symbolserver/pkg/symbolizer"
)

const maxRequestBodySize = 64 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Symbolizer interface {
	Symbolize(ctx context.Context, req *symbolizer.Request) ([]*symbolizer.Symbol, error)
}

type Stash interface {
	List(ctx context.Context) ([]sdk.Info, error)
	Cached() []string
}

type HealthChecker interface {
	Check() health.Report
}

type API struct {
	logger     log.Logger
	symbolizer Symbolizer
	stash      Stash
	health     HealthChecker
	gatherer   prometheus.Gatherer
}

func New(logger log.Logger, s Symbolizer, st Stash, h HealthChecker, g prometheus.Gatherer) *API {
	return &API{
		logger:     log.With(logger, "component", "api"),
		symbolizer: s,
		stash:      st,
		health:     h,
		gatherer:   g,
	}
}

type route struct {
	path    string
	method  string
	handler http.HandlerFunc
}

// Router returns the handler serving all endpoints.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	for _, x := range []route{
		{"/lookup", http.MethodPost, a.LookupHandler},
		{"/healthcheck", http.MethodGet, a.HealthcheckHandler},
		{"/sdks", http.MethodGet, a.SdksHandler},
	} {
		r.NewRoute().Path(x.path).Methods(x.method).HandlerFunc(x.handler)
	}
	if a.gatherer != nil {
		r.NewRoute().Path("/metrics").Methods(http.MethodGet).
			Handler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		a.writeJSON(w, http.StatusMethodNotAllowed, Error{
			Type:    errorTypeMethodNotAllowed,
			Message: "method not allowed",
		})
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		a.writeJSON(w, http.StatusNotFound, Error{
			Type:    errorTypeNotFound,
			Message: fmt.Sprintf("no such endpoint: %s", req.URL.Path),
		})
	})
	return r
}

func (a *API) LookupHandler(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if err == io.EOF {
			err = fmt.Errorf("request body required")
		}
		a.error(w, r, badRequestError{err: err})
		return
	}
	sreq, err := req.toRequest()
	if err != nil {
		a.error(w, r, err)
		return
	}
	symbols, err := a.symbolizer.Symbolize(r.Context(), sreq)
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, newLookupResponse(symbols))
}

func (a *API) HealthcheckHandler(w http.ResponseWriter, _ *http.Request) {
	report := a.health.Check()
	code := http.StatusOK
	if !report.IsHealthy {
		code = http.StatusServiceUnavailable
	}
	for _, c := range report.Unhealthy() {
		level.Warn(a.logger).Log("msg", "health condition not healthy", "condition", c.Name, "status", c.Status, "message", c.Message)
	}
	a.writeJSON(w, code, report)
}

func (a *API) SdksHandler(w http.ResponseWriter, r *http.Request) {
	infos, err := a.stash.List(r.Context())
	if err != nil {
		a.error(w, r, err)
		return
	}
	resp := SdksResponse{
		Sdks:   make([]string, len(infos)),
		Cached: a.stash.Cached(),
	}
	if resp.Cached == nil {
		resp.Cached = []string{}
	}
	for i, info := range infos {
		resp.Sdks[i] = info.ID()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) error(w http.ResponseWriter, r *http.Request, err error) {
	code, body := errorCode(err)
	switch {
	case stash.IsLoadError(err):
		level.Error(a.logger).Log("msg", "sdk database load failed", "path", r.URL.Path, "err", err)
	case code >= http.StatusInternalServerError:
		level.Error(a.logger).Log("msg", "request failed", "path", r.URL.Path, "err", err)
	default:
		level.Debug(a.logger).Log("msg", "request rejected", "path", r.URL.Path, "err", err)
	}
	a.writeJSON(w, code, body)
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		level.Error(a.logger).Log("msg", "failed to encode response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(resp)
}
