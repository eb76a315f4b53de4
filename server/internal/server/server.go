package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/stagebridge/internal/stage"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/auth"
	"github.com/gaspardpetit/stagebridge/sdk/base/connector"
	"github.com/gaspardpetit/stagebridge/sdk/base/inflight"
	"github.com/gaspardpetit/stagebridge/sdk/base/router"
	"github.com/gaspardpetit/stagebridge/server/internal/config"
	"github.com/gaspardpetit/stagebridge/server/internal/stagestate"
)

// Deps are the collaborators exposed over HTTP.
type Deps struct {
	Stage    *stage.Stage
	Hub      *connector.Hub
	State    *stagestate.Tracker
	Inflight *inflight.Counter
	// Metrics is served on /metrics when the metrics address is the main port.
	Metrics *prometheus.Registry
}

// New constructs the HTTP handler for a stage server.
func New(cfg config.StageConfig, d Deps) http.Handler {
	if d.State == nil {
		d.State = stagestate.NewTracker(nil)
	}
	if d.Inflight == nil {
		d.Inflight = &inflight.Counter{}
	}
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range middlewareChain() {
		r.Use(m)
	}

	r.Get("/healthz", healthz(d.State))
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/openapi.json", openapiHandler())
		if d.Hub != nil {
			// The hub checks the client key itself and tracks its own requests.
			ar.Get("/bridge/connect", d.Hub.Handler())
		}
		ar.Group(func(g chi.Router) {
			g.Use(auth.BearerSecretMiddleware(cfg.APIKey))
			g.Use(d.Inflight.Middleware())
			g.Get("/stage", describe(d.Stage, d.State))
			g.Get("/stage/actors", findActors(d.Stage))
			g.Get("/bridge/channels", func(w http.ResponseWriter, r *http.Request) {
				chans := []connector.ChannelInfo{}
				if d.Hub != nil {
					chans = append(chans, d.Hub.Channels()...)
				}
				writeJSON(w, http.StatusOK, chans)
			})
		})
	})

	if d.Metrics != nil && cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))
	}
	return r
}

func healthz(st *stagestate.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := st.Load()
		code := http.StatusOK
		if s.Draining {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, s)
	}
}

type stageView struct {
	Name         string            `json:"name"`
	Status       string            `json:"status"`
	Actors       []string          `json:"actors"`
	Capabilities map[string]string `json:"capabilities"`
}

func describe(s *stage.Stage, st *stagestate.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		desc := s.Describe()
		v := stageView{Name: s.Name(), Status: st.Status(), Actors: desc.Actors, Capabilities: desc.Capabilities}
		if v.Actors == nil {
			v.Actors = []string{}
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func findActors(s *stage.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		name := q.Get("filter")
		if name == "" {
			name = string(bridge.FilterAll)
		}
		filter, err := router.ParseFilter(name)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, bridge.InfoFromError(err))
			return
		}
		find := &bridge.FindRequest{Filter: filter, Pattern: q.Get("pattern")}
		if t := q.Get("tester"); t != "" {
			find.Tester = &bridge.Tester{Name: t, Arg: q.Get("arg")}
		}
		resp := s.Receive(r.Context(), bridge.Request{Kind: bridge.KindFind, Find: find})
		if resp.Error != nil {
			writeJSON(w, http.StatusBadRequest, resp.Error)
			return
		}
		writeJSON(w, http.StatusOK, resp.Find)
	}
}
