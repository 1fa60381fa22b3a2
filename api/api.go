// Package api wires the relay handlers into an HTTP server.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ConorRoberts/ticket-marketplace-sub000/auth"
	"github.com/ConorRoberts/ticket-marketplace-sub000/handlers"
	"github.com/ConorRoberts/ticket-marketplace-sub000/metrics"
	"github.com/gorilla/mux"
)

// RoomPath is the route for live connections, room stats and HTTP push.
const RoomPath = "/parties/main/{" + handlers.RoomVar + "}"

// Options configures the router.
type Options struct {
	// PushSecret, when set, is the bearer every HTTP push must present.
	PushSecret string

	// PushVerifier, used when PushSecret is empty, accepts identity-provider
	// tokens on HTTP push. With neither set the push ingress is open.
	PushVerifier auth.Authenticator

	// PushRateLimit is the sustained pushes per second; zero disables limiting.
	PushRateLimit float64
	PushBurst     int

	// MetricsPath serves Prometheus when non-empty.
	MetricsPath string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type API struct {
	*http.Server
	router *mux.Router
}

// NewAPI builds the router for h.
func NewAPI(h *handlers.Handlers, m *metrics.Metrics, opts Options) *API {
	router := mux.NewRouter()
	// Match on the escaped path so a room id may contain "/" as %2F.
	router.UseEncodedPath()
	router.Use(logRequests)

	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	if opts.MetricsPath != "" && m != nil {
		router.Handle(opts.MetricsPath, m.Handler()).Methods(http.MethodGet)
	}

	router.HandleFunc(RoomPath, h.Connect).Methods(http.MethodGet)

	push := router.Methods(http.MethodPost).Subrouter()
	push.Use(
		rateLimit(opts.PushRateLimit, opts.PushBurst),
		authorizePush(opts.PushSecret, opts.PushVerifier, m),
	)
	push.HandleFunc(RoomPath, h.Push)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return &API{
		Server: &http.Server{
			Handler:      router,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
		},
		router: router,
	}
}

// Handler returns the router, for tests and embedding.
func (api *API) Handler() http.Handler {
	return api.router
}

func (api *API) Shutdown(ctx context.Context) error {
	if api.Server != nil {
		return api.Server.Shutdown(ctx)
	}
	return nil
}

// Run serves on addr until Shutdown is called.
func (api *API) Run(addr string) error {
	api.Server.Addr = addr
	if err := api.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
