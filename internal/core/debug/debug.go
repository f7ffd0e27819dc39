// Package debug serves the runtime introspection endpoints enabled by
// debugging.enabled: pprof profiles and the Prometheus metrics.
package debug

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewRouter returns the debug endpoints: /debug/pprof/* and /metrics for the
// collectors in registry.
func NewRouter(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Mount("/debug", middleware.Profiler())
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/debug/pprof/", http.StatusFound)
	})
	return r
}

// StartUtilities starts the debug server on localhost. It can be accessed to get
// runtime information about sheetsync. See https://golang.org/pkg/net/http/pprof/
func StartUtilities(logger *logrus.Logger, port int, registry *prometheus.Registry) *http.Server {
	listenerAddr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting debug server on %s", listenerAddr)

	server := &http.Server{Addr: listenerAddr, Handler: NewRouter(registry)}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("error starting debug server: %s", err)
		}
	}()
	return server
}
