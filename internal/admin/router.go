// Package admin is the operator surface of the dispatcher: health checks,
// prometheus metrics and the manual dead-letter replay workflow.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arlo-systems/eventbus/pkg/clock"
	"github.com/arlo-systems/eventbus/pkg/logger"
	"github.com/arlo-systems/eventbus/pkg/observe"
)

// Pinger is the readiness surface a dependency exposes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Params collects the admin router dependencies. Nil pingers are skipped in
// the readiness check; a nil gatherer disables the metrics endpoint.
type Params struct {
	Logger     *logger.Logger
	Clock      clock.Clock
	DB         Pinger
	Redis      Pinger
	Broker     Pinger
	Gatherer   prometheus.Gatherer
	DeadLetter DeadLetterStore
	Emitter    observe.Emitter
}

// NewRouter builds the admin HTTP handler.
func NewRouter(params Params) http.Handler {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Emitter == nil {
		params.Emitter = observe.Nop()
	}

	r := chi.NewRouter()
	r.Use(
		recoverer(params.Logger),
		requestID(params.Logger),
		logging(params.Logger),
	)

	r.Get("/healthz", healthz(params))

	if params.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.Gatherer, promhttp.HandlerOpts{}))
	}

	if params.DeadLetter != nil {
		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", listDeadLetters(params.Logger, params.DeadLetter))
			r.Post("/{eventId}/replay", replayDeadLetter(params.Logger, params.DeadLetter, params.Clock, params.Emitter))
		})
	}

	return r
}

func healthz(params Params) http.HandlerFunc {
	deps := []struct {
		name   string
		pinger Pinger
	}{
		{"database", params.DB},
		{"redis", params.Redis},
		{"broker", params.Broker},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]string{}
		healthy := true
		for _, dep := range deps {
			if dep.pinger == nil {
				continue
			}
			if err := dep.pinger.Ping(ctx); err != nil {
				status[dep.name] = err.Error()
				healthy = false
				continue
			}
			status[dep.name] = "ok"
		}

		if !healthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": status})
	}
}
