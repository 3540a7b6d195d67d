package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/outbox-relay/api/responses"
	"github.com/angelmondragon/outbox-relay/pkg/config"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

const readinessTimeout = 3 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck names one dependency checked by /health/ready.
type HealthCheck struct {
	Name   string
	Pinger Pinger
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Outbox-Relay-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every check and reports 503 naming the ones that failed.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Outbox-Relay-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		failed := map[string]string{}
		for _, check := range checks {
			if check.Pinger == nil {
				continue
			}
			if err := check.Pinger.Ping(ctx); err != nil {
				failed[check.Name] = err.Error()
				if logg != nil {
					logg.Warn(logg.WithFields(r.Context(), map[string]any{
						"dependency": check.Name,
						"error":      err.Error(),
					}), "readiness check failed")
				}
			}
		}
		if len(failed) > 0 {
			responses.WriteError(r.Context(), nil, w,
				pkgerrors.New(pkgerrors.CodeDependency, "dependencies not ready").WithDetails(failed))
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
