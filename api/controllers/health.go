package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/ap2-agents/api/responses"
	"github.com/angelmondragon/ap2-agents/pkg/config"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
)

const envHeader = "X-AP2-Env"

// Readiness reports whether backing services are reachable.
type Readiness interface {
	Ready(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live", "role": cfg.Service.Kind})
	}
}

func HealthReady(cfg *config.Config, logg *logger.Logger, ready Readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		if ready != nil {
			if err := ready.Ready(r.Context()); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDownstream, err, "dependency unavailable"))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
