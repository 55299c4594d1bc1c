package api

import (
	"net/http"

	"github.com/angelmondragon/ap2-agents/api/routes"
	"github.com/angelmondragon/ap2-agents/internal/agents"
)

// NewHandler returns the HTTP handler that cmd/agent wires into its server.
func NewHandler(rt *agents.Runtime) http.Handler {
	return routes.NewRouter(rt.Config, rt.Logger, rt.Orchestrator, rt, rt.Registry)
}
