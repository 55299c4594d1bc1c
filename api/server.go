package api

import (
	"net/http"
	"time"

	"github.com/angelmondragon/ap2-agents/pkg/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	writeSlack        = 15 * time.Second
)

// NewServer binds handler to the configured port. The write timeout covers
// the longest downstream chain a single request can trigger.
func NewServer(cfg *config.Config, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      2*cfg.Downstream.Timeout + writeSlack,
		IdleTimeout:       idleTimeout,
	}
}
