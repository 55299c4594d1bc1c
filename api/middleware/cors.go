package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS lets browser-hosted shopping agents reach the A2A endpoints.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id", extensionsHeader},
		ExposedHeaders: []string{"X-Request-Id", extensionsHeader},
		MaxAge:         300,
	}).Handler
}
