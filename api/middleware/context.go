package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const ctxExtensions contextKey = "requested_extensions"

const extensionsHeader = "X-A2A-Extensions"

// Extensions reads the comma separated X-A2A-Extensions header into the
// request context.
func Extensions() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requested := ParseExtensions(r.Header.Values(extensionsHeader))
			next.ServeHTTP(w, r.WithContext(WithExtensions(r.Context(), requested)))
		})
	}
}

// ParseExtensions splits header values on commas, dropping blanks and
// duplicates while keeping order.
func ParseExtensions(values []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, value := range values {
		for _, uri := range strings.Split(value, ",") {
			uri = strings.TrimSpace(uri)
			if uri == "" {
				continue
			}
			if _, dup := seen[uri]; dup {
				continue
			}
			seen[uri] = struct{}{}
			out = append(out, uri)
		}
	}
	return out
}

func WithExtensions(ctx context.Context, uris []string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxExtensions, uris)
}

func ExtensionsFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxExtensions).([]string); ok {
		return v
	}
	return nil
}
