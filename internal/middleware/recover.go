package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/alex-user-go/globefare/internal/logging"
)

// Recover turns a handler panic into a 500 JSON response.
func Recover(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := wrap(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logging.Ctx(r.Context(), logger).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).
					Msg("handler panicked")

				if rw.written {
					return
				}
				rw.Header().Set("Content-Type", "application/json")
				rw.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(rw).Encode(map[string]any{
					"success": false,
					"error":   "Internal server error",
					"message": "unexpected server error",
				})
			}()

			next.ServeHTTP(rw, r)
		})
	}
}
