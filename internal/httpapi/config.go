package httpapi

import (
	"net/http"

	"github.com/go-chi/cors"
)

// defaultMaxBody bounds a submission body. Audio never travels in the
// request; only the path to it does.
const defaultMaxBody int64 = 1 << 20

var maxBodyBytes = defaultMaxBody

// SetMaxBodyBytes caps POST /transcribe bodies. Non-positive restores the default.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		n = defaultMaxBody
	}
	maxBodyBytes = n
}

// corsOptions is nil while CORS is off.
var corsOptions *cors.Options

// SetCORSOptions switches the CORS layer on or off. Empty method and header
// lists fall back to what the API actually accepts.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	if !enabled {
		corsOptions = nil
		return
	}
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	}
	if len(headers) == 0 {
		headers = []string{"Authorization", "X-API-Key", "Content-Type", "X-Log-Level"}
	}
	corsOptions = &cors.Options{
		AllowedOrigins: append([]string(nil), origins...),
		AllowedMethods: append([]string(nil), methods...),
		AllowedHeaders: append([]string(nil), headers...),
		MaxAge:         300,
	}
}
