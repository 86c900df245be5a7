package httpapi

import "time"

// controlTimeout bounds control operations started from HTTP handlers
// (instance reset). Zero leaves only the client's own control timeout.
var controlTimeout time.Duration

// SetControlTimeout sets the handler-side bound for control operations.
func SetControlTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	controlTimeout = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
