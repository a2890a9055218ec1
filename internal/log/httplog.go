package log

import (
	"time"
)

// HTTPLogEntry represents an HTTP request/response log entry
type HTTPLogEntry struct {
	Method     string
	Path       string
	Status     int
	Duration   time.Duration
	Size       int
	RemoteAddr string
	UserAgent  string
	Error      error
}

// LogHTTPRequest writes a structured entry for a completed API request.
// Failed requests are logged at error level, everything else at debug.
func LogHTTPRequest(e HTTPLogEntry) {
	fields := []interface{}{
		"method", e.Method,
		"path", e.Path,
		"status", e.Status,
		"duration_ms", e.Duration.Milliseconds(),
		"size", e.Size,
		"remote_addr", e.RemoteAddr,
		"user_agent", e.UserAgent,
	}

	if e.Error != nil || e.Status >= 500 {
		if e.Error != nil {
			fields = append(fields, "error", e.Error.Error())
		}
		Errorw("http request", fields...)
		return
	}
	Debugw("http request", fields...)
}
