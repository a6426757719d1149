package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// sensitiveFields are JSON field names masked before request/response
// bodies reach the logs. Callback payloads carry payer phone numbers and
// receipt identifiers, so those are filtered alongside the usual secrets.
var sensitiveFields = []string{
	"password",
	"passkey",
	"secret",
	"token",
	"authorization",
	"api_key",
	"credential",
	"phone",
	"phonenumber",
	"msisdn",
	"partya",
	"receipt",
	"mpesareceiptnumber",
	"mpesa_receipt",
}

func LoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var bodyBytes []byte
			if r.Body != nil {
				bodyBytes, _ = io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			}

			logger.Info("incoming request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"body", RedactBody(bodyBytes),
			)

			ww := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(ww, r)

			statusCode := ww.statusCode
			if statusCode == 0 {
				statusCode = http.StatusOK
			}

			logLevel := slog.LevelInfo
			if statusCode >= 400 && statusCode < 500 {
				logLevel = slog.LevelWarn
			} else if statusCode >= 500 {
				logLevel = slog.LevelError
			}

			logger.Log(r.Context(), logLevel, "response",
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// RedactBody masks sensitive fields in a JSON body before it is logged.
// Non-JSON bodies are dropped entirely rather than risk leaking raw data.
func RedactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var jsonData interface{}
	if err := json.Unmarshal(body, &jsonData); err != nil {
		return "[UNPARSEABLE BODY OMITTED]"
	}

	filtered := redactJSON(jsonData)

	filteredBytes, err := json.Marshal(filtered)
	if err != nil {
		return "[REDACTION FAILED, BODY OMITTED]"
	}

	return string(filteredBytes)
}

func redactJSON(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		// Daraja metadata items are {"Name": "PhoneNumber", "Value": ...}
		// pairs, so a sensitive Name means the sibling Value is masked.
		namedSensitive := false
		if name, ok := v["Name"].(string); ok && isSensitiveKey(name) {
			namedSensitive = true
		}

		filtered := make(map[string]interface{}, len(v))
		for key, value := range v {
			if isSensitiveKey(key) || (namedSensitive && key == "Value") {
				filtered[key] = "[FILTERED]"
			} else {
				filtered[key] = redactJSON(value)
			}
		}
		return filtered
	case []interface{}:
		filtered := make([]interface{}, len(v))
		for i, item := range v {
			filtered[i] = redactJSON(item)
		}
		return filtered
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}
