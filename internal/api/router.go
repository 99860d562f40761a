package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/taskplane/taskplane/internal/domain"
)

// maxJSONBodySize caps JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

// Structured error type codes, independent of the HTTP status code.
const (
	ErrorTypeValidation     = "VALIDATION"
	ErrorTypeAuthentication = "AUTHENTICATION"
	ErrorTypeNotFound       = "NOT_FOUND"
	ErrorTypeConflict       = "CONFLICT"
	ErrorTypeUnprocessable  = "UNPROCESSABLE"
	ErrorTypeInternal       = "INTERNAL"
)

// APIError is the JSON error envelope returned by all error responses.
// Format: {"error": {"code": "ERROR_CODE", "type": "ERROR_TYPE", "message": "..."}}
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// errorTypeFromStatus maps HTTP status codes to broad error categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusUnprocessableEntity:
		return ErrorTypeUnprocessable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response. All API errors use this
// shape so clients only handle one format.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON
// error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// domainError translates domain sentinel errors into the error envelope.
// Unknown errors become opaque 500s.
func domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidTask):
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
	case errors.Is(err, domain.ErrTaskNotFound):
		errorJSON(w, err.Error(), "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, domain.ErrTaskConflict):
		errorJSON(w, err.Error(), "CONFLICT", http.StatusConflict)
	case errors.Is(err, domain.ErrUnprocessableTask):
		errorJSON(w, err.Error(), "UNPROCESSABLE", http.StatusUnprocessableEntity)
	default:
		internalError(w, "internal error", err)
	}
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// bearerAuth requires "Authorization: Bearer <token>" on every request when a
// token is configured.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				errorJSON(w, "missing or invalid bearer token", "UNAUTHENTICATED", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Server holds dependencies for all API handlers.
type Server struct {
	Tasks     TaskStore
	Variables VariableStore
	Service   TaskService
	Sealer    VariableSealer

	// TaskTypes lists the registered runner task types, exposed on
	// GET /api/v1/task-types.
	TaskTypes []string

	// DBPing checks Postgres reachability for /health. Nil skips the check.
	DBPing func(ctx context.Context) error

	// APIToken enables bearer auth on /api/v1 when non-empty.
	APIToken string

	// CORSOrigins restricts cross-origin callers. Defaults to
	// ["http://localhost:3000"].
	CORSOrigins []string
}

// VariableSealer encrypts variable values before they reach the store.
type VariableSealer interface {
	Seal(plaintext string) (string, error)
}

// NewRouter creates a configured chi router with all API routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health (unauthenticated, outside /api/v1)
	r.Get("/health", srv.HandleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limitJSONBody)
		if srv.APIToken != "" {
			r.Use(bearerAuth(srv.APIToken))
		}

		r.Get("/task-types", srv.HandleTaskTypes)
		MountTaskRoutes(r, srv)
		MountVariableRoutes(r, srv)
	})

	return r
}
