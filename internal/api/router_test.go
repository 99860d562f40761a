package api_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/api"
)

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandleHealth_DatabaseDown(t *testing.T) {
	env := newTestEnv(t)
	env.server.DBPing = func(context.Context) error { return errors.New("connection refused") }
	env.router = api.NewRouter(env.server)

	rec := env.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/v1/task-types", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/v1/task-types", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
