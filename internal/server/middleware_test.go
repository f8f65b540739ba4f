package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	requestIDMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/decisions", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewarePreservesClientID(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/decisions", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	rec := httptest.NewRecorder()
	requestIDMiddleware(next).ServeHTTP(rec, req)

	assert.Equal(t, "client-supplied", rec.Header().Get("X-Request-ID"))
}

func TestIdentityMiddlewareRejectsAnonymous(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})

	rec := httptest.NewRecorder()
	identityMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/decisions", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentityMiddlewarePopulatesUser(t *testing.T) {
	var user string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user = UserFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/decisions", nil)
	req.Header.Set(UserHeader, "alice")
	identityMiddleware(next).ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "alice", user)
}

func TestIdentityMiddlewareSkipsHealth(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	identityMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	securityHeadersMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRecoveryMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	recoveryMiddleware(testLogger(), next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/decisions", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "error")
}

func TestWriteStorageErrorMapsNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	writeStorageError(rec, httptest.NewRequest(http.MethodGet, "/", nil), storage.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteStorageErrorMapsEntityInUse(t *testing.T) {
	rec := httptest.NewRecorder()
	writeStorageError(rec, httptest.NewRequest(http.MethodGet, "/", nil), storage.ErrEntityInUse)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWriteStorageErrorDefaultsToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeStorageError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
