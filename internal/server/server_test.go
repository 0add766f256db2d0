package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/app"
	"github.com/ternarybob/despacho/internal/common"
)

func testServer() *Server {
	return &Server{app: &app.App{Logger: arbor.NewLogger()}}
}

func TestNewComputesListenAddress(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9321

	s := New(&app.App{Config: cfg, Logger: arbor.NewLogger()})
	assert.Equal(t, "127.0.0.1:9321", s.server.Addr)
}

func TestRecoveryMiddlewareConvertsPanicTo500(t *testing.T) {
	s := testServer()
	h := s.withConditionalMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebsocketPathBypassesMiddleware(t *testing.T) {
	s := testServer()
	var sawWrapped bool
	h := s.withConditionalMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawWrapped = w.(*responseWriter)
		w.WriteHeader(http.StatusNoContent)
	}))

	// The upgrade path must see the raw ResponseWriter.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, sawWrapped)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	assert.True(t, sawWrapped)
}
