package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	h := NewHealthHandler(env.store, stageOracle{})

	router := gin.New()
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected health 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var resp map[string]string
	decodeJSON(t, w, &resp)
	if w.Code != http.StatusOK || resp["status"] != "ready" || resp["oracle"] != "fake" {
		t.Errorf("Unexpected readiness %d %v", w.Code, resp)
	}

	env.store.Close()
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 with closed database, got %d", w.Code)
	}
}
