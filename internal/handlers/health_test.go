package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBreaker struct{ state string }

func (b stubBreaker) BreakerStats() map[string]interface{} {
	return map[string]interface{}{"state": b.state}
}

func serveHealth(t *testing.T, h *HealthHandler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", path, nil)
	r.ServeHTTP(w, req)
	var body map[string]interface{}
	decode(t, w, &body)
	return w, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	h := NewHealthHandler(newTestDB(t), nil, stubBreaker{state: "closed"}, "test", quietLogger())

	w, body := serveHealth(t, h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	services := body["services"].(map[string]interface{})
	assert.Contains(t, services, "database")
	assert.NotContains(t, services, "redis")

	w, body = serveHealth(t, h, "/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ready"])
}

func TestHealthHandler_OpenBreakerDegrades(t *testing.T) {
	h := NewHealthHandler(newTestDB(t), nil, stubBreaker{state: "open"}, "test", quietLogger())
	w, body := serveHealth(t, h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestHealthHandler_DatabaseDown(t *testing.T) {
	db := newTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	h := NewHealthHandler(db, nil, nil, "test", quietLogger())
	w, body := serveHealth(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
	council := body["services"].(map[string]interface{})["council"].(map[string]interface{})
	assert.Equal(t, "disabled", council["status"])

	w, body = serveHealth(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, body["ready"])
}
