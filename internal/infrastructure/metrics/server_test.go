package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpslguard/internal/core"
)

type noopLogger struct{}

func (noopLogger) Debug(msg string, f ...interface{})                {}
func (noopLogger) Info(msg string, f ...interface{})                 {}
func (noopLogger) Warn(msg string, f ...interface{})                 {}
func (noopLogger) Error(msg string, f ...interface{})                {}
func (noopLogger) Fatal(msg string, f ...interface{})                {}
func (l noopLogger) WithField(k string, v interface{}) core.ILogger   { return l }
func (l noopLogger) WithFields(f map[string]interface{}) core.ILogger { return l }

type fakeHealth struct {
	status  map[string]string
	healthy bool
}

func (f *fakeHealth) GetStatus() map[string]string { return f.status }
func (f *fakeHealth) IsHealthy() bool               { return f.healthy }

func TestServeHealth_NoReporterRespondsOK(t *testing.T) {
	s := NewServer(0, noopLogger{})
	rec := httptest.NewRecorder()
	s.serveHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHealth_HealthyReporterRespondsOKWithStatusBody(t *testing.T) {
	s := NewServer(0, noopLogger{})
	s.SetHealthReporter(&fakeHealth{status: map[string]string{"cache": "ok"}, healthy: true})

	rec := httptest.NewRecorder()
	s.serveHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["cache"])
}

func TestServeHealth_UnhealthyReporterRespondsServiceUnavailable(t *testing.T) {
	s := NewServer(0, noopLogger{})
	s.SetHealthReporter(&fakeHealth{status: map[string]string{"persistence": "degraded"}, healthy: false})

	rec := httptest.NewRecorder()
	s.serveHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStop_NoOpWhenServerNeverStarted(t *testing.T) {
	s := NewServer(0, noopLogger{})
	assert.NoError(t, s.Stop(context.Background()))
}
