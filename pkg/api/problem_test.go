package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graceos/grace/core/pkg/fault"
)

func TestWriteFaultMapsKinds(t *testing.T) {
	cases := []struct {
		kind   fault.Kind
		status int
	}{
		{fault.Validation, http.StatusBadRequest},
		{fault.Policy, http.StatusForbidden},
		{fault.NotFound, http.StatusNotFound},
		{fault.Backpressure, http.StatusTooManyRequests},
		{fault.Canceled, http.StatusRequestTimeout},
		{fault.Durability, http.StatusServiceUnavailable},
		{fault.Corruption, http.StatusServiceUnavailable},
		{fault.Internal, http.StatusInternalServerError},
		{fault.Unknown, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/test", nil)
		w := httptest.NewRecorder()
		WriteFault(w, req, fault.New(tc.kind, "boom"))

		assert.Equal(t, tc.status, w.Code, "kind %v", tc.kind)
		assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

		var problem ProblemDetail
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
		assert.Equal(t, tc.status, problem.Status)
		assert.Equal(t, "/v1/test", problem.Instance)
	}
}

func TestWriteFaultHidesInternalDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/test", nil)
	w := httptest.NewRecorder()
	WriteFault(w, req, fault.New(fault.Internal, "sqlite index exploded at /var/lib"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.NotContains(t, problem.Detail, "sqlite")
	assert.NotContains(t, problem.Detail, "/var/lib")
}

func TestBackpressureSetsRetryAfter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/test", nil)
	w := httptest.NewRecorder()
	WriteFault(w, req, fault.New(fault.Backpressure, "queue full"))

	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}
