package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProblemWritesRFC7807(t *testing.T) {
	rec := httptest.NewRecorder()
	Problem(rec, http.StatusForbidden, "Forbidden", "missing permission orders:read")

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, ProblemDetail{Type: "about:blank", Title: "Forbidden", Status: http.StatusForbidden, Detail: "missing permission orders:read"}, body)
}

func TestRespondErrorUsesFirstMatch(t *testing.T) {
	errMissing := errors.New("missing")
	errBad := errors.New("bad")
	mappings := []ErrorStatus{
		{Target: errMissing, Status: http.StatusNotFound, Title: "Not Found"},
		{Target: errBad, Status: http.StatusBadRequest, Title: "Validation Failed"},
	}

	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("lookup role: %w", errMissing), mappings...)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "lookup role: missing")

	rec = httptest.NewRecorder()
	RespondError(rec, errors.New("driver exploded"), mappings...)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "driver exploded")
}
