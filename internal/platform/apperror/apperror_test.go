package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("bad url"), http.StatusBadRequest},
		{"config", Config("selector %q", "x"), http.StatusBadRequest},
		{"upstream forwarded", UpstreamFetch(errors.New("404"), http.StatusNotFound), http.StatusNotFound},
		{"upstream unreachable", UpstreamFetch(errors.New("dial"), 0), http.StatusBadGateway},
		{"parse", Parse(errors.New("eof"), "bad xml"), http.StatusInternalServerError},
		{"template", Template("missing media"), http.StatusInternalServerError},
		{"not found", NotFound("session %q", "abc"), http.StatusNotFound},
		{"wrapped", fmt.Errorf("rewrite: %w", Config("x")), http.StatusBadRequest},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", Template("missing media"))
	assert.True(t, Is(err, KindTemplate))
	assert.False(t, Is(err, KindParse))
	assert.False(t, Is(errors.New("x"), KindTemplate))
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, Validation("Missing a valid 'url' query parameter"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_ERROR", body["type"])
	assert.Equal(t, "Missing a valid 'url' query parameter", body["message"])
}

func TestWrite_plain_error(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message":"boom"`)
}
