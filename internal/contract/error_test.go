package contract

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind string
		want int
	}{
		{KindRequestTimeout, http.StatusRequestTimeout},
		{KindMethodNotAllowed, http.StatusMethodNotAllowed},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindCSRFInvalid, http.StatusForbidden},
		{KindBodyTooLarge, http.StatusRequestEntityTooLarge},
		{KindUnsupportedMediaType, http.StatusUnsupportedMediaType},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindHandlerFailure, http.StatusInternalServerError},
		{"something_else", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.kind))
		})
	}
}

func TestGatewayError_Error(t *testing.T) {
	err := &GatewayError{Op: "Dispatch", Kind: KindHandlerFailure, Message: "boom", Err: errors.New("cause")}
	assert.Equal(t, "Dispatch: boom: cause", err.Error())

	bare := &GatewayError{Op: "Dispatch", Kind: KindHandlerFailure, Message: "boom"}
	assert.Equal(t, "Dispatch: boom", bare.Error())
}

func TestGatewayError_Unwrap(t *testing.T) {
	cause := errors.New("cause")
	err := &GatewayError{Op: "Dispatch", Kind: KindHandlerFailure, Err: cause}
	assert.True(t, errors.Is(err, cause))
}

func TestWriteError_ProductionHidesMessage(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, &GatewayError{Op: "Dispatch", Kind: KindHandlerFailure, Message: "secret detail"}, false)

	resp := rec.Result()
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, KindHandlerFailure, env.Error)
	assert.Empty(t, env.Message, "production responses must not leak messages")
}

func TestWriteError_DevelopmentIncludesMessage(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, &GatewayError{Op: "Dispatch", Kind: KindCSRFInvalid, Message: "token expired"}, true)

	var env Envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, KindCSRFInvalid, env.Error)
	assert.Equal(t, "token expired", env.Message)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWriteError_UnknownErrorBecomesHandlerFailure(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, errors.New("db exploded"), false)

	var env Envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, KindHandlerFailure, env.Error)
	assert.Empty(t, env.Message)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
