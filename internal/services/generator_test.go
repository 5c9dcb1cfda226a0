package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T, handler http.HandlerFunc) *HTTPTextGenerator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPTextGenerator(GeneratorConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	}, srv.Client())
}

func TestHTTPTextGenerator_Success(t *testing.T) {
	gen := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "write a hook", req.Messages[1].Content)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Hello there  "}}]}`))
	})

	out, err := gen.Generate(context.Background(), "write a hook", GenerateParams{System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out)
}

func TestHTTPTextGenerator_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"server error", http.StatusBadGateway, `oops`, KindUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, `slow down`, KindUpstreamUnavailable},
		{"bad request", http.StatusBadRequest, `bad`, KindStage},
		{"empty content", http.StatusOK, `{"choices":[{"message":{"content":""}}]}`, KindUpstreamUnavailable},
		{"api error", http.StatusOK, `{"error":{"message":"overloaded"}}`, KindUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := gen.Generate(context.Background(), "prompt", GenerateParams{})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestHTTPTextGenerator_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gen := NewHTTPTextGenerator(GeneratorConfig{BaseURL: url, APIKey: "k"}, nil)
	_, err := gen.Generate(context.Background(), "prompt", GenerateParams{})
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
}

func TestHTTPTextGenerator_MissingKey(t *testing.T) {
	gen := NewHTTPTextGenerator(GeneratorConfig{BaseURL: "http://localhost"}, nil)
	_, err := gen.Generate(context.Background(), "prompt", GenerateParams{})
	assert.Equal(t, KindStage, KindOf(err))
}
