package validation_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtixt/provenance/internal/validation"
)

func messageServer(t *testing.T, status int, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "test-model", req["model"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
			return
		}
		resp := map[string]any{
			"id":            "msg_test",
			"type":          "message",
			"role":          "assistant",
			"model":         "test-model",
			"content":       []map[string]any{{"type": "text", "text": text}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 20},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestAnthropic(url string) *validation.AnthropicClient {
	return validation.NewAnthropicClient("test-key", "test-model",
		option.WithBaseURL(url), option.WithMaxRetries(0))
}

func TestAnthropicClient_Assess(t *testing.T) {
	srv := messageServer(t, http.StatusOK, "Here is my answer:\n"+
		`{"confidence_score": 82, "reasoning": "consistent with EDGAR", "flags": [{"type":"warning","severity":"warning","description":"single source"}]}`)
	defer srv.Close()

	a, err := newTestAnthropic(srv.URL).Assess(ctx, validation.LLMRequest{EvidenceID: "e1", Description: "Form 10-K"})
	require.NoError(t, err)
	assert.InDelta(t, 0.82, a.Confidence, 1e-9)
	assert.Equal(t, "consistent with EDGAR", a.Notes)
	assert.Equal(t, "test-model", a.Model)
	require.Len(t, a.Flags, 1)
	assert.Equal(t, "single source", a.Flags[0].Description)
}

func TestAnthropicClient_badResponses(t *testing.T) {
	tests := map[string]string{
		"no json":      "I cannot assess this.",
		"out of range": `{"confidence_score": 140, "reasoning": "", "flags": []}`,
		"broken json":  `{"confidence_score": "high"}`,
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			srv := messageServer(t, http.StatusOK, text)
			defer srv.Close()
			_, err := newTestAnthropic(srv.URL).Assess(ctx, validation.LLMRequest{EvidenceID: "e1"})
			assert.Error(t, err)
		})
	}
}

func TestAnthropicClient_apiError(t *testing.T) {
	srv := messageServer(t, http.StatusServiceUnavailable, "")
	defer srv.Close()
	_, err := newTestAnthropic(srv.URL).Assess(ctx, validation.LLMRequest{EvidenceID: "e1"})
	assert.Error(t, err)
}
