package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/config"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/provider"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/router"
)

func testOptions() Options {
	return Options{MaxRetries: 2, RetryInitial: time.Millisecond, BatchSize: 2}
}

func completionJSON(content string) string {
	b, _ := json.Marshal(models.ChatCompletionResponse{
		ID:      "chatcmpl-1",
		Model:   "gpt-4o-mini",
		Choices: []models.Choice{{Message: models.ChatMessage{Role: "assistant", Content: content}}},
		Usage:   &models.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	})
	return string(b)
}

func singleProvider(url string) *router.Router {
	return router.New([]config.ProviderConfig{{Name: "openai", URL: url, APIKey: "sk-test"}}, nil)
}

func TestCompleteSendsMergedBody(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		assert.NoError(t, json.Unmarshal(body, &m))
		bodies <- m
		w.Write([]byte(completionJSON("Acme makes batteries.")))
	}))
	defer srv.Close()

	c := New(singleProvider(srv.URL), testOptions())
	temp := 0.0
	resp, raw, err := c.Complete(context.Background(), models.ChatCompletionRequest{
		Model:       "gpt-4o-mini",
		Messages:    []models.ChatMessage{{Role: "user", Content: "Describe Acme"}},
		Temperature: &temp,
		Extra:       map[string]any{"top_p": 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme makes batteries.", resp.Content())
	assert.Contains(t, string(raw), "chatcmpl-1")
	got := <-bodies
	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Equal(t, 0.5, got["top_p"])
	assert.Equal(t, 0.0, got["temperature"])
}

func TestCompleteRetriesThenFallsBack(t *testing.T) {
	var primary, secondary atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primary.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondary.Add(1)
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "backup-model", req["model"])
		w.Write([]byte(completionJSON("ok")))
	}))
	defer up.Close()

	r := router.New(
		[]config.ProviderConfig{{Name: "a", URL: down.URL}, {Name: "b", URL: up.URL}},
		[]config.RouteConfig{{Model: "fast", Targets: []config.RouteTarget{
			{Provider: "a", Model: "primary-model"},
			{Provider: "b", Model: "backup-model"},
		}}},
	)
	c := New(r, testOptions())
	resp, _, err := c.Complete(context.Background(), models.ChatCompletionRequest{Model: "fast"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content())
	assert.Equal(t, int32(3), primary.Load())
	assert.Equal(t, int32(1), secondary.Load())
}

func TestCompleteClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad schema"}}`))
	}))
	defer srv.Close()

	c := New(singleProvider(srv.URL), testOptions())
	_, _, err := c.Complete(context.Background(), models.ChatCompletionRequest{Model: "gpt-4o-mini"})
	var serr *provider.StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusBadRequest, serr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(completionJSON("second try")))
	}))
	defer srv.Close()

	c := New(singleProvider(srv.URL), testOptions())
	resp, _, err := c.Complete(context.Background(), models.ChatCompletionRequest{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "second try", resp.Content())
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	_, _, err := New(singleProvider(srv.URL), testOptions()).Complete(context.Background(), models.ChatCompletionRequest{Model: "m"})
	require.Error(t, err)
}

func TestEmbedBatchesAndOrdersByIndex(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		calls.Add(1)
		var req models.EmbeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.LessOrEqual(t, len(req.Input), 2)

		resp := models.EmbeddingResponse{Model: req.Model, Usage: &models.Usage{PromptTokens: len(req.Input), TotalTokens: len(req.Input)}}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, models.EmbeddingData{Index: i, Embedding: []float32{float32(len(req.Input[i]))}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(singleProvider(srv.URL), testOptions())
	out, err := c.Embed(context.Background(), "text-embedding-3-small", []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, out.Vectors, 5)
	for i, v := range out.Vectors {
		assert.Equal(t, []float32{float32(i + 1)}, v)
	}
	assert.Equal(t, 5, out.Usage.TotalTokens)
}

func TestEmbedRejectsShortResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	_, err := New(singleProvider(srv.URL), testOptions()).Embed(context.Background(), "m", []string{"a", "b"})
	require.Error(t, err)
}

func TestChatBodyReplacesModel(t *testing.T) {
	body, err := chatBody(models.ChatCompletionRequest{Model: "alias", Extra: map[string]any{"model": "ignored"}}, "real")
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "real", m["model"])
}
