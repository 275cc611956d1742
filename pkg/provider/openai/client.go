// Package openai is an HTTP client for OpenAI-compatible chat completion and
// embedding endpoints, with per-model routing, retries and throttling.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/logging"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/metrics"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/provider"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/router"
)

const (
	chatPath      = "/v1/chat/completions"
	embeddingPath = "/v1/embeddings"
)

// Options tunes the client.
type Options struct {
	Timeout           time.Duration
	MaxRetries        int
	RetryInitial      time.Duration
	RequestsPerSecond float64
	BatchSize         int
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Recorder          *metrics.Recorder
}

// Client implements provider.Completer and provider.Embedder.
type Client struct {
	router  *router.Router
	http    *http.Client
	limiter *rate.Limiter
	opts    Options
	logger  *slog.Logger
}

var (
	_ provider.Completer = (*Client)(nil)
	_ provider.Embedder  = (*Client)(nil)
)

// New creates a client that resolves models through r.
func New(r *router.Router, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	limit, burst := rate.Inf, 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	return &Client{
		router:  r,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
	}
}

// Complete sends req to the first route that answers.
func (c *Client) Complete(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, []byte, error) {
	start := time.Now()
	raw, err := c.post(ctx, chatPath, req.Model, func(model string) ([]byte, error) {
		return chatBody(req, model)
	})
	var resp models.ChatCompletionResponse
	if err == nil {
		if jerr := json.Unmarshal(raw, &resp); jerr != nil {
			err = fmt.Errorf("decode completion: %w", jerr)
		} else if len(resp.Choices) == 0 {
			err = errors.New("completion has no choices")
		}
	}
	c.opts.Recorder.ProviderCall("completion", err, time.Since(start))
	if err != nil {
		return nil, nil, err
	}
	return &resp, raw, nil
}

// Embed embeds texts in requests of at most BatchSize inputs and returns the
// vectors in input order.
func (c *Client) Embed(ctx context.Context, model string, texts []string) (provider.Embeddings, error) {
	out := provider.Embeddings{Vectors: make([][]float32, len(texts)), Usage: &models.Usage{}}
	for start := 0; start < len(texts); start += c.opts.BatchSize {
		batch := texts[start:min(start+c.opts.BatchSize, len(texts))]

		began := time.Now()
		resp, err := c.embedBatch(ctx, model, batch)
		c.opts.Recorder.ProviderCall("embedding", err, time.Since(began))
		if err != nil {
			return provider.Embeddings{}, err
		}
		for _, d := range resp.Data {
			out.Vectors[start+d.Index] = d.Embedding
		}
		if resp.Usage != nil {
			out.Usage.PromptTokens += resp.Usage.PromptTokens
			out.Usage.TotalTokens += resp.Usage.TotalTokens
		}
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, model string, batch []string) (*models.EmbeddingResponse, error) {
	raw, err := c.post(ctx, embeddingPath, model, func(m string) ([]byte, error) {
		return json.Marshal(models.EmbeddingRequest{Model: m, Input: batch})
	})
	if err != nil {
		return nil, err
	}
	var resp models.EmbeddingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(batch))
	}
	seen := make([]bool, len(batch))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(batch) || seen[d.Index] {
			return nil, fmt.Errorf("embeddings: bad index %d", d.Index)
		}
		seen[d.Index] = true
	}
	return &resp, nil
}

// post tries each route for model in order. Transport errors, 429 and 5xx
// are retried with backoff and then fall through to the next route; other
// statuses end the call.
func (c *Client) post(ctx context.Context, path, model string, build func(model string) ([]byte, error)) ([]byte, error) {
	routes, err := c.router.Resolve(model)
	if err != nil {
		return nil, fmt.Errorf("resolve model %q: %w", model, err)
	}

	var lastErr error
	for _, route := range routes {
		body, err := build(route.Model)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		raw, err := c.attempt(ctx, route, path, body)
		if err == nil {
			return raw, nil
		}
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("upstream failed, trying next route", "provider", route.Provider.Name, "model", route.Model, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("all upstream providers failed: %w", lastErr)
}

func (c *Client) attempt(ctx context.Context, route router.Route, path string, body []byte) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(0, c.opts.MaxRetries))), ctx)

	var out []byte
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		res, err := doUpstreamRequest(ctx, c.http, route.Provider.URL, path, route.Provider.APIKey, body)
		if err != nil {
			return err
		}
		if res.statusCode < 200 || res.statusCode >= 300 {
			serr := &provider.StatusError{Provider: route.Provider.Name, Code: res.statusCode, Body: string(res.body)}
			if serr.Temporary() {
				return serr
			}
			return backoff.Permanent(serr)
		}
		out = res.body
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}

type upstreamResult struct {
	statusCode int
	body       []byte
}

func doUpstreamRequest(ctx context.Context, hc *http.Client, providerURL, path, apiKey string, body []byte) (*upstreamResult, error) {
	target, err := url.Parse(providerURL)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("invalid provider URL: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(target.String(), "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &upstreamResult{statusCode: resp.StatusCode, body: respBody}, nil
}

// isRetryable reports whether the next route should be tried after err.
func isRetryable(err error) bool {
	var serr *provider.StatusError
	if errors.As(err, &serr) {
		return serr.Temporary()
	}
	return true
}

// chatBody encodes req for the upstream, with Extra merged in and the model
// replaced by the route's model.
func chatBody(req models.ChatCompletionRequest, model string) ([]byte, error) {
	base, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(base, &raw); err != nil {
		return nil, err
	}
	for k, v := range req.Extra {
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		raw[k] = enc
	}
	raw["model"], err = json.Marshal(model)
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}
