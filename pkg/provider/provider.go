// Package provider defines the upstream completion and embedding interfaces
// the stores call.
package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
)

// Completer runs one chat completion. raw is the provider's response body.
type Completer interface {
	Complete(ctx context.Context, req models.ChatCompletionRequest) (resp *models.ChatCompletionResponse, raw []byte, err error)
}

// Embeddings holds one vector per input text, in input order.
type Embeddings struct {
	Vectors [][]float32
	Usage   *models.Usage
}

// Embedder embeds a batch of texts with model.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) (Embeddings, error)
}

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("provider %s returned %d: %s", e.Provider, e.Code, body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}
