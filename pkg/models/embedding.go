package models

import "time"

// EmbeddingRecord is one cached vector for (ModelName, TextID).
type EmbeddingRecord struct {
	ModelName string    `json:"model_name"`
	TextID    string    `json:"text_id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
	NumErrors int       `json:"num_errors"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmbeddingResult is returned per given_id by the embedding store.
type EmbeddingResult struct {
	GivenID   string    `json:"given_id"`
	TextID    string    `json:"text_id"`
	Embedding []float32 `json:"embedding"`
}

// EmbeddingRequest is an OpenAI-compatible embeddings request.
type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbeddingData is a single vector in an embeddings response.
type EmbeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// EmbeddingResponse is an OpenAI-compatible embeddings response.
type EmbeddingResponse struct {
	Data  []EmbeddingData `json:"data"`
	Model string          `json:"model"`
	Usage *Usage          `json:"usage,omitempty"`
}
