package models

import "time"

// Usage represents token usage from a provider response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord tracks token usage for one provider call made on behalf of a store.
type UsageRecord struct {
	ID               int64     `db:"id" json:"id"`
	Store            string    `db:"store" json:"store"`
	Model            string    `db:"model" json:"model"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int       `db:"total_tokens" json:"total_tokens"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// UsageSummary aggregates usage across calls.
type UsageSummary struct {
	Store           string `db:"store" json:"store"`
	Model           string `db:"model" json:"model"`
	RequestCount    int    `db:"request_count" json:"request_count"`
	TotalPrompt     int    `db:"total_prompt" json:"total_prompt"`
	TotalCompletion int    `db:"total_completion" json:"total_completion"`
	TotalTokens     int    `db:"total_tokens" json:"total_tokens"`
}
