package models

import "time"

// Prompt is a reusable prompt template. ID is the content hash of Text.
type Prompt struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Text      string    `db:"prompt_str" json:"prompt"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ResponseRecord is one cached completion for (PromptID, GivenID, TextID).
// NumErrors > 0 marks the row as a failed attempt.
type ResponseRecord struct {
	PromptID     string    `db:"prompt_id" json:"prompt_id"`
	GivenID      string    `db:"given_id" json:"given_id"`
	TextID       string    `db:"text_id" json:"text_id"`
	Text         string    `db:"text" json:"text"`
	Model        string    `db:"model" json:"model"`
	ResponseFull string    `db:"response_full" json:"response_full,omitempty"`
	ResponseText string    `db:"response_text" json:"response_text"`
	NumErrors    int       `db:"num_errors" json:"num_errors"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// ResponseKey addresses a response row within one prompt.
type ResponseKey struct {
	GivenID string
	TextID  string
}

// Key returns the row's (given_id, text_id) pair.
func (r ResponseRecord) Key() ResponseKey {
	return ResponseKey{GivenID: r.GivenID, TextID: r.TextID}
}
