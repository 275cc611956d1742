// Package contenthash derives the deterministic identities used to address
// cached prompts, responses and embeddings.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TextID returns the hex SHA-256 of the exact text sent to a provider.
func TextID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// PromptID returns the identity of a prompt template. Identical prompt text
// always yields the same id, whatever name it was registered under.
func PromptID(promptText string) string {
	return TextID(promptText)
}

// StructuredID serializes v to JSON and returns the serialized text with its
// TextID. Map keys are emitted in sorted order so equal inputs hash equally.
func StructuredID(v any) (text, id string, err error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("serialize structured input: %w", err)
	}
	text = string(data)
	return text, TextID(text), nil
}
