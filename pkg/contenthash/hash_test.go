package contenthash

import "testing"

func TestTextID(t *testing.T) {
	h1 := TextID("hello")
	h2 := TextID("hello")
	h3 := TextID("hello ")

	if h1 != h2 {
		t.Error("same text should produce same id")
	}
	if h1 == h3 {
		t.Error("different text should produce different id")
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
	// sha256("hello")
	if h1 != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected digest %s", h1)
	}
}

func TestPromptIDIgnoresName(t *testing.T) {
	if PromptID("Summarize:") != TextID("Summarize:") {
		t.Error("prompt id should be the text digest")
	}
}

func TestStructuredID(t *testing.T) {
	type example struct {
		Input  string `json:"input"`
		Output string `json:"output"`
	}
	a := map[string]any{"entity": "Acme", "examples": []example{{"x", "y"}}}
	b := map[string]any{"examples": []example{{"x", "y"}}, "entity": "Acme"}

	textA, idA, err := StructuredID(a)
	if err != nil {
		t.Fatal(err)
	}
	textB, idB, err := StructuredID(b)
	if err != nil {
		t.Fatal(err)
	}
	if textA != textB || idA != idB {
		t.Errorf("key order should not matter: %s vs %s", textA, textB)
	}
	if idA != TextID(textA) {
		t.Error("id should be the digest of the serialized text")
	}

	if _, _, err := StructuredID(make(chan int)); err == nil {
		t.Error("expected error for unserializable input")
	}
}
