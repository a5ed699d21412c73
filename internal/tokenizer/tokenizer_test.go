package tokenizer

import "testing"

func TestEncoding(t *testing.T) {
	tests := []struct {
		model, want string
	}{
		{"gpt-4o-mini", "o200k_base"},
		{"o3-mini", "o200k_base"},
		{"gpt-4", "cl100k_base"},
		{"claude-sonnet-4-5", "cl100k_base"},
		{"llama-3.1-8b", "cl100k_base"},
	}
	for _, tt := range tests {
		if got := Encoding(tt.model); got != tt.want {
			t.Errorf("Encoding(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestApproximate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld", 3},
	}
	for _, tt := range tests {
		if got := Approximate(tt.text); got != tt.want {
			t.Errorf("Approximate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCount_EmptyText(t *testing.T) {
	if got := New().Count("gpt-4o", ""); got != 0 {
		t.Fatalf("expected 0 for empty text, got %d", got)
	}
}
