// Package tokenizer estimates token counts for text when a backend does not
// report usage (streamed responses, cache warming, self-hosted servers).
package tokenizer

import (
	"strings"
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens using tiktoken encodings. Encodings are loaded lazily
// once per encoding; when loading fails (e.g. no network to fetch the BPE
// ranks) Count falls back to a characters/4 heuristic.
type Counter struct {
	cl100kOnce sync.Once
	cl100k     *tiktoken.Tiktoken
	cl100kErr  error

	o200kOnce sync.Once
	o200k     *tiktoken.Tiktoken
	o200kErr  error
}

// New returns a Counter.
func New() *Counter { return &Counter{} }

// o200kPrefixes lists model families tokenized with o200k_base. Everything
// else, including non-OpenAI models, is approximated with cl100k_base.
var o200kPrefixes = []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4"}

// Encoding returns the encoding name used for model.
func Encoding(model string) string {
	m := strings.ToLower(model)
	for _, p := range o200kPrefixes {
		if strings.HasPrefix(m, p) {
			return "o200k_base"
		}
	}
	return "cl100k_base"
}

func (c *Counter) encoder(model string) (*tiktoken.Tiktoken, error) {
	if Encoding(model) == "o200k_base" {
		c.o200kOnce.Do(func() {
			c.o200k, c.o200kErr = tiktoken.GetEncoding("o200k_base")
		})
		return c.o200k, c.o200kErr
	}
	c.cl100kOnce.Do(func() {
		c.cl100k, c.cl100kErr = tiktoken.GetEncoding("cl100k_base")
	})
	return c.cl100k, c.cl100kErr
}

// Count returns the number of tokens in text for model.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := c.encoder(model)
	if err != nil || enc == nil {
		return Approximate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// Approximate is the characters/4 rule of thumb, rounded up.
func Approximate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Approximator counts with Approximate only. It never loads an encoding.
type Approximator struct{}

func (Approximator) Count(_, text string) int { return Approximate(text) }
