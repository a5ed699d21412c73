package stream

import (
	"unicode/utf8"
)

// Chunker regroups streamed text into chunks that end on natural
// boundaries. Boundaries are tried in order: sentence, clause, word, and
// finally a hard cut at the maximum size.
//
// Every chunk returned by Write is at least min bytes. Only the tail
// returned by Flush may be shorter. Sizes are in bytes.
type Chunker struct {
	min int
	max int
	buf string
}

// NewChunker returns a Chunker. maxSize is raised so that a rune-aligned hard
// cut can never produce a chunk below minSize.
func NewChunker(minSize, maxSize int) *Chunker {
	if minSize < 1 {
		minSize = 1
	}
	if maxSize < minSize+utf8.UTFMax {
		maxSize = minSize + utf8.UTFMax
	}
	return &Chunker{min: minSize, max: maxSize}
}

// Write appends text and returns the chunks that are ready.
func (c *Chunker) Write(text string) []string {
	c.buf += text
	var out []string
	for {
		i := c.cut(false)
		if i == 0 {
			return out
		}
		out = append(out, c.buf[:i])
		c.buf = c.buf[i:]
	}
}

// Flush returns everything still buffered. A tail longer than one chunk is
// split the same way Write would split it.
func (c *Chunker) Flush() []string {
	var out []string
	for len(c.buf) > c.max {
		i := c.cut(true)
		out = append(out, c.buf[:i])
		c.buf = c.buf[i:]
	}
	if c.buf != "" {
		out = append(out, c.buf)
		c.buf = ""
	}
	return out
}

// Buffered returns the number of bytes waiting for a boundary.
func (c *Chunker) Buffered() int { return len(c.buf) }

// cut returns the length of the next chunk, or 0 when more text is needed.
// Below max only sentence and clause ends are taken; once the buffer
// reaches max (or force is set) word ends and the hard cut apply too.
func (c *Chunker) cut(force bool) int {
	s := c.buf
	if len(s) < c.min {
		return 0
	}
	hi := min(len(s), c.max)

	if i := lastBoundary(s, c.min, hi, sentenceEnd); i > 0 {
		return i
	}
	if i := lastBoundary(s, c.min, hi, clauseEnd); i > 0 {
		return i
	}
	if len(s) < c.max && !force {
		return 0
	}
	if i := lastBoundary(s, c.min, hi, wordEnd); i > 0 {
		return i
	}
	if len(s) <= c.max {
		return len(s)
	}

	i := c.max
	for i > c.min && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// lastBoundary returns the largest i in [lo, hi] for which at(s, i) holds.
func lastBoundary(s string, lo, hi int, at func(string, int) bool) int {
	for i := hi; i >= lo; i-- {
		if at(s, i) {
			return i
		}
	}
	return 0
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// sentenceEnd: a newline, or terminal punctuation followed by whitespace.
func sentenceEnd(s string, i int) bool {
	if i < 1 {
		return false
	}
	if s[i-1] == '\n' {
		return true
	}
	if i < 2 || !isSpace(s[i-1]) {
		return false
	}
	switch s[i-2] {
	case '.', '!', '?':
		return true
	}
	return false
}

func clauseEnd(s string, i int) bool {
	if i < 2 || s[i-1] != ' ' {
		return false
	}
	switch s[i-2] {
	case ',', ';', ':':
		return true
	}
	return false
}

func wordEnd(s string, i int) bool {
	return i >= 1 && isSpace(s[i-1])
}
