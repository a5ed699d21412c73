package stream

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunker_PrefersSentenceThenClause(t *testing.T) {
	c := NewChunker(10, 40)

	got := c.Write("Hello there. This is")
	if len(got) != 1 || got[0] != "Hello there. " {
		t.Fatalf("expected a sentence chunk, got %q", got)
	}

	got = c.Write(" a test, with clauses")
	if len(got) != 1 || got[0] != "This is a test, " {
		t.Fatalf("expected a clause chunk, got %q", got)
	}

	if c.Buffered() != len("with clauses") {
		t.Errorf("expected the tail to wait for a boundary, buffered %d", c.Buffered())
	}
	if tail := c.Flush(); len(tail) != 1 || tail[0] != "with clauses" {
		t.Errorf("unexpected flush %q", tail)
	}
}

func TestChunker_WordBoundaryAtMax(t *testing.T) {
	c := NewChunker(5, 20)
	got := c.Write("alpha beta gamma delta epsilon")
	if len(got) == 0 {
		t.Fatal("expected a chunk once the buffer passed max")
	}
	for _, ch := range got {
		if !strings.HasSuffix(ch, " ") {
			t.Errorf("chunk %q should end on a word boundary", ch)
		}
		if len(ch) < 5 || len(ch) > 20 {
			t.Errorf("chunk %q outside [5,20] bytes", ch)
		}
	}
}

func TestChunker_HardCutIsRuneAligned(t *testing.T) {
	c := NewChunker(10, 15)
	got := c.Write(strings.Repeat("é", 30))
	if len(got) == 0 {
		t.Fatal("expected hard cuts")
	}
	for _, ch := range got {
		if !utf8.ValidString(ch) {
			t.Errorf("chunk %q splits a rune", ch)
		}
		if len(ch) < 10 || len(ch) > 15 {
			t.Errorf("chunk of %d bytes outside [10,15]", len(ch))
		}
	}
}

func TestChunker_MinimumSize(t *testing.T) {
	c := NewChunker(16, 64)
	var chunks []string
	for _, w := range strings.Fields("A. B. C. Short words, tiny; clauses: here. And then a much longer sentence follows. End.") {
		chunks = append(chunks, c.Write(w+" ")...)
	}
	for _, ch := range chunks {
		if len(ch) < 16 {
			t.Errorf("chunk %q shorter than the minimum", ch)
		}
	}
}

// A tail longer than one chunk used to be cut short on flush.
func TestChunker_FlushKeepsLongTail(t *testing.T) {
	c := NewChunker(5, 10)
	c.buf = strings.Repeat("abc ", 20)

	tail := c.Flush()
	if got := strings.Join(tail, ""); got != strings.Repeat("abc ", 20) {
		t.Fatalf("flush lost text: %q", got)
	}
	for _, p := range tail {
		if len(p) > 10 {
			t.Errorf("flushed piece %q longer than max", p)
		}
	}
	if c.Buffered() != 0 {
		t.Error("flush should empty the buffer")
	}
}

func TestChunker_NeverDropsText(t *testing.T) {
	inputs := []string{
		"",
		"short",
		strings.Repeat("x", 1000),
		strings.Repeat("Sentence one. Clause, then more; ", 40),
		strings.Repeat("日本語のテキスト", 50),
		"line\nbreaks\nare\nsentence\nends\n",
	}
	for _, in := range inputs {
		for _, step := range []int{1, 3, 7, 64} {
			c := NewChunker(8, 32)
			var sb strings.Builder
			for i := 0; i < len(in); i += step {
				for _, ch := range c.Write(in[i:min(i+step, len(in))]) {
					sb.WriteString(ch)
				}
			}
			for _, ch := range c.Flush() {
				sb.WriteString(ch)
			}
			if sb.String() != in {
				t.Errorf("step %d: output differs from input (%d vs %d bytes)", step, sb.Len(), len(in))
			}
		}
	}
}

func TestNewChunker_ClampsSizes(t *testing.T) {
	c := NewChunker(0, 0)
	if c.min != 1 || c.max != 1+utf8.UTFMax {
		t.Errorf("unexpected sizes min=%d max=%d", c.min, c.max)
	}
}
