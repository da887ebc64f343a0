package dialogue

import "regexp"

// Chunker buffers streamed LLM tokens and yields a chunk each time the
// buffer ends on a split character (default sentence punctuation),
// matching the punctuation-buffering behavior of
// original_source/modules/llm.py's ResponseGenerator.__next__.
type Chunker struct {
	buf   []rune
	split *regexp.Regexp
}

// NewChunker returns a Chunker that splits on pattern (a regexp
// matched against the single trailing rune of the buffer).
func NewChunker(pattern string) (*Chunker, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &Chunker{split: re}, nil
}

// Feed appends tok to the buffer and returns a flushed chunk (the
// buffered text up to and including the split character) if tok's
// last rune matches the split pattern. ok is false when no chunk was
// ready yet.
func (c *Chunker) Feed(tok string) (chunk string, ok bool) {
	c.buf = append(c.buf, []rune(tok)...)
	if len(c.buf) == 0 {
		return "", false
	}
	last := string(c.buf[len(c.buf)-1])
	if c.split.MatchString(last) {
		chunk = string(c.buf)
		c.buf = c.buf[:0]
		return chunk, true
	}
	return "", false
}

// Flush returns whatever remains buffered (e.g. at stream end) and
// clears the buffer. ok is false if nothing was buffered.
func (c *Chunker) Flush() (chunk string, ok bool) {
	if len(c.buf) == 0 {
		return "", false
	}
	chunk = string(c.buf)
	c.buf = c.buf[:0]
	return chunk, true
}
