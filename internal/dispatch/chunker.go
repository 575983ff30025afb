package dispatch

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ChunkConfig controls how streamed reply text is grouped for synthesis.
type ChunkConfig struct {
	// SentenceMinChars is the buffered length before a sentence end may cut.
	SentenceMinChars int
	// FirstChunkMinChars lets the first fragment go out at a word boundary
	// before any sentence ends. 0 disables the early start.
	FirstChunkMinChars int
	// MaxChunkChars caps a fragment.
	MaxChunkChars int
}

// DefaultChunkConfig returns the settings used for phone replies.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{SentenceMinChars: 12, FirstChunkMinChars: 40, MaxChunkChars: 200}
}

// Chunker turns an append-only text stream into speakable fragments.
type Chunker struct {
	cfg     ChunkConfig
	buf     strings.Builder
	sentAny bool
}

// NewChunker returns a chunker; zero fields take defaults.
func NewChunker(cfg ChunkConfig) *Chunker {
	def := DefaultChunkConfig()
	if cfg.SentenceMinChars <= 0 {
		cfg.SentenceMinChars = def.SentenceMinChars
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = def.MaxChunkChars
	}
	return &Chunker{cfg: cfg}
}

// Push appends delta and returns the fragments that became ready.
func (c *Chunker) Push(delta string) []string {
	c.buf.WriteString(delta)

	var out []string
	for {
		buf := c.buf.String()
		n := utf8.RuneCountInString(buf)
		cut := 0
		if n >= c.cfg.SentenceMinChars {
			cut = sentenceCut(buf, c.cfg.MaxChunkChars)
		}
		if cut == 0 && !c.sentAny && c.cfg.FirstChunkMinChars > 0 && n >= c.cfg.FirstChunkMinChars {
			cut = wordCutAfter(buf, c.cfg.FirstChunkMinChars, c.cfg.MaxChunkChars)
		}
		if cut == 0 && n > c.cfg.MaxChunkChars {
			cut = bestCutBefore(buf, c.cfg.MaxChunkChars)
		}
		if cut == 0 {
			return out
		}
		if frag := c.take(cut); frag != "" {
			out = append(out, frag)
		}
	}
}

// Flush returns whatever is left, split at the size cap.
func (c *Chunker) Flush() []string {
	var out []string
	for {
		buf := c.buf.String()
		if strings.TrimSpace(buf) == "" {
			c.buf.Reset()
			return out
		}
		cut := len(buf)
		if utf8.RuneCountInString(buf) > c.cfg.MaxChunkChars {
			cut = bestCutBefore(buf, c.cfg.MaxChunkChars)
		}
		if frag := c.take(cut); frag != "" {
			out = append(out, frag)
		}
	}
}

func (c *Chunker) take(cut int) string {
	buf := c.buf.String()
	frag := strings.TrimSpace(buf[:cut])
	c.buf.Reset()
	c.buf.WriteString(buf[cut:])
	if frag != "" {
		c.sentAny = true
	}
	return frag
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '?' || r == '!' || r == ';' || r == '\n'
}

// sentenceCut finds the first sentence end that is followed by whitespace,
// so "3.5" and a boundary still waiting for its next delta never cut.
func sentenceCut(s string, maxChars int) int {
	runes := 0
	prevEnd := false
	for i, r := range s {
		runes++
		if runes > maxChars+1 {
			return 0
		}
		if prevEnd && unicode.IsSpace(r) {
			return i + utf8.RuneLen(r)
		}
		prevEnd = isSentenceEnd(r)
		if r == '\n' {
			return i + 1
		}
	}
	return 0
}

func wordCutAfter(s string, minChars, maxChars int) int {
	runes := 0
	for i, r := range s {
		runes++
		if runes > maxChars {
			return 0
		}
		if runes >= minChars && unicode.IsSpace(r) {
			return i + utf8.RuneLen(r)
		}
	}
	return 0
}

func bestCutBefore(s string, maxChars int) int {
	runes := 0
	lastEnd, lastSpace, limit := 0, 0, len(s)
	for i, r := range s {
		if runes == maxChars {
			limit = i
			break
		}
		runes++
		end := i + utf8.RuneLen(r)
		if isSentenceEnd(r) {
			lastEnd = end
		}
		if unicode.IsSpace(r) {
			lastSpace = end
		}
	}
	switch {
	case lastEnd > 0:
		return lastEnd
	case lastSpace > 0:
		return lastSpace
	default:
		return limit
	}
}
