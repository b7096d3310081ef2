// Package chunking splits markdown content into header-aware chunks for
// extraction. Each chunk carries the breadcrumb of enclosing headings so
// facts produced from it keep their document context.
package chunking

import (
	"fmt"
	"strings"
	"unicode"
)

// Chunk is one slice of a document.
type Chunk struct {
	// Index is the position of this chunk within the document.
	Index int

	// HeaderPath is the breadcrumb of enclosing headings, outermost first.
	HeaderPath []string

	// Content is the chunk text, heading lines included.
	Content string

	// Size is len(Content) in bytes.
	Size int
}

// HeaderContext renders the breadcrumb as "Title > Section > Subsection".
func (c Chunk) HeaderContext() string {
	return strings.Join(c.HeaderPath, " > ")
}

// Config holds chunking configuration. Sizes are in bytes.
type Config struct {
	// TargetSize is the ideal chunk size.
	TargetSize int

	// MaxSize is the maximum chunk size.
	MaxSize int

	// MinSize is the minimum chunk size (smaller chunks are merged).
	MinSize int

	// Overlap is how many bytes of trailing context carry over when a
	// single section is split across chunks.
	Overlap int
}

// DefaultConfig returns sensible chunking defaults.
func DefaultConfig() Config {
	return Config{
		TargetSize: 4096,
		MaxSize:    8192,
		MinSize:    1024,
		Overlap:    256,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MinSize <= 0 {
		return fmt.Errorf("MinSize must be positive, got %d", c.MinSize)
	}
	if c.TargetSize <= 0 {
		return fmt.Errorf("TargetSize must be positive, got %d", c.TargetSize)
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("MaxSize must be positive, got %d", c.MaxSize)
	}
	if c.MinSize >= c.TargetSize {
		return fmt.Errorf("MinSize (%d) must be less than TargetSize (%d)", c.MinSize, c.TargetSize)
	}
	if c.TargetSize > c.MaxSize {
		return fmt.Errorf("TargetSize (%d) must not exceed MaxSize (%d)", c.TargetSize, c.MaxSize)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("Overlap must not be negative, got %d", c.Overlap)
	}
	if c.Overlap >= c.TargetSize {
		return fmt.Errorf("Overlap (%d) must be less than TargetSize (%d)", c.Overlap, c.TargetSize)
	}
	return nil
}

// Chunker splits documents into chunks.
type Chunker struct {
	config Config
}

// New creates a new Chunker with the given configuration.
// Returns an error if the configuration is invalid.
func New(cfg Config) (*Chunker, error) {
	if cfg.TargetSize == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: cfg}, nil
}

// MustNew creates a new Chunker, panicking on invalid config.
// Use for known-good configurations.
func MustNew(cfg Config) *Chunker {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// NewDefault creates a Chunker with default configuration.
func NewDefault() *Chunker {
	return MustNew(DefaultConfig())
}

// Chunk splits markdown content into header-aware chunks.
func (c *Chunker) Chunk(content string) []Chunk {
	sections := c.parseSections(content)

	var chunks []Chunk
	var current Chunk

	for _, sec := range sections {
		// If the section alone exceeds max, split it on its own
		if len(sec.content) > c.config.MaxSize {
			if strings.TrimSpace(current.Content) != "" {
				chunks = append(chunks, current)
				current = Chunk{}
			}
			chunks = append(chunks, c.splitLargeSection(sec)...)
			continue
		}

		// If adding this section would exceed target, finalize current chunk
		if len(current.Content) > 0 && len(current.Content)+len(sec.content) > c.config.TargetSize {
			chunks = append(chunks, current)
			current = Chunk{}
		}

		if current.HeaderPath == nil {
			current.HeaderPath = sec.headerPath
		}
		if current.Content != "" {
			current.Content += "\n\n"
		}
		current.Content += sec.content
	}

	if strings.TrimSpace(current.Content) != "" {
		chunks = append(chunks, current)
	}

	chunks = c.mergeSmallChunks(chunks)

	for i := range chunks {
		chunks[i].Index = i
		chunks[i].Size = len(chunks[i].Content)
	}
	return chunks
}

// section is a heading plus everything up to the next heading.
type section struct {
	headerPath []string
	level      int
	content    string
}

type heading struct {
	level int
	text  string
}

// parseSections splits markdown into sections, keeping a heading stack so
// every section knows its breadcrumb. Headings inside code fences are text.
func (c *Chunker) parseSections(content string) []section {
	lines := strings.Split(content, "\n")
	var sections []section
	var current section
	var stack []heading
	inCodeBlock := false

	for _, line := range lines {
		if isCodeFence(line) {
			inCodeBlock = !inCodeBlock
		}

		if !inCodeBlock && isHeading(line) {
			if strings.TrimSpace(current.content) != "" {
				sections = append(sections, current)
			}

			level, text := parseHeading(line)
			for len(stack) > 0 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, heading{level: level, text: text})

			path := make([]string, len(stack))
			for i, h := range stack {
				path[i] = h.text
			}
			current = section{headerPath: path, level: level, content: line}
		} else {
			if current.content != "" {
				current.content += "\n"
			}
			current.content += line
		}
	}

	if strings.TrimSpace(current.content) != "" {
		sections = append(sections, current)
	}

	return sections
}

// splitLargeSection splits a section that exceeds max size, carrying
// Overlap bytes of trailing context into each continuation chunk.
func (c *Chunker) splitLargeSection(sec section) []Chunk {
	var chunks []Chunk
	paragraphs := c.splitIntoParagraphs(sec.content)

	current := Chunk{HeaderPath: sec.headerPath}
	seed := ""

	flush := func() {
		chunks = append(chunks, current)
		seed = overlapTail(current.Content, c.config.Overlap)
		current = Chunk{HeaderPath: sec.headerPath, Content: seed}
	}

	for _, para := range paragraphs {
		// If a single paragraph exceeds max, split it by sentences
		if len(para) > c.config.MaxSize {
			if strings.TrimSpace(current.Content) != "" && current.Content != seed {
				flush()
			}
			chunks = append(chunks, c.splitBySentences(sec.headerPath, para)...)
			current = Chunk{HeaderPath: sec.headerPath}
			seed = ""
			continue
		}

		if len(current.Content) > 0 && len(current.Content)+len(para) > c.config.TargetSize {
			flush()
		}

		if current.Content != "" {
			current.Content += "\n\n"
		}
		current.Content += para
	}

	if strings.TrimSpace(current.Content) != "" && current.Content != seed {
		chunks = append(chunks, current)
	}

	return chunks
}

// splitIntoParagraphs splits content by blank lines, preserving code blocks.
func (c *Chunker) splitIntoParagraphs(content string) []string {
	var paragraphs []string
	var current strings.Builder
	lines := strings.Split(content, "\n")
	inCodeBlock := false
	lastWasEmpty := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if isCodeFence(trimmed) {
			inCodeBlock = !inCodeBlock
		}

		if !inCodeBlock && trimmed == "" {
			if !lastWasEmpty && current.Len() > 0 {
				paragraphs = append(paragraphs, strings.TrimSpace(current.String()))
				current.Reset()
			}
			lastWasEmpty = true
		} else {
			if current.Len() > 0 {
				current.WriteString("\n")
			}
			current.WriteString(line)
			lastWasEmpty = false
		}
	}

	if current.Len() > 0 {
		paragraphs = append(paragraphs, strings.TrimSpace(current.String()))
	}

	return paragraphs
}

// splitBySentences splits a paragraph by sentences as a last resort.
func (c *Chunker) splitBySentences(headerPath []string, content string) []Chunk {
	sentences := splitSentences(content)
	if len(sentences) <= 1 && len(content) > c.config.MaxSize {
		return c.hardSplit(headerPath, content)
	}
	if len(sentences) <= 1 {
		return []Chunk{{HeaderPath: headerPath, Content: content}}
	}

	var chunks []Chunk
	current := Chunk{HeaderPath: headerPath}
	seed := ""

	for _, sentence := range sentences {
		if len(current.Content) > 0 && len(current.Content)+len(sentence) > c.config.TargetSize {
			chunks = append(chunks, current)
			seed = overlapTail(current.Content, c.config.Overlap)
			current = Chunk{HeaderPath: headerPath, Content: seed}
		}

		if current.Content != "" {
			current.Content += " "
		}
		current.Content += sentence
	}

	if strings.TrimSpace(current.Content) != "" && current.Content != seed {
		chunks = append(chunks, current)
	}

	return chunks
}

// hardSplit cuts at rune boundaries when no natural breaks exist. This is a
// last resort that keeps every chunk under MaxSize.
func (c *Chunker) hardSplit(headerPath []string, content string) []Chunk {
	var chunks []Chunk
	step := c.config.MaxSize - c.config.Overlap
	if step <= 0 {
		step = c.config.MaxSize
	}

	runes := []rune(content)
	for i := 0; i < len(runes); i += step {
		end := i + c.config.MaxSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			HeaderPath: headerPath,
			Content:    string(runes[i:end]),
		})
		if end == len(runes) {
			break
		}
	}

	return chunks
}

// mergeSmallChunks combines chunks that are below minimum size.
func (c *Chunker) mergeSmallChunks(chunks []Chunk) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	var result []Chunk
	for i := 0; i < len(chunks); i++ {
		chunk := chunks[i]

		// If chunk is too small and there's a next chunk, merge
		if len(chunk.Content) < c.config.MinSize && i < len(chunks)-1 {
			next := chunks[i+1]
			combined := chunk.Content + "\n\n" + next.Content

			// Only merge if combined doesn't exceed max
			if len(combined) <= c.config.MaxSize {
				chunks[i+1] = Chunk{
					HeaderPath: chunk.HeaderPath,
					Content:    combined,
				}
				continue
			}
		}

		result = append(result, chunk)
	}

	return result
}

// overlapTail returns up to size bytes from the end of text, advanced to the
// next word boundary so continuation chunks start on a whole word.
func overlapTail(text string, size int) string {
	if size <= 0 || len(text) == 0 {
		return ""
	}

	runes := []rune(text)
	if len(runes) <= size {
		return text
	}

	start := len(runes) - size
	for start < len(runes) && !unicode.IsSpace(runes[start]) {
		start++
	}
	for start < len(runes) && unicode.IsSpace(runes[start]) {
		start++
	}

	if start >= len(runes) {
		return ""
	}
	return string(runes[start:])
}

// isCodeFence checks if a line is a code fence (``` or ~~~).
func isCodeFence(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// isHeading checks if a line is a markdown ATX heading.
func isHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return false
	}
	rest := strings.TrimLeft(trimmed, "#")
	return rest == "" || strings.HasPrefix(rest, " ")
}

// parseHeading extracts the level and text from a heading line.
func parseHeading(line string) (int, string) {
	trimmed := strings.TrimSpace(line)
	level := 0
	for _, ch := range trimmed {
		if ch == '#' {
			level++
		} else {
			break
		}
	}
	if level > 6 {
		level = 6
	}

	text := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
	return level, text
}

// splitSentences splits text on sentence-ending punctuation followed by
// whitespace.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])

		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i == len(runes)-1 || (i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\n')) {
				sentences = append(sentences, strings.TrimSpace(current.String()))
				current.Reset()
				if i+1 < len(runes) && runes[i+1] == ' ' {
					i++
				}
			}
		}
	}

	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}

	return sentences
}
