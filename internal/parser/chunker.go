package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/raphaelgruber/embedctl/internal/models"
)

// ChunkConfig defines chunking parameters, in bytes.
type ChunkConfig struct {
	// TargetSize: ideal chunk size when splitting long paragraphs
	TargetSize int
	// MinSize: sections shorter than this merge into the previous chunk
	MinSize int
	// MaxSize: sections longer than this are split at paragraphs, then sentences
	MaxSize int
	// Overlap: trailing text of the previous chunk repeated at the start of the next
	Overlap int
	// HeadingContext prefixes each chunk with its heading path
	HeadingContext bool
}

// DefaultChunkConfig returns sensible defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		TargetSize:     750,
		MinSize:        200,
		MaxSize:        1000,
		Overlap:        100,
		HeadingContext: true,
	}
}

// piece is chunk text before it gets an id.
type piece struct {
	text    string
	heading string
}

// ChunkFile reads a file and chunks it. Markdown files (.md, .markdown) are
// split by section; anything else is treated as plain text. Chunk ids are
// "<name>#<n>", numbered from 1.
func ChunkFile(path string, cfg ChunkConfig) ([]models.Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ChunkText(filepath.Base(path), string(data), isMarkdown(path), cfg), nil
}

// ChunkFiles chunks every file and checks that chunk ids are unique across
// them. Files with the same base name get their relative path as the id prefix.
func ChunkFiles(paths []string, cfg ChunkConfig) ([]models.Chunk, error) {
	names := make(map[string]int, len(paths))
	for _, p := range paths {
		names[filepath.Base(p)]++
	}

	var all []models.Chunk
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		name := filepath.Base(p)
		if names[name] > 1 {
			name = filepath.ToSlash(filepath.Clean(p))
		}
		all = append(all, ChunkText(name, string(data), isMarkdown(p), cfg)...)
	}
	if err := models.ValidateChunks(all); err != nil {
		return nil, err
	}
	return all, nil
}

// ChunkText chunks content from a source called name.
func ChunkText(name, content string, markdown bool, cfg ChunkConfig) []models.Chunk {
	var pieces []piece
	if markdown {
		doc := ParseMarkdown(content)
		if doc.Skip() {
			return nil
		}
		pieces = chunkSections(doc.Sections, cfg)
	} else {
		for _, p := range splitParagraphs(content, cfg) {
			pieces = append(pieces, piece{text: p})
		}
	}
	pieces = applyOverlap(pieces, cfg.Overlap)

	chunks := make([]models.Chunk, 0, len(pieces))
	for i, p := range pieces {
		text := p.text
		if cfg.HeadingContext && p.heading != "" {
			text = p.heading + "\n\n" + text
		}
		chunks = append(chunks, models.Chunk{ID: fmt.Sprintf("%s#%d", name, i+1), Text: text})
	}
	return chunks
}

func isMarkdown(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// chunkSections keeps small sections whole, merges tiny ones into their
// predecessor and splits large ones.
func chunkSections(sections []Section, cfg ChunkConfig) []piece {
	var out []piece
	for _, s := range sections {
		if strings.TrimSpace(s.Content) == "" {
			continue
		}
		if len(s.Content) > cfg.MaxSize {
			for _, p := range splitParagraphs(s.Content, cfg) {
				out = append(out, piece{text: p, heading: s.Path})
			}
			continue
		}
		if len(s.Content) < cfg.MinSize && len(out) > 0 && len(out[len(out)-1].text)+len(s.Content) <= cfg.MaxSize {
			last := &out[len(out)-1]
			if s.Path != "" && s.Path != last.heading {
				last.text += "\n\n" + strings.Repeat("#", s.Level) + " " + s.Heading
			}
			last.text += "\n\n" + s.Content
			continue
		}
		out = append(out, piece{text: s.Content, heading: s.Path})
	}
	return out
}

// splitParagraphs packs paragraphs into chunks of at most MaxSize. A single
// paragraph over MaxSize is split at sentences.
func splitParagraphs(content string, cfg ChunkConfig) []string {
	var out []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > cfg.MaxSize {
			flush()
			out = append(out, splitSentences(para, cfg.TargetSize)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > cfg.MaxSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return out
}

// splitSentences groups sentences into chunks of about target bytes.
func splitSentences(text string, target int) []string {
	var out []string
	var current strings.Builder
	for _, s := range sentences(text) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(s)+1 > target {
			out = append(out, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(s)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// sentences splits at ., ! and ? followed by whitespace. A period after a
// single capital letter ("J. Smith") does not end a sentence.
func sentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if r == '.' && i > 0 && unicode.IsUpper(runes[i-1]) && (i == 1 || unicode.IsSpace(runes[i-2])) {
			continue
		}
		out = append(out, string(runes[start:i+1]))
		start = i + 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// applyOverlap prefixes each chunk with the last words of its predecessor.
func applyOverlap(pieces []piece, overlap int) []piece {
	if overlap <= 0 || len(pieces) <= 1 {
		return pieces
	}

	out := make([]piece, len(pieces))
	copy(out, pieces)
	for i := 1; i < len(out); i++ {
		prev := pieces[i-1].text
		if len(prev) <= overlap {
			continue
		}
		tail := prev[len(prev)-overlap:]
		idx := strings.IndexByte(tail, ' ')
		if idx < 0 {
			continue
		}
		if tail = tail[idx+1:]; tail != "" {
			out[i].text = tail + " " + out[i].text
		}
	}
	return out
}
