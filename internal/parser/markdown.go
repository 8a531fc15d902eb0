// Package parser turns Markdown and plain text files into chunks for embedding.
package parser

import (
	"bufio"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	headingRegex = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	h1Regex      = regexp.MustCompile(`(?m)^#\s+(.+)$`)
)

// MarkdownDoc represents a parsed Markdown document.
type MarkdownDoc struct {
	// Frontmatter metadata (from YAML)
	Frontmatter map[string]any

	// Title extracted from frontmatter or the first h1
	Title string

	// Body after frontmatter
	Content string

	// Content grouped by heading. Text before the first heading is a
	// section with an empty Path.
	Sections []Section
}

// Section represents a heading and its content.
type Section struct {
	Level   int    // 1-6 for h1-h6, 0 for the preamble
	Heading string // The heading text
	Path    string // Full path like "## Setup > ### Install"
	Content string // Content under this heading
}

// ParseMarkdown parses a Markdown document into structured form.
// Malformed frontmatter is ignored.
func ParseMarkdown(content string) *MarkdownDoc {
	doc := &MarkdownDoc{Frontmatter: make(map[string]any)}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	remaining := content
	if strings.HasPrefix(content, "---\n") {
		if endIdx := strings.Index(content[4:], "\n---"); endIdx >= 0 {
			raw := content[4 : 4+endIdx]
			remaining = strings.TrimPrefix(content[4+endIdx+4:], "\n")
			if err := yaml.Unmarshal([]byte(raw), &doc.Frontmatter); err != nil || doc.Frontmatter == nil {
				doc.Frontmatter = make(map[string]any)
			}
		}
	}

	doc.Content = remaining
	doc.Title = extractTitle(doc.Frontmatter, remaining)
	doc.Sections = parseSections(remaining)
	return doc
}

// Skip reports whether the frontmatter opts the document out of embedding
// with "embed: false".
func (d *MarkdownDoc) Skip() bool {
	v, ok := d.Frontmatter["embed"].(bool)
	return ok && !v
}

// FrontmatterString extracts a string from frontmatter.
func (d *MarkdownDoc) FrontmatterString(key string) string {
	if v, ok := d.Frontmatter[key].(string); ok {
		return v
	}
	return ""
}

func extractTitle(fm map[string]any, content string) string {
	if title, ok := fm["title"].(string); ok && title != "" {
		return title
	}
	if match := h1Regex.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// parseSections splits content at headings. Fenced code blocks are never
// split, so a "#" line inside a fence stays content.
func parseSections(content string) []Section {
	var sections []Section
	var path []string
	var levels []int

	current := Section{}
	var body strings.Builder
	inFence := false

	flush := func() {
		current.Content = strings.TrimSpace(body.String())
		if current.Content != "" || current.Level > 0 {
			sections = append(sections, current)
		}
		body.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}

		match := headingRegex.FindStringSubmatch(line)
		if inFence || match == nil {
			body.WriteString(line)
			body.WriteString("\n")
			continue
		}

		flush()
		level := len(match[1])
		heading := strings.TrimSpace(match[2])
		for len(levels) > 0 && levels[len(levels)-1] >= level {
			path = path[:len(path)-1]
			levels = levels[:len(levels)-1]
		}
		path = append(path, match[1]+" "+heading)
		levels = append(levels, level)
		current = Section{Level: level, Heading: heading, Path: strings.Join(path, " > ")}
	}
	flush()

	return sections
}
