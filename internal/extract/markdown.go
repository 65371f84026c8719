package extract

import (
	"bufio"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	h1Regex      = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	headingRegex = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	linkRegex    = regexp.MustCompile(`\[\[([^\]|]+)(?:\|[^\]]*)?\]\]`)
)

// Document is a parsed Markdown document.
type Document struct {
	// Frontmatter metadata (from YAML)
	Frontmatter map[string]any

	// Title from frontmatter or the first h1
	Title string

	// Body after the frontmatter
	Content string

	Sections []Section
}

// Section is a heading and the text under it.
type Section struct {
	Level   int    // 1-6 for h1-h6
	Heading string // The heading text
	Path    string // Full path like "## Setup > ### Install"
	Content string
}

// ParseMarkdown splits content into frontmatter, title and sections.
// Broken frontmatter is ignored rather than failing the document.
func ParseMarkdown(content string) *Document {
	doc := &Document{Frontmatter: make(map[string]any)}

	remaining := content
	if strings.HasPrefix(content, "---\n") {
		if end := strings.Index(content[4:], "\n---"); end > 0 {
			if err := yaml.Unmarshal([]byte(content[4:4+end]), &doc.Frontmatter); err != nil {
				doc.Frontmatter = make(map[string]any)
			}
			remaining = strings.TrimPrefix(content[4+end+4:], "\n")
		}
	}

	doc.Content = remaining
	doc.Title = extractTitle(doc.Frontmatter, remaining)
	doc.Sections = parseSections(remaining)
	return doc
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

func parseSections(content string) []Section {
	var (
		sections []Section
		path     []string
		levels   []int
		current  *Section
		body     strings.Builder
	)

	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(body.String())
			sections = append(sections, *current)
			body.Reset()
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		match := headingRegex.FindStringSubmatch(line)
		if match == nil {
			if current != nil {
				body.WriteString(line)
				body.WriteString("\n")
			}
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
		current = &Section{Level: level, Heading: heading, Path: strings.Join(path, " > ")}
	}
	flush()
	return sections
}

// FrontmatterStrings reads a string list from frontmatter. A single
// string counts as a one-element list.
func (d *Document) FrontmatterStrings(key string) []string {
	switch v := d.Frontmatter[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// WikiLinks finds [[wiki-style]] links in content, in order of first
// appearance. Aliases ([[target|shown]]) resolve to the target.
func WikiLinks(content string) []string {
	matches := linkRegex.FindAllStringSubmatch(content, -1)
	links := make([]string, 0, len(matches))
	seen := make(map[string]bool)
	for _, match := range matches {
		link := strings.TrimSpace(match[1])
		if link != "" && !seen[link] {
			links = append(links, link)
			seen[link] = true
		}
	}
	return links
}

// quoteFor returns the first line of content that links to target,
// shortened to limit runes.
func quoteFor(content, target string, limit int) string {
	for line := range strings.Lines(content) {
		for _, l := range WikiLinks(line) {
			if l == target {
				return truncate(strings.TrimSpace(line), limit)
			}
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
