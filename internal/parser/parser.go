// Package parser reads and writes markdown note files: YAML frontmatter
// holding the note's identity and anchor, then the markdown body. It also
// extracts the tags and wikilinks the search index stores.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

var (
	wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
)

// frontmatter is the on-disk header of a note file.
type frontmatter struct {
	ID      string    `yaml:"id"`
	Title   string    `yaml:"title,omitempty"`
	Page    string    `yaml:"page,omitempty"`
	Tile    string    `yaml:"tile,omitempty"`
	X       float64   `yaml:"x"`
	Y       float64   `yaml:"y"`
	Object  string    `yaml:"object,omitempty"`
	Tags    []string  `yaml:"tags,omitempty"`
	Created time.Time `yaml:"created"`
	Updated time.Time `yaml:"updated"`
}

// Result holds a decoded note file.
type Result struct {
	Note  models.MarkdownNote
	Links []string
	Tags  []string
}

// Parse decodes a note file. id is used when the file has no frontmatter,
// for notes written by hand; malformed frontmatter is ErrFormatInvalid.
func Parse(id string, data []byte) (*Result, error) {
	block, body, ok := splitFrontmatter(data)
	fm := frontmatter{ID: id}
	if ok {
		if err := yaml.Unmarshal(block, &fm); err != nil {
			return nil, fmt.Errorf("parser: note %s: %v: %w", id, err, apperr.ErrFormatInvalid)
		}
		if fm.ID == "" {
			fm.ID = id
		}
	}

	n := models.MarkdownNote{
		ID:        fm.ID,
		Title:     fm.Title,
		Body:      body,
		ObjectID:  fm.Object,
		CreatedAt: fm.Created,
		UpdatedAt: fm.Updated,
		Anchor:    models.Anchor{PageID: fm.Page, Pos: models.Vec{X: fm.X, Y: fm.Y}},
	}
	if fm.Tile != "" {
		k, err := models.ParseTileKey(fm.Tile)
		if err != nil {
			return nil, fmt.Errorf("parser: note %s: %v: %w", id, err, apperr.ErrFormatInvalid)
		}
		n.Anchor.Tile = &k
	}
	if n.Title == "" {
		n.Title = deriveTitle(body)
	}
	return &Result{Note: n, Links: extractLinks(body), Tags: extractTags(body, fm.Tags)}, nil
}

// Format encodes n as a note file.
func Format(n models.MarkdownNote) ([]byte, error) {
	fm := frontmatter{
		ID:      n.ID,
		Title:   n.Title,
		Page:    n.Anchor.PageID,
		X:       n.Anchor.Pos.X,
		Y:       n.Anchor.Pos.Y,
		Object:  n.ObjectID,
		Created: n.CreatedAt.UTC(),
		Updated: n.UpdatedAt.UTC(),
	}
	if n.Anchor.Tile != nil {
		fm.Tile = n.Anchor.Tile.String()
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("parser: note %s: %w", n.ID, err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n")
	buf.WriteString(n.Body)
	return buf.Bytes(), nil
}

// Tags returns the inline #tags of a note body.
func Tags(body string) []string { return extractTags(body, nil) }

// splitFrontmatter separates a leading YAML block delimited by --- lines
// from the body.
func splitFrontmatter(data []byte) ([]byte, string, bool) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), false
	}
	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data), false
	}
	after := rest[idx+1+len(delim):]
	after = bytes.TrimPrefix(after, []byte("\r"))
	after = bytes.TrimPrefix(after, []byte("\n"))
	return rest[:idx], string(after), true
}

// extractLinks returns deduplicated wikilink targets; [[Target|Alias]]
// yields Target.
func extractLinks(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		target, _, _ := strings.Cut(m[1], "|")
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// extractTags merges frontmatter tags with inline #tags, first seen first.
func extractTags(body string, declared []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range declared {
		add(s)
	}
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return out
}

// deriveTitle returns the first H1 heading of body.
func deriveTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
