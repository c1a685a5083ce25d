// Package skills loads markdown skill files and exposes them as a catalog
// and a use_skill tool.
//
// A skill is one <sandbox>/skills/<name>.md file. The first heading becomes
// the title and the first paragraph the summary; both feed tool descriptions
// and the capabilities summary. Agents pull the full body on demand through
// use_skill, or statically via a manifest uses_skills list.
package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/yodoca/yodoca"
)

// Skill is one loaded skill file.
type Skill struct {
	Name    string // file stem, e.g. "code-review" for code-review.md
	Title   string // first heading text; falls back to Name
	Summary string // first paragraph text
	Body    string // full file content
	Path    string
}

// Registry holds the loaded skills in filename order.
type Registry struct {
	skills map[string]Skill
	order  []string
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Load scans dir for *.md files. A missing directory yields an empty
// registry; unreadable files are logged and skipped.
func Load(dir string, opts ...Option) (*Registry, error) {
	r := &Registry{
		skills: make(map[string]Skill),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("scan skills dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("skipping unreadable skill file", "path", path, "error", err)
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".md")
		title, summary := extract(data)
		if title == "" {
			title = name
		}

		r.skills[name] = Skill{
			Name:    name,
			Title:   title,
			Summary: summary,
			Body:    string(data),
			Path:    path,
		}
		r.order = append(r.order, name)
		r.logger.Debug("loaded skill", "name", name, "title", title)
	}

	return r, nil
}

// Get returns the skill registered under name.
func (r *Registry) Get(name string) (Skill, bool) {
	s, ok := r.skills[name]
	return s, ok
}

// List returns the skills in filename order.
func (r *Registry) List() []Skill {
	out := make([]Skill, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.skills[name])
	}
	return out
}

// Names returns the skill names in filename order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Catalog renders one "- name: summary" line per skill, for capability
// summaries and tool descriptions. Empty registries render "(none)".
func (r *Registry) Catalog() string {
	if len(r.order) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, name := range r.order {
		s := r.skills[name]
		sb.WriteString("- ")
		sb.WriteString(s.Name)
		if s.Summary != "" {
			sb.WriteString(": ")
			sb.WriteString(s.Summary)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Instructions appends the named skills' bodies to base. Unknown names are
// logged and skipped; the loader resolves manifest uses_skills through this.
func (r *Registry) Instructions(base string, names []string) string {
	var sb strings.Builder
	sb.WriteString(base)
	for _, name := range names {
		s, ok := r.skills[name]
		if !ok {
			r.logger.Warn("uses_skills names unknown skill", "name", name)
			continue
		}
		sb.WriteString("\n\n## Skill: ")
		sb.WriteString(s.Title)
		sb.WriteString("\n\n")
		sb.WriteString(s.Body)
	}
	return sb.String()
}

// Tool returns the use_skill tool over this registry.
func (r *Registry) Tool() yodoca.Tool {
	params := json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Skill name"}},"required":["name"]}`)
	desc := "Load the full instructions of a named skill. Available skills:\n" + r.Catalog()

	return yodoca.NewFuncTool("use_skill", desc, params,
		func(_ context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return yodoca.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
			}
			s, ok := r.Get(in.Name)
			if !ok {
				return yodoca.ToolResult{Error: fmt.Sprintf("unknown skill %q (available: %s)", in.Name, strings.Join(r.Names(), ", "))}, nil
			}
			return yodoca.ToolResult{Content: s.Body}, nil
		})
}

// extract parses source as markdown and pulls the first heading text and
// first paragraph text from the document's top level.
func extract(source []byte) (title, summary string) {
	gm := goldmark.New()
	doc := gm.Parser().Parse(text.NewReader(source))

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch n.Kind() {
		case ast.KindHeading:
			if title == "" {
				title = nodeText(n, source)
			}
		case ast.KindParagraph:
			if summary == "" {
				summary = nodeText(n, source)
			}
		}
		if title != "" && summary != "" {
			break
		}
	}
	return title, summary
}

// nodeText collects the plain text under n, joining soft line breaks with
// spaces.
func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := child.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
