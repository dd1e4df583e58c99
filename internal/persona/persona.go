// Package persona loads the profile of the person the chatbot speaks
// for: a display name, a free-text summary, and a professional history
// extracted from a CV or LinkedIn export.
package persona

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/youngjulesverne/rafael-chatbot/internal/config"
)

// Profile is read once at startup and never modified.
type Profile struct {
	Name    string
	Summary string
	History string
}

// Load reads the summary and history documents named in cfg. Markdown
// files (.md, .markdown) are flattened to plain text. A missing
// history file is tolerated; a missing summary is not.
func Load(cfg config.PersonaConfig) (*Profile, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("persona name is required")
	}

	summary, err := readDocument(cfg.SummaryFile)
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}

	history, err := readDocument(cfg.ProfileFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	return &Profile{
		Name:    strings.TrimSpace(cfg.Name),
		Summary: summary,
		History: history,
	}, nil
}

func readDocument(path string) (string, error) {
	if path == "" {
		return "", os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return MarkdownToText(data), nil
	default:
		return strings.TrimSpace(string(data)), nil
	}
}

// Text returns the summary and history as one blob, the form the
// prompt builder consumes.
func (p *Profile) Text() string {
	var b strings.Builder
	b.WriteString(p.Summary)
	if p.History != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p.History)
	}
	return b.String()
}

// MarkdownToText strips markdown formatting, keeping the words and the
// paragraph structure. Link targets are dropped; link text is kept.
func MarkdownToText(src []byte) string {
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.(type) {
			case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
				buf.WriteString("\n")
				if _, inList := n.Parent().(*ast.ListItem); !inList {
					buf.WriteString("\n")
				}
			case *ast.List:
				buf.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.ListItem:
			buf.WriteString("- ")
		case *ast.Text:
			buf.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteString("\n")
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.AutoLink:
			buf.Write(node.URL(src))
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			buf.WriteString("\n")
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return collapseBlankLines(buf.String())
}

func collapseBlankLines(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
