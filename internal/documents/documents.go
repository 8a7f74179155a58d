// Package documents provides the context documents users can mention in
// messages.
package documents

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/spadaval/graphchat-sub000/internal/model"
)

// Provider looks up documents.
type Provider interface {
	All() []model.Document
	Get(id string) (model.Document, bool)
}

// MemoryProvider is an in-memory Provider.
type MemoryProvider struct {
	mu   sync.RWMutex
	docs map[string]model.Document
}

// NewMemoryProvider creates a provider holding docs.
func NewMemoryProvider(docs ...model.Document) *MemoryProvider {
	p := &MemoryProvider{docs: make(map[string]model.Document, len(docs))}
	for _, d := range docs {
		p.docs[d.ID] = d
	}
	return p
}

// Put adds or replaces a document.
func (p *MemoryProvider) Put(doc model.Document) {
	p.mu.Lock()
	p.docs[doc.ID] = doc
	p.mu.Unlock()
}

// All returns every document sorted by title.
func (p *MemoryProvider) All() []model.Document {
	p.mu.RLock()
	out := make([]model.Document, 0, len(p.docs))
	for _, d := range p.docs {
		out = append(out, d)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the document with the given id.
func (p *MemoryProvider) Get(id string) (model.Document, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.docs[id]
	return d, ok
}

var frontMatterSep = []byte("---")

// LoadDir reads every *.md file in dir. The file name (without extension)
// is the document id; optional YAML front matter sets title and tags.
func LoadDir(dir string) (*MemoryProvider, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	p := NewMemoryProvider()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		doc, err := Parse(strings.TrimSuffix(filepath.Base(path), ".md"), data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		p.Put(doc)
	}
	return p, nil
}

// Parse builds a document from markdown with optional front matter.
func Parse(id string, data []byte) (model.Document, error) {
	doc := model.Document{ID: id, Title: id}

	body := data
	trimmed := bytes.TrimPrefix(data, []byte("\ufeff"))
	if bytes.HasPrefix(trimmed, frontMatterSep) {
		rest := trimmed[len(frontMatterSep):]
		if end := bytes.Index(rest, []byte("\n---")); end >= 0 {
			if err := yaml.Unmarshal(rest[:end], &doc); err != nil {
				return model.Document{}, fmt.Errorf("invalid front matter: %w", err)
			}
			body = rest[end+len("\n---"):]
		}
	}

	// Front matter may not override the file-derived id.
	doc.ID = id
	if doc.Title == "" {
		doc.Title = id
	}
	doc.Content = strings.TrimSpace(string(body))
	return doc, nil
}

var (
	titleMention = regexp.MustCompile(`@\[([^\]]+)\]`)
	idMention    = regexp.MustCompile(`@doc:([A-Za-z0-9_.\-]+)`)
)

// Resolve returns the documents referenced by mentions in text plus the
// explicit ids, in first-reference order without duplicates. Unknown
// references are ignored.
func Resolve(p Provider, text string, ids []string) []model.Document {
	if p == nil {
		return nil
	}

	var out []model.Document
	seen := make(map[string]bool)
	add := func(d model.Document) {
		if !seen[d.ID] {
			seen[d.ID] = true
			out = append(out, d)
		}
	}

	for _, id := range ids {
		if d, ok := p.Get(id); ok {
			add(d)
		}
	}

	byTitle := make(map[string]model.Document)
	for _, m := range titleMention.FindAllStringSubmatch(text, -1) {
		if len(byTitle) == 0 {
			for _, d := range p.All() {
				byTitle[strings.ToLower(d.Title)] = d
			}
		}
		if d, ok := byTitle[strings.ToLower(strings.TrimSpace(m[1]))]; ok {
			add(d)
		}
	}

	for _, m := range idMention.FindAllStringSubmatch(text, -1) {
		if d, ok := p.Get(m[1]); ok {
			add(d)
		}
	}
	return out
}

// ContextPrompt renders documents into the system prompt text, or "" when
// there are none.
func ContextPrompt(docs []model.Document) string {
	if len(docs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Use the following documents as context:\n")
	for _, d := range docs {
		sb.WriteString("\n### ")
		sb.WriteString(d.Title)
		sb.WriteString("\n")
		sb.WriteString(d.Content)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
