package model

// Document is a context source that can be injected into a prompt.
type Document struct {
	ID      string   `json:"id" yaml:"id"`
	Title   string   `json:"title" yaml:"title"`
	Content string   `json:"content" yaml:"-"`
	Tags    []string `json:"tags,omitempty" yaml:"tags"`
}
