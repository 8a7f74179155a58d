package handler

import (
	"net/http"

	"github.com/spadaval/graphchat-sub000/internal/documents"
	"github.com/spadaval/graphchat-sub000/internal/model"
)

// DocumentHandler lists the documents available for @-mentions.
type DocumentHandler struct {
	docs documents.Provider
}

// NewDocumentHandler creates a new document handler. docs may be nil.
func NewDocumentHandler(docs documents.Provider) *DocumentHandler {
	return &DocumentHandler{docs: docs}
}

type documentSummary struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Tags  []string `json:"tags,omitempty"`
}

// List handles GET /api/v1/documents
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	var all []model.Document
	if h.docs != nil {
		all = h.docs.All()
	}

	out := make([]documentSummary, 0, len(all))
	for _, d := range all {
		out = append(out, documentSummary{ID: d.ID, Title: d.Title, Tags: d.Tags})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": out,
	})
}
