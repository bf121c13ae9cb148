package models

// KnowledgeItem is one free-text entry of an agent's knowledge base.
type KnowledgeItem struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Enabled bool   `json:"enabled"`
}

// Document holds pre-chunked text with per-chunk embeddings, stored as plain
// data for portability. An external vector index may optionally be kept in
// sync by the retrieval collaborator.
type Document struct {
	Chunks     []string             `json:"chunks"`
	Embeddings map[string][]float64 `json:"embeddings,omitempty"`
}

// CloneDocuments deep-copies a document map.
func CloneDocuments(docs map[string]Document) map[string]Document {
	if docs == nil {
		return nil
	}
	out := make(map[string]Document, len(docs))
	for id, d := range docs {
		nd := Document{Chunks: append([]string(nil), d.Chunks...)}
		if d.Embeddings != nil {
			nd.Embeddings = make(map[string][]float64, len(d.Embeddings))
			for k, v := range d.Embeddings {
				nd.Embeddings[k] = append([]float64(nil), v...)
			}
		}
		out[id] = nd
	}
	return out
}
