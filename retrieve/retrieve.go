// Package retrieve provides ranked passage retrieval for research tasks.
// Two retrievers exist: a corpus retriever over the indexed document bucket
// and a web retriever that reads pages behind a search endpoint. Ranking is
// deliberately naive; the retrieval backend is an external collaborator and
// only its interface is load-bearing.
package retrieve

import "context"

// Passage is one ranked text passage returned for a query.
type Passage struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Retriever returns the topK passages for a query. Filters narrow the
// candidate set; supported keys depend on the implementation.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, filters map[string]string) ([]Passage, error)
}
