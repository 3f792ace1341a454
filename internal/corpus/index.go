package corpus

import (
	"fmt"
	"log"
	"strings"

	"github.com/blevesearch/bleve"
)

const defaultPassageChars = 1200

// Passage is one indexed slice of a retrieved document.
type Passage struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// Index is an in-memory passage index over one run's retrieved corpus. It
// lets critique and replan prompts pull the few passages most relevant to
// an observed failure instead of replaying the whole corpus.
type Index struct {
	idx    bleve.Index
	logger *log.Logger
}

func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating passage index: %w", err)
	}
	return &Index{
		idx:    idx,
		logger: log.New(log.Writer(), "[CORPUS] ", log.LstdFlags),
	}, nil
}

// Add splits a document into fixed-size passages and indexes each one.
func (i *Index) Add(url, text string) error {
	n := 0
	for start := 0; start < len(text); start += defaultPassageChars {
		end := start + defaultPassageChars
		if end > len(text) {
			end = len(text)
		}
		id := fmt.Sprintf("%s#%d", url, n)
		if err := i.idx.Index(id, Passage{URL: url, Text: text[start:end]}); err != nil {
			return fmt.Errorf("indexing passage %s: %w", id, err)
		}
		n++
	}
	return nil
}

// Excerpts returns the highest scoring passages for the query, each
// prefixed with its source URL. Search problems degrade to no excerpts.
func (i *Index) Excerpts(query string, limit int) []string {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if limit <= 0 {
		limit = 3
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), limit, 0, false)
	req.Fields = []string{"url", "text"}
	res, err := i.idx.Search(req)
	if err != nil {
		i.logger.Printf("passage search failed: %v", err)
		return nil
	}
	var out []string
	for _, hit := range res.Hits {
		url, _ := hit.Fields["url"].(string)
		text, _ := hit.Fields["text"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, fmt.Sprintf("[%s] %s", url, text))
	}
	return out
}

func (i *Index) Close() error { return i.idx.Close() }
