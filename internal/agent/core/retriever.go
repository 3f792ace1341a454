package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/openscribe/fhirlink/internal/helpers"
	"github.com/openscribe/fhirlink/utils"
)

const docHeaderFormat = "--- URL: %s ---\n"

// RetrieverConfig bounds retrieval fan-out and corpus size.
type RetrieverConfig struct {
	TopK         int           // results kept per query, provider order
	MaxDocs      int           // fetch cap across all queries
	PerDocChars  int           // per-document budget inside the corpus
	CorpusChars  int           // hard corpus budget
	FetchTimeout time.Duration // independent timeout per URL
	Concurrency  int           // worker cap for per-URL fetches
}

func (c *RetrieverConfig) normalize() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MaxDocs <= 0 {
		c.MaxDocs = 10
	}
	if c.PerDocChars <= 0 {
		c.PerDocChars = 15000
	}
	if c.CorpusChars <= 0 {
		c.CorpusChars = 100000
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// DocumentRetriever runs the search provider over planned queries and fans
// the fetch provider out over the surviving URLs. Per-URL failures are
// logged and skipped; the batch never aborts.
type DocumentRetriever struct {
	searcher SearchProvider
	fetcher  FetchProvider
	cache    DocCache // optional
	cfg      RetrieverConfig
	logger   *log.Logger
}

// RetrievalResult is the aggregate corpus plus the sources that made it in.
type RetrievalResult struct {
	Corpus string
	URLs   []string
	Docs   []Document
}

func NewDocumentRetriever(searcher SearchProvider, fetcher FetchProvider, cache DocCache, cfg RetrieverConfig) *DocumentRetriever {
	cfg.normalize()
	return &DocumentRetriever{
		searcher: searcher,
		fetcher:  fetcher,
		cache:    cache,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[RETRIEVER] ", log.LstdFlags),
	}
}

// Retrieve aggregates documentation text for the queries. An empty corpus
// is a degraded mode, not an error: synthesis decides what to do with it.
func (r *DocumentRetriever) Retrieve(ctx context.Context, queries []string) RetrievalResult {
	urls := r.collectURLs(ctx, queries)
	if len(urls) == 0 {
		r.logger.Printf("no documentation URLs found for %d queries", len(queries))
		return RetrievalResult{}
	}

	texts := r.fetchAll(ctx, urls)
	return r.assemble(urls, texts)
}

// collectURLs keeps the provider's own ordering per query and deduplicates
// across queries on canonical form, first seen wins.
func (r *DocumentRetriever) collectURLs(ctx context.Context, queries []string) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, q := range queries {
		results, err := r.searcher.Search(ctx, q)
		if err != nil {
			// provider errors count as empty results
			r.logger.Printf("search %q failed: %v", q, err)
			continue
		}
		kept := 0
		for _, res := range results {
			if kept >= r.cfg.TopK {
				break
			}
			kept++
			key, err := helpers.CanonicalURL(res.URL)
			if err != nil {
				key = res.URL
			}
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			urls = append(urls, res.URL)
			if len(urls) >= r.cfg.MaxDocs {
				return urls
			}
		}
	}
	return urls
}

// fetchAll fans out over the URLs with a bounded worker cap. Results come
// back positionally so corpus assembly stays deterministic.
func (r *DocumentRetriever) fetchAll(ctx context.Context, urls []string) []string {
	texts := make([]string, len(urls))
	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, u string) {
			defer wg.Done()
			defer func() { <-sem }()
			texts[i] = r.fetchOne(ctx, u)
		}(i, u)
	}
	wg.Wait()
	return texts
}

func (r *DocumentRetriever) fetchOne(ctx context.Context, url string) string {
	if r.cache != nil {
		if text, ok := r.cache.Get(ctx, url); ok {
			return text
		}
	}

	fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	text, err := r.fetcher.Fetch(fctx, url)
	if err != nil {
		r.logger.Printf("skipping %s: %v", url, err)
		return ""
	}
	if strings.TrimSpace(text) == "" {
		r.logger.Printf("skipping %s: empty document", url)
		return ""
	}
	if r.cache != nil {
		r.cache.Set(ctx, url, text)
	}
	return text
}

// assemble concatenates fetched documents under URL headers, truncating any
// document tail that would blow the per-doc or corpus budget.
func (r *DocumentRetriever) assemble(urls []string, texts []string) RetrievalResult {
	var (
		b      strings.Builder
		result RetrievalResult
	)
	for i, text := range texts {
		if text == "" {
			continue
		}
		header := fmt.Sprintf(docHeaderFormat, urls[i])
		doc := utils.Truncate(text, r.cfg.PerDocChars, "\n... [truncated]")

		remaining := r.cfg.CorpusChars - b.Len() - len(header) - 2
		if remaining <= 0 {
			break
		}
		if len(doc) > remaining {
			doc = utils.Truncate(doc, remaining, "")
		}
		b.WriteString(header)
		b.WriteString(doc)
		b.WriteString("\n\n")
		result.URLs = append(result.URLs, urls[i])
		result.Docs = append(result.Docs, Document{URL: urls[i], Text: doc})
	}
	result.Corpus = b.String()
	r.logger.Printf("assembled corpus: %d chars from %d/%d documents", len(result.Corpus), len(result.URLs), len(urls))
	return result
}
