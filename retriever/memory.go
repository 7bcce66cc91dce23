package retriever

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/hupe1980/flowkit/core"
)

// MemoryIndex is a process-local Indexer and Retriever.
//
// Scoring: for every query term, term frequency in the document times the
// smoothed inverse document frequency log(1 + N/df). Documents that match
// no term are not returned. Ties are broken by id.
type MemoryIndex struct {
	mu    sync.RWMutex
	docs  map[string]*indexedDoc
	df    map[string]int
	order []string
}

type indexedDoc struct {
	doc   *Document
	terms map[string]int
	size  int
}

var (
	_ Indexer   = (*MemoryIndex)(nil)
	_ Retriever = (*MemoryIndex)(nil)
)

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: map[string]*indexedDoc{}, df: map[string]int{}}
}

// DefineMemoryRetriever creates a MemoryIndex and registers it as both
// /indexer/<name> and /retriever/<name>.
func DefineMemoryRetriever(r *core.Registry, name string) (*MemoryIndex, error) {
	idx := NewMemoryIndex()
	if _, err := DefineIndexer(r, name, idx); err != nil {
		return nil, err
	}
	if _, err := DefineRetriever(r, name, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// Index adds documents. A document without id gets a generated one; an
// existing id is replaced.
func (m *MemoryIndex) Index(_ context.Context, req IndexRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range req.Documents {
		if d == nil {
			continue
		}
		if d.ID == "" {
			d.ID = core.NewID()
		}
		m.deleteLocked(d.ID)

		terms := map[string]int{}
		size := 0
		for _, t := range tokenize(d.Text()) {
			terms[t]++
			size++
		}
		for t := range terms {
			m.df[t]++
		}
		m.docs[d.ID] = &indexedDoc{doc: d, terms: terms, size: size}
		m.order = append(m.order, d.ID)
	}
	return nil
}

// Delete removes a document and reports whether it existed.
func (m *MemoryIndex) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *MemoryIndex) deleteLocked(id string) bool {
	d, ok := m.docs[id]
	if !ok {
		return false
	}
	for t := range d.terms {
		if m.df[t]--; m.df[t] <= 0 {
			delete(m.df, t)
		}
	}
	delete(m.docs, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of indexed documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Retrieve returns the top K documents for the query.
func (m *MemoryIndex) Retrieve(_ context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	k := req.K
	if k <= 0 {
		k = DefaultK
	}
	query := tokenize(req.Query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := float64(len(m.docs))
	var hits []ScoredDocument
	for _, id := range m.order {
		d := m.docs[id]
		if !matchesFilter(d.doc.Metadata, req.Filter) {
			continue
		}
		score := 0.0
		for _, q := range query {
			tf := d.terms[q]
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + n/float64(m.df[q]))
			score += float64(tf) / float64(d.size) * idf
		}
		if score == 0 {
			continue
		}
		hits = append(hits, ScoredDocument{Document: d.doc, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Document.ID < hits[j].Document.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return &RetrieveResponse{Documents: hits}, nil
}

func matchesFilter(md, filter map[string]any) bool {
	for k, v := range filter {
		if md[k] != v {
			return false
		}
	}
	return true
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
