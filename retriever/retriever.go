package retriever

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hupe1980/flowkit/core"
)

// DefaultK is the number of documents returned when a request sets none.
const DefaultK = 5

// Document is a unit of retrievable content.
type Document struct {
	ID       string
	Content  []core.Part
	Metadata map[string]any
}

// NewTextDocument creates a document with a single text part.
func NewTextDocument(id, text string, metadata map[string]any) *Document {
	return &Document{ID: id, Content: []core.Part{core.NewTextPart(text)}, Metadata: metadata}
}

// Text concatenates the text parts.
func (d *Document) Text() string {
	var b strings.Builder
	for _, p := range d.Content {
		if tp, ok := p.(core.TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

type documentJSON struct {
	ID       string            `json:"id,omitempty"`
	Content  []json.RawMessage `json:"content"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// MarshalJSON encodes parts with their kind discriminator.
func (d Document) MarshalJSON() ([]byte, error) {
	dj := documentJSON{ID: d.ID, Metadata: d.Metadata, Content: make([]json.RawMessage, 0, len(d.Content))}
	for _, p := range d.Content {
		b, err := core.MarshalPart(p)
		if err != nil {
			return nil, err
		}
		dj.Content = append(dj.Content, b)
	}
	return json.Marshal(dj)
}

// UnmarshalJSON decodes documents written by MarshalJSON.
func (d *Document) UnmarshalJSON(data []byte) error {
	var dj documentJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return err
	}
	d.ID = dj.ID
	d.Metadata = dj.Metadata
	d.Content = make([]core.Part, 0, len(dj.Content))
	for _, raw := range dj.Content {
		p, err := core.UnmarshalPart(raw)
		if err != nil {
			return err
		}
		d.Content = append(d.Content, p)
	}
	return nil
}

// IndexRequest adds documents to an index.
type IndexRequest struct {
	Documents []*Document `json:"documents"`
}

// RetrieveRequest queries an index.
type RetrieveRequest struct {
	Query string `json:"query"`
	// K defaults to DefaultK.
	K int `json:"k,omitempty"`
	// Filter keeps documents whose metadata contains every key/value.
	Filter map[string]any `json:"filter,omitempty"`
}

// ScoredDocument is a retrieval hit.
type ScoredDocument struct {
	Document *Document `json:"document"`
	Score    float64   `json:"score"`
}

// RetrieveResponse lists hits, best first.
type RetrieveResponse struct {
	Documents []ScoredDocument `json:"documents"`
}

// Indexer adds documents to a searchable index.
type Indexer interface {
	Index(ctx context.Context, req IndexRequest) error
}

// Retriever returns the documents most relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error)
}

// RetrieverAction is the registered form of a Retriever.
type RetrieverAction = core.ActionDef[RetrieveRequest, *RetrieveResponse, struct{}]

// IndexerAction is the registered form of an Indexer.
type IndexerAction = core.ActionDef[IndexRequest, struct{}, struct{}]

// DefineRetriever registers ret under /retriever/<name>.
func DefineRetriever(r *core.Registry, name string, ret Retriever) (*RetrieverAction, error) {
	a := core.NewAction(name, core.ActionTypeRetriever, ret.Retrieve)
	if err := r.RegisterAction(a); err != nil {
		return nil, err
	}
	r.RegisterValue("retriever", name, ret)
	return a, nil
}

// DefineIndexer registers idx under /indexer/<name>.
func DefineIndexer(r *core.Registry, name string, idx Indexer) (*IndexerAction, error) {
	a := core.NewAction(name, core.ActionTypeIndexer, func(ctx context.Context, req IndexRequest) (struct{}, error) {
		return struct{}{}, idx.Index(ctx, req)
	})
	if err := r.RegisterAction(a); err != nil {
		return nil, err
	}
	r.RegisterValue("indexer", name, idx)
	return a, nil
}

// LookupRetriever returns the retriever registered as name.
func LookupRetriever(r *core.Registry, name string) (Retriever, bool) {
	v, ok := r.LookupValue("retriever", name)
	if !ok {
		return nil, false
	}
	ret, ok := v.(Retriever)
	return ret, ok
}

// LookupIndexer returns the indexer registered as name.
func LookupIndexer(r *core.Registry, name string) (Indexer, bool) {
	v, ok := r.LookupValue("indexer", name)
	if !ok {
		return nil, false
	}
	idx, ok := v.(Indexer)
	return idx, ok
}
