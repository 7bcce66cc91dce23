package retriever

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/tool"
)

func seed(t *testing.T, idx *MemoryIndex) {
	t.Helper()
	require.NoError(t, idx.Index(context.Background(), IndexRequest{Documents: []*Document{
		NewTextDocument("go", "Go is a programming language with goroutines and channels.", map[string]any{"lang": "en"}),
		NewTextDocument("rust", "Rust is a programming language focused on safety.", map[string]any{"lang": "en"}),
		NewTextDocument("chan", "Channels channels channels: Go concurrency.", map[string]any{"lang": "de"}),
	}}))
}

func TestMemoryIndexRanking(t *testing.T) {
	idx := NewMemoryIndex()
	seed(t, idx)
	assert.Equal(t, 3, idx.Len())

	resp, err := idx.Retrieve(context.Background(), RetrieveRequest{Query: "channels"})
	require.NoError(t, err)
	require.Len(t, resp.Documents, 2)
	assert.Equal(t, "chan", resp.Documents[0].Document.ID)
	assert.Greater(t, resp.Documents[0].Score, resp.Documents[1].Score)

	resp, err = idx.Retrieve(context.Background(), RetrieveRequest{Query: "programming language", K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Documents, 1)

	resp, err = idx.Retrieve(context.Background(), RetrieveRequest{Query: "GO", Filter: map[string]any{"lang": "de"}})
	require.NoError(t, err)
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, "chan", resp.Documents[0].Document.ID)

	resp, err = idx.Retrieve(context.Background(), RetrieveRequest{Query: "python"})
	require.NoError(t, err)
	assert.Empty(t, resp.Documents)
}

func TestMemoryIndexReplaceAndDelete(t *testing.T) {
	idx := NewMemoryIndex()
	seed(t, idx)

	require.NoError(t, idx.Index(context.Background(), IndexRequest{Documents: []*Document{
		NewTextDocument("rust", "Rust has channels too.", nil),
	}}))
	assert.Equal(t, 3, idx.Len())

	resp, err := idx.Retrieve(context.Background(), RetrieveRequest{Query: "safety"})
	require.NoError(t, err)
	assert.Empty(t, resp.Documents)

	assert.True(t, idx.Delete("rust"))
	assert.False(t, idx.Delete("rust"))
	assert.Equal(t, 2, idx.Len())

	anon := NewTextDocument("", "no id", nil)
	require.NoError(t, idx.Index(context.Background(), IndexRequest{Documents: []*Document{anon}}))
	assert.NotEmpty(t, anon.ID)
}

func TestDefineMemoryRetriever(t *testing.T) {
	r := core.NewRegistry()
	_, err := DefineMemoryRetriever(r, "docs")
	require.NoError(t, err)

	indexer, ok := r.LookupAction("/indexer/docs")
	require.True(t, ok)
	_, err = indexer.RunJSON(context.Background(), json.RawMessage(`{"documents":[{"id":"a","content":[{"kind":"text","text":"hello world"}]}]}`), nil)
	require.NoError(t, err)

	ret, ok := r.LookupAction("/retriever/docs")
	require.True(t, ok)
	res, err := ret.RunJSON(context.Background(), json.RawMessage(`{"query":"hello"}`), nil)
	require.NoError(t, err)

	var out RetrieveResponse
	require.NoError(t, json.Unmarshal(res.Result, &out))
	require.Len(t, out.Documents, 1)
	assert.Equal(t, "hello world", out.Documents[0].Document.Text())

	_, ok = LookupRetriever(r, "docs")
	assert.True(t, ok)
	_, ok = LookupIndexer(r, "docs")
	assert.True(t, ok)

	_, err = DefineMemoryRetriever(r, "docs")
	assert.Equal(t, core.StatusAlreadyExists, core.StatusOf(err))
}

func TestRetrieverTool(t *testing.T) {
	idx := NewMemoryIndex()
	seed(t, idx)
	tl := NewTool("search_docs", "Search the docs", idx)

	out, err := tl.Call(tool.NewToolContext(context.Background(), core.ToolRequest{Name: "search_docs"}, nil), map[string]any{"query": "safety"})
	require.NoError(t, err)
	hits := out.([]searchHit)
	require.Len(t, hits, 1)
	assert.Equal(t, "rust", hits[0].ID)
}
