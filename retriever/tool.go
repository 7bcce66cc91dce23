package retriever

import (
	"github.com/hupe1980/flowkit/tool"
)

type searchArgs struct {
	Query string `json:"query" description:"What to search for"`
	K     int    `json:"k,omitempty" description:"Maximum number of documents"`
}

type searchHit struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// NewTool exposes ret as a tool so models can search it.
func NewTool(name, description string, ret Retriever) tool.Tool {
	return tool.NewTypedTool(name, description, func(tc *tool.ToolContext, args searchArgs) ([]searchHit, error) {
		resp, err := ret.Retrieve(tc.Context(), RetrieveRequest{Query: args.Query, K: args.K})
		if err != nil {
			return nil, err
		}
		hits := make([]searchHit, 0, len(resp.Documents))
		for _, d := range resp.Documents {
			hits = append(hits, searchHit{ID: d.Document.ID, Text: d.Document.Text(), Score: d.Score})
		}
		return hits, nil
	})
}
