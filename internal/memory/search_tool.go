package memory

import (
	"context"
	"encoding/json"

	"github.com/shipd/ship/internal/tools"
)

// SearchTool exposes the index to the model as memory_search. The context id
// comes from the request in ctx, so the model can only search its own
// conversation.
type SearchTool struct {
	index *Index
}

func NewSearchTool(index *Index) *SearchTool { return &SearchTool{index: index} }

func (t *SearchTool) Name() string { return "memory_search" }
func (t *SearchTool) Description() string {
	return "Search earlier messages of this conversation, including compacted history"
}
func (t *SearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Substring to search for",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum hits to return, default 10",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	query, _ := args["query"].(string)
	if query == "" {
		return tools.ErrorResult("query is required")
	}
	limit := 10
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}

	req := tools.RequestFromCtx(ctx)
	if req.ContextID == "" {
		return tools.ErrorResult("no conversation context")
	}

	entries, err := t.index.Search(req.ContextID, query, limit)
	if err != nil {
		return tools.ErrorResult("memory search failed: " + err.Error())
	}
	if len(entries) == 0 {
		return tools.SilentResult("no matches")
	}
	data, _ := json.Marshal(entries)
	return tools.SilentResult(string(data))
}
