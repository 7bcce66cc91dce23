package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentJSONPreservesPartKinds(t *testing.T) {
	in := Content{
		Role: RoleModel,
		Parts: []Part{
			TextPart{Text: "checking"},
			NewToolRequestPart("c1", "weather", map[string]any{"city": "Berlin"}),
			NewMediaPart("image/png", "https://example.com/a.png"),
			NewDataPart(map[string]any{"k": "v"}),
		},
	}

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Content
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
	assert.Equal(t, "checking", out.Text())
	require.Len(t, out.ToolRequests(), 1)
	assert.Equal(t, "weather", out.ToolRequests()[0].Name)
}

func TestContentToolResponses(t *testing.T) {
	c := NewContent(RoleTool, NewToolResponsePart("c1", "weather", "sunny"))
	require.Len(t, c.ToolResponses(), 1)
	assert.Equal(t, "sunny", c.ToolResponses()[0].Output)
}

func TestUnmarshalUnknownPartKind(t *testing.T) {
	var c Content
	err := json.Unmarshal([]byte(`{"role":"user","content":[{"kind":"hologram"}]}`), &c)
	assert.ErrorContains(t, err, "hologram")
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusOK, StatusOf(nil))
	assert.Equal(t, StatusCancelled, StatusOf(context.Canceled))
	assert.Equal(t, StatusDeadlineExceeded, StatusOf(context.DeadlineExceeded))
	assert.Equal(t, StatusInternal, StatusOf(errors.New("x")))
	assert.Equal(t, StatusNotFound, StatusOf(NewError(StatusNotFound, "missing %s", "a")))

	wrapped := WrapError(StatusUnavailable, context.Canceled, "dial")
	assert.ErrorIs(t, wrapped, context.Canceled)
	assert.Equal(t, StatusUnavailable, StatusOf(wrapped))
}

func TestStatusHTTPCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusNotFound.HTTPCode())
	assert.Equal(t, http.StatusBadRequest, StatusInvalidArgument.HTTPCode())
	assert.Equal(t, 499, StatusCancelled.HTTPCode())
	assert.Equal(t, http.StatusInternalServerError, StatusUnknown.HTTPCode())
}

func TestErrorWithDetailCopies(t *testing.T) {
	base := NewError(StatusInternal, "x")
	withTrace := base.WithDetail("traceId", "t1")
	assert.Nil(t, base.Details)
	assert.Equal(t, "t1", withTrace.Details["traceId"])
}

func TestActionContextMerges(t *testing.T) {
	ctx := WithActionContext(context.Background(), ActionContext{"a": "1"})
	ctx = WithActionContext(ctx, ActionContext{"b": "2"})
	ac := ActionContextFrom(ctx)
	assert.Equal(t, "1", ac.String("a"))
	assert.Equal(t, "2", ac.String("b"))
}
