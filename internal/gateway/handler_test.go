package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute_HandlerFor(t *testing.T) {
	get := func(context.Context, *Request) (*Response, error) { return nil, nil }
	post := func(context.Context, *Request) (*Response, error) { return nil, nil }
	rt := &Route{GET: get, POST: post}

	assert.NotNil(t, rt.handlerFor(http.MethodGet))
	assert.NotNil(t, rt.handlerFor(http.MethodPost))
	assert.Nil(t, rt.handlerFor(http.MethodDelete))
	assert.Nil(t, rt.handlerFor("BREW"))
}

func TestRoute_LegacyServesAllMethods(t *testing.T) {
	rt := &Route{Legacy: func(req *Request, res *ResponseBuilder) {
		res.Text("legacy")
	}}

	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		h := rt.handlerFor(m)
		require.NotNil(t, h, m)
		resp, err := h(context.Background(), &Request{Method: m})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []byte("legacy"), resp.Body)
	}
}

func TestResponseBuilder_Defaults(t *testing.T) {
	b := NewResponseBuilder()
	resp := b.build()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "zero status defaults to 200")
	assert.Empty(t, resp.Body)
}

func TestResponseBuilder_Chaining(t *testing.T) {
	resp := NewResponseBuilder().
		Status(http.StatusAccepted).
		Header("X-Custom", "v").
		JSON(map[string]int{"n": 1}).
		build()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "v", resp.Header.Get("X-Custom"))
	assert.JSONEq(t, `{"n":1}`, string(resp.Body))
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestJSONHelper(t *testing.T) {
	resp := JSON(http.StatusCreated, map[string]string{"a": "b"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"a":"b"}`, string(resp.Body))

	// Unserializable values degrade to a safe 500.
	resp = JSON(http.StatusOK, make(chan int))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestSanitizeValue_Strings(t *testing.T) {
	assert.Equal(t, "scriptalert", sanitizeValue("<script>alert</script>").(string)[:11])
	assert.Equal(t, "plain", sanitizeValue("plain"))

	long := strings.Repeat("a", maxStringLen+50)
	assert.Len(t, sanitizeValue(long), maxStringLen)
}

func TestSanitizeValue_NestedStructures(t *testing.T) {
	longKey := strings.Repeat("k", maxKeyLen+10)
	in := map[string]any{
		longKey: "<b>bold</b>",
		"list":  []any{"<i>", 42.0, map[string]any{"inner": "<x>"}},
		"num":   7.0,
	}

	out := sanitizeValue(in).(map[string]any)

	_, hasLong := out[longKey]
	assert.False(t, hasLong, "long keys are truncated")
	assert.Equal(t, "bbold/b", out[longKey[:maxKeyLen]])

	list := out["list"].([]any)
	assert.Equal(t, "i", list[0])
	assert.Equal(t, 42.0, list[1])
	assert.Equal(t, "x", list[2].(map[string]any)["inner"])
	assert.Equal(t, 7.0, out["num"])
}
