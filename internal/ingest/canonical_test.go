package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/apperr"
)

func TestCanonicalize_KeyOrderAndWhitespace(t *testing.T) {
	a, _, err := Canonicalize([]byte(`{"b": 1, "a": {"y": true, "x": "s"}}`))
	require.NoError(t, err)
	b, _, err := Canonicalize([]byte("{\n  \"a\": {\"x\": \"s\", \"y\": true},\n  \"b\": 1\n}"))
	require.NoError(t, err)

	assert.Equal(t, `{"a":{"x":"s","y":true},"b":1}`, string(a))
	assert.Equal(t, a, b)
	assert.Equal(t, ContentHash(a), ContentHash(b))
}

func TestCanonicalize_PreservesNumbersAndHTML(t *testing.T) {
	out, obj, err := Canonicalize([]byte(`{"price": 12.50, "big": 12345678901234567890, "name": "Tank <60L> & co"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567890,"name":"Tank <60L> & co","price":12.50}`, string(out))
	assert.Contains(t, obj, "price")
}

func TestCanonicalize_ArrayOrderMatters(t *testing.T) {
	a, _, err := Canonicalize([]byte(`{"tags":["a","b"]}`))
	require.NoError(t, err)
	b, _, err := Canonicalize([]byte(`{"tags":["b","a"]}`))
	require.NoError(t, err)
	assert.NotEqual(t, ContentHash(a), ContentHash(b))
}

func TestCanonicalize_Rejects(t *testing.T) {
	for _, raw := range []string{``, `null`, `[1,2]`, `"x"`, `{"a":1} {"b":2}`, `{"a":`} {
		_, _, err := Canonicalize([]byte(raw))
		require.Error(t, err, raw)
		assert.True(t, apperr.IsValidation(err), raw)
	}
}

func TestContentHash(t *testing.T) {
	h := ContentHash([]byte(`{}`))
	assert.Len(t, h, 64)
	assert.Equal(t, "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a", h)
}
