package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mango": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mango":3,"zebra":1}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"op": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"op":"a<b>&c"}`, string(out))
}

func TestJCSRespectsStructTags(t *testing.T) {
	type record struct {
		B string `json:"b"`
		A string `json:"a"`
		C string `json:"-"`
	}
	out, err := JCS(record{B: "2", A: "1", C: "hidden"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(out))
}

func TestCanonicalHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]interface{}{"a": 1, "b": "x"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]interface{}{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalHashDiffersOnContent(t *testing.T) {
	h1, err := CanonicalHash(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]interface{}{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestJCSRejectsUnmarshalable(t *testing.T) {
	_, err := JCS(make(chan int))
	assert.Error(t, err)
}
