package elements

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRaw() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"tag_name":    "a",
			"$el_text":    "Sign up",
			"attr__href":  "/signup",
			"attr__id":    "cta",
			"attr__class": "btn btn-primary",
			"nth_child":   float64(2),
			"nth_of_type": float64(1),
		},
		{
			"tag_name":         "div",
			"attr__class":      "container",
			"attr__data-track": "hero",
			"nth_child":        float64(1),
			"nth_of_type":      float64(1),
		},
	}
}

func TestExtract(t *testing.T) {
	els := Extract(sampleRaw())
	require.Len(t, els, 2)

	assert.Equal(t, "a", els[0].TagName)
	assert.Equal(t, "Sign up", els[0].Text)
	assert.Equal(t, "/signup", els[0].Href)
	assert.Equal(t, "cta", els[0].AttrID)
	assert.Equal(t, []string{"btn", "btn-primary"}, els[0].AttrClass)
	assert.Equal(t, 2, els[0].NthChild)
	assert.Equal(t, 0, els[0].Order)

	assert.Equal(t, "div", els[1].TagName)
	assert.Equal(t, "hero", els[1].Attributes["data-track"])
	assert.Equal(t, 1, els[1].Order)
}

func TestExtract_TruncatesLongText(t *testing.T) {
	raw := []map[string]interface{}{
		{"tag_name": "p", "$el_text": strings.Repeat("x", 1000)},
	}
	els := Extract(raw)
	require.Len(t, els, 1)
	assert.Len(t, els[0].Text, maxTextLength)
}

func TestExtract_TruncationKeepsValidUTF8(t *testing.T) {
	// 200 three-byte runes: the 400-byte cap lands mid-rune, so the cut backs
	// off to the previous rune boundary at 399.
	raw := []map[string]interface{}{
		{"tag_name": "p", "$el_text": strings.Repeat("€", 200)},
	}
	els := Extract(raw)
	require.Len(t, els, 1)
	assert.Len(t, els[0].Text, maxTextLength-1)
	assert.True(t, utf8.ValidString(els[0].Text))
}

func TestChainString_Stable(t *testing.T) {
	els := Extract(sampleRaw())
	first := ChainString(els)
	second := ChainString(els)
	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "a.btn.btn-primary:"))
	assert.Contains(t, first, `href="/signup"`)
	assert.Contains(t, first, `text="Sign up"`)
	assert.Contains(t, first, ";div.container:")
}

func TestChainString_EscapesQuotes(t *testing.T) {
	els := Extract([]map[string]interface{}{
		{"tag_name": "button", "$el_text": `say "hi"`},
	})
	chain := ChainString(els)
	assert.Contains(t, chain, `text="say \"hi\""`)
}

func TestHash_PureFunction(t *testing.T) {
	a := Extract(sampleRaw())
	b := Extract(sampleRaw())
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHash_SensitiveToOrder(t *testing.T) {
	raw := sampleRaw()
	a := Extract(raw)

	reversed := []map[string]interface{}{raw[1], raw[0]}
	b := Extract(reversed)

	assert.NotEqual(t, Hash(a), Hash(b))
}

func TestHash_EmptyList(t *testing.T) {
	assert.Equal(t, Hash(nil), Hash([]Element{}))
}
