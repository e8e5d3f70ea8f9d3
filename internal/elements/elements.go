// Package elements normalizes the $elements payload attached to autocaptured
// UI events into element rows and a deterministic chain string. The chain is
// what action matching runs against downstream; the hash content-addresses an
// element list so identical DOM paths share one stored group per team.
package elements

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	maxTextLength    = 400
	maxHrefLength    = 2048
	maxTagNameLength = 1000
)

// Element is one node of a captured DOM path, outermost last.
type Element struct {
	TagName    string
	Text       string
	Href       string
	AttrID     string
	AttrClass  []string
	NthChild   int
	NthOfType  int
	Attributes map[string]string
	Order      int
}

// Extract converts the raw $elements array into normalized element rows.
// Unknown keys land in Attributes; order is the array order.
func Extract(raw []map[string]interface{}) []Element {
	els := make([]Element, 0, len(raw))
	for i, item := range raw {
		el := Element{
			Order:      i,
			Attributes: map[string]string{},
		}
		for key, value := range item {
			switch key {
			case "tag_name":
				el.TagName = truncate(toString(value), maxTagNameLength)
			case "$el_text", "text":
				el.Text = truncate(toString(value), maxTextLength)
			case "attr__href", "href":
				el.Href = truncate(toString(value), maxHrefLength)
			case "attr__id":
				el.AttrID = toString(value)
			case "attr__class":
				el.AttrClass = splitClasses(value)
			case "nth_child", "nth-child":
				el.NthChild = toInt(value)
			case "nth_of_type", "nth-of-type":
				el.NthOfType = toInt(value)
			default:
				if strings.HasPrefix(key, "attr__") {
					el.Attributes[strings.TrimPrefix(key, "attr__")] = toString(value)
				} else if key == "attributes" {
					if m, ok := value.(map[string]interface{}); ok {
						for k, v := range m {
							el.Attributes[strings.TrimPrefix(k, "attr__")] = toString(v)
						}
					}
				}
			}
		}
		els = append(els, el)
	}
	return els
}

// ChainString serializes an element list into the stable chain form:
// tag.class1.class2:key="value"... entries joined by ";". Attribute keys are
// sorted so the chain is a pure function of the element list.
func ChainString(els []Element) string {
	parts := make([]string, 0, len(els))
	for _, el := range els {
		var b strings.Builder
		if el.TagName != "" {
			b.WriteString(el.TagName)
		}
		for _, class := range el.AttrClass {
			b.WriteString(".")
			b.WriteString(class)
		}
		b.WriteString(":")

		attrs := map[string]string{}
		for k, v := range el.Attributes {
			attrs[k] = v
		}
		if el.Text != "" {
			attrs["text"] = el.Text
		}
		if el.Href != "" {
			attrs["href"] = el.Href
		}
		if el.AttrID != "" {
			attrs["attr_id"] = el.AttrID
		}
		attrs["nth-child"] = fmt.Sprintf("%d", el.NthChild)
		attrs["nth-of-type"] = fmt.Sprintf("%d", el.NthOfType)

		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(escape(k))
			b.WriteString(`="`)
			b.WriteString(escape(attrs[k]))
			b.WriteString(`"`)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ";")
}

// Hash fingerprints an element list for content-addressed storage. Same list,
// same hash; (team_id, hash) is unique in posthog_elementgroup.
func Hash(els []Element) string {
	sum := sha256.Sum256([]byte(ChainString(els)))
	return hex.EncodeToString(sum[:])
}

func escape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

func splitClasses(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := toString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toInt(value interface{}) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// truncate caps s at max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
