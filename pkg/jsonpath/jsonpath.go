// Package jsonpath evaluates the subset of JSONPath used by checks and
// extraction rules: `$`, dotted keys and `[index]` array access.
//
// Expressions are translated to gjson paths, so the heavy lifting is
// done by github.com/tidwall/gjson. Anything outside the supported
// subset (filters, recursive descent) is rejected with an error rather
// than silently misread.
package jsonpath

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Lookup evaluates path against the JSON document and returns the raw
// gjson result. The second return value reports whether the path
// matched anything.
func Lookup(json string, path string) (gjson.Result, bool, error) {
	if json == "" {
		return gjson.Result{}, false, fmt.Errorf("empty JSON document")
	}
	gpath, err := ToGJSON(path)
	if err != nil {
		return gjson.Result{}, false, err
	}
	if gpath == "@this" {
		res := gjson.Parse(json)
		return res, res.Type != gjson.Null, nil
	}
	res := gjson.Get(json, gpath)
	return res, res.Exists(), nil
}

// Extract returns the value at path rendered as a string. A missing
// path is reported via ok=false, not an error, so callers can apply an
// extraction default.
func Extract(json string, path string) (string, bool, error) {
	res, ok, err := Lookup(json, path)
	if err != nil || !ok {
		return "", ok, err
	}
	if res.Type == gjson.Null {
		return "null", true, nil
	}
	return res.String(), true, nil
}

// ExtractAny returns the value at path as a native Go value
// (string, float64, bool, map[string]interface{} or []interface{}).
func ExtractAny(json string, path string) (interface{}, bool, error) {
	res, ok, err := Lookup(json, path)
	if err != nil || !ok {
		return nil, ok, err
	}
	return res.Value(), true, nil
}

// ToGJSON converts a JSONPath expression to gjson syntax.
//
//	$              -> @this
//	$.a.b          -> a.b
//	$.items[2].id  -> items.2.id
//	a.b            -> a.b      (leading $. is optional)
func ToGJSON(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty JSONPath expression")
	}
	if path == "$" {
		return "@this", nil
	}

	p := path
	if strings.HasPrefix(p, "$.") {
		p = p[2:]
	} else if strings.HasPrefix(p, "$[") {
		p = p[1:]
	}

	if strings.Contains(p, "..") {
		return "", fmt.Errorf("recursive descent is not supported: %s", path)
	}

	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch c {
		case '[':
			end := strings.IndexByte(p[i:], ']')
			if end < 0 {
				return "", fmt.Errorf("unterminated index in %s", path)
			}
			idx := p[i+1 : i+end]
			if idx == "" {
				return "", fmt.Errorf("empty index in %s", path)
			}
			// Quoted keys inside brackets behave like dotted keys.
			idx = strings.Trim(idx, `'"`)
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			b.WriteString(idx)
			i += end
		case '.':
			if b.Len() > 0 && i+1 < len(p) && p[i+1] != '[' {
				b.WriteByte('.')
			}
		default:
			b.WriteByte(c)
		}
	}

	if b.Len() == 0 {
		return "", fmt.Errorf("invalid JSONPath expression: %s", path)
	}
	return b.String(), nil
}
