package corruption

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"stream-corruptor/internal/platform/apperror"
)

var (
	whitespace = regexp.MustCompile(`\s`)
	bareKey    = regexp.MustCompile(`({|,)(?:\s*)(?:')?([A-Za-z_$.][A-Za-z0-9_ \-.$]*)(?:')?(?:\s*):`)
)

const wildcard = "*"

// Normalize turns the loose configuration notation into strict JSON. The
// loose form is URL-encoded, may contain whitespace, leaves object keys
// unquoted or single-quoted and writes the wildcard as a bare *:
//
//	[{sq:*,ms:500},{ 'sq': 4, ms: 50 }]  ->  [{"sq":"*","ms":500},{"sq":4,"ms":50}]
func Normalize(raw string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", apperror.ConfigWrap(err, "corruption config is not valid URL encoding")
	}
	s := whitespace.ReplaceAllString(decoded, "")
	s = bareKey.ReplaceAllString(s, `${1}"${2}":`)
	s = strings.ReplaceAll(s, ":*", `:"*"`)
	return s, nil
}

// entry is one object of a kind's configuration list.
type entry map[string]any

// decodeEntries normalizes raw and decodes it as a list of objects. A single
// object is accepted as a list of one.
func decodeEntries(kind Kind, raw string) ([]entry, error) {
	s, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, apperror.ConfigWrap(err, "could not parse "+string(kind)+" config")
	}
	if dec.More() {
		return nil, apperror.Config("could not parse %s config: trailing data", kind)
	}

	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
	default:
		return nil, apperror.Config("%s config must be a list of objects", kind)
	}

	entries := make([]entry, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, apperror.Config("%s config item %d is not an object", kind, i)
		}
		entries = append(entries, entry(obj))
	}
	return entries, nil
}

// encodeEntries writes entries back in the loose notation, the inverse of
// Normalize for the values this package produces.
func encodeEntries(entries []entry) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entries); err != nil {
		return "", err
	}
	return strings.ReplaceAll(strings.TrimSpace(buf.String()), `"`, ""), nil
}

func isWildcard(v any) bool {
	s, ok := v.(string)
	return ok && s == wildcard
}

// toInt64 accepts JSON numbers with an integral value and numeric strings.
func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil && f == float64(int64(f)) {
			return int64(f), true
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
