package corruption

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"stream-corruptor/internal/platform/apperror"
)

// Segment selectors of a configuration entry.
const (
	SelectorAbsolute = "sq"
	SelectorRelative = "rsq"
	fieldSkip        = "skip"
)

// ParseIndexed parses every registered kind out of query and indexes the
// rules by segment. Relative selectors (rsq) resolve against base. The second
// return value is the session label carried in the state parameter.
//
// Any malformed entry fails the whole parse with a config error; rules are
// never partially applied.
func (r *Registry) ParseIndexed(query url.Values, base int64) (IndexedRuleSet, string, error) {
	var irs IndexedRuleSet
	for _, kind := range r.order {
		raw := query.Get(string(kind))
		if raw == "" {
			continue
		}
		entries, err := decodeEntries(kind, raw)
		if err != nil {
			return IndexedRuleSet{}, "", err
		}
		schema := r.schemas[kind]
		for i, e := range entries {
			wild, index, err := selectorOf(e, base)
			if err != nil {
				return IndexedRuleSet{}, "", apperror.ConfigWrap(err, fmt.Sprintf("%s config item %d: invalid segment selector", kind, i))
			}
			rule, err := buildRule(schema, e)
			if err != nil {
				return IndexedRuleSet{}, "", err
			}
			irs.set(wild, index, kind, rule)
		}
	}
	return irs, query.Get(ParamState), nil
}

// ParseEffective parses rules that were already resolved to a single segment:
// each kind parameter carries one object and no selector is needed.
func (r *Registry) ParseEffective(query url.Values) (RuleSet, error) {
	out := make(RuleSet)
	for _, kind := range r.order {
		raw := query.Get(string(kind))
		if raw == "" {
			continue
		}
		entries, err := decodeEntries(kind, raw)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		rule, err := buildRule(r.schemas[kind], entries[0])
		if err != nil {
			return nil, err
		}
		if rule.Tombstone() {
			continue
		}
		out[kind] = rule
	}
	return out, nil
}

// EncodeEffective renders rs as query parameters ParseEffective accepts.
func (r *Registry) EncodeEffective(rs RuleSet) url.Values {
	out := make(url.Values)
	for _, kind := range r.order {
		rule, ok := rs[kind]
		if !ok || rule.Tombstone() {
			continue
		}
		parts := make([]string, 0, len(rule.Fields))
		for _, name := range r.schemas[kind].Fields {
			if v, ok := rule.Fields[name]; ok {
				parts = append(parts, name+":"+strconv.FormatInt(v, 10))
			}
		}
		out.Set(string(kind), "{"+strings.Join(parts, ",")+"}")
	}
	return out
}

// HasRelative reports whether any registered kind in query uses an rsq
// selector. Malformed configuration reports false; ParseIndexed surfaces it.
func (r *Registry) HasRelative(query url.Values) bool {
	return r.anyEntry(query, func(e entry) bool {
		_, ok := e[SelectorRelative]
		return ok
	})
}

// HasRelativeOffset reports whether resolving the rsq selectors of query
// depends on the first segment: some entry has a numeric rsq and no sq.
// rsq:* resolves to the wildcard whatever the first segment is.
func (r *Registry) HasRelativeOffset(query url.Values) bool {
	return r.anyEntry(query, func(e entry) bool {
		rel, ok := e[SelectorRelative]
		if !ok || isWildcard(rel) {
			return false
		}
		_, absolute := e[SelectorAbsolute]
		return !absolute
	})
}

func (r *Registry) anyEntry(query url.Values, match func(entry) bool) bool {
	for _, kind := range r.order {
		raw := query.Get(string(kind))
		if raw == "" {
			continue
		}
		entries, err := decodeEntries(kind, raw)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if match(e) {
				return true
			}
		}
	}
	return false
}

// ResolveRelative returns a copy of query in which every rsq selector is
// replaced by the absolute sq = first + rsq. Only the parameters of kinds that
// held an rsq are rewritten; changed reports whether any was. query itself is
// not modified.
func (r *Registry) ResolveRelative(query url.Values, first int64) (url.Values, bool, error) {
	out := cloneValues(query)
	changed := false
	for _, kind := range r.order {
		raw := out.Get(string(kind))
		if raw == "" {
			continue
		}
		entries, err := decodeEntries(kind, raw)
		if err != nil {
			return nil, false, err
		}
		kindChanged := false
		for i, e := range entries {
			rel, ok := e[SelectorRelative]
			if !ok {
				continue
			}
			delete(e, SelectorRelative)
			kindChanged = true
			if _, ok := e[SelectorAbsolute]; ok {
				continue
			}
			if isWildcard(rel) {
				e[SelectorAbsolute] = wildcard
			} else {
				n, ok := toInt64(rel)
				if !ok {
					return nil, false, apperror.Config("%s config item %d: rsq must be an integer or *", kind, i)
				}
				e[SelectorAbsolute] = json.Number(strconv.FormatInt(first+n, 10))
			}
		}
		if !kindChanged {
			continue
		}
		encoded, err := encodeEntries(entries)
		if err != nil {
			return nil, false, apperror.Internal(err)
		}
		out.Set(string(kind), encoded)
		changed = true
	}
	return out, changed, nil
}

// selectorOf returns the segment key of e: the wildcard, an absolute sq, or
// base plus a relative rsq. sq takes precedence when both are present.
func selectorOf(e entry, base int64) (wild bool, index int64, err error) {
	if v, ok := e[SelectorAbsolute]; ok {
		if isWildcard(v) {
			return true, 0, nil
		}
		n, ok := toInt64(v)
		if !ok || n < 0 {
			return false, 0, errors.New("sq must be a non-negative integer or *")
		}
		return false, n, nil
	}
	if v, ok := e[SelectorRelative]; ok {
		if isWildcard(v) {
			return true, 0, nil
		}
		n, ok := toInt64(v)
		if !ok {
			return false, 0, errors.New("rsq must be an integer or *")
		}
		return false, base + n, nil
	}
	return false, 0, errors.New("missing sq or rsq")
}

// buildRule extracts the schema's fields from e. An entry with skip:true, or
// one that sets none of a field-carrying kind's fields, yields a tombstone.
func buildRule(schema Schema, e entry) (Rule, error) {
	if skip, ok := e[fieldSkip].(bool); ok && skip {
		return Rule{}, nil
	}
	fields := make(map[string]int64)
	for key, v := range e {
		if !schema.hasField(key) || v == nil {
			continue
		}
		n, ok := toInt64(v)
		if !ok {
			return Rule{}, apperror.Config("%s field %s must be an integer", schema.Kind, key)
		}
		fields[key] = n
	}
	if len(schema.Fields) > 0 && len(fields) == 0 {
		return Rule{}, nil
	}
	if schema.Validate != nil {
		if err := schema.Validate(fields); err != nil {
			return Rule{}, apperror.ConfigWrap(err, "invalid "+string(schema.Kind)+" config")
		}
	}
	return Rule{Fields: fields}, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
