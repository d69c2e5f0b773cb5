package corruption

// Rule is the configuration of one fault kind for one segment key. A nil
// Fields map is a tombstone: the kind is switched off for that segment even
// when the wildcard enables it.
type Rule struct {
	Fields map[string]int64
}

// Tombstone reports whether r disables its kind.
func (r Rule) Tombstone() bool {
	return r.Fields == nil
}

// Field returns the named field and whether it is set.
func (r Rule) Field(name string) (int64, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

func (r Rule) clone() Rule {
	if r.Fields == nil {
		return Rule{}
	}
	fields := make(map[string]int64, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Rule{Fields: fields}
}

// RuleSet maps fault kinds to the rule that applies. When produced by Merge
// it is the effective rule set of exactly one segment.
type RuleSet map[Kind]Rule

// Has reports whether kind is active in rs.
func (rs RuleSet) Has(kind Kind) bool {
	r, ok := rs[kind]
	return ok && !r.Tombstone()
}

// IndexedRuleSet holds the rules parsed from a request, keyed by absolute
// segment index, plus the wildcard rules that apply to every index. It is not
// modified after parsing.
type IndexedRuleSet struct {
	Wildcard RuleSet
	ByIndex  map[int64]RuleSet
}

func (irs *IndexedRuleSet) set(wild bool, index int64, kind Kind, rule Rule) {
	if wild {
		if irs.Wildcard == nil {
			irs.Wildcard = make(RuleSet)
		}
		irs.Wildcard[kind] = rule
		return
	}
	if irs.ByIndex == nil {
		irs.ByIndex = make(map[int64]RuleSet)
	}
	rs, ok := irs.ByIndex[index]
	if !ok {
		rs = make(RuleSet)
		irs.ByIndex[index] = rs
	}
	rs[kind] = rule
}

// Empty reports whether no rule was configured.
func (irs IndexedRuleSet) Empty() bool {
	return len(irs.Wildcard) == 0 && len(irs.ByIndex) == 0
}

// Merge returns the rules that apply to segment target. Wildcard rules are
// copied first; rules set for target replace them kind by kind, and a
// tombstone for target removes the kind. irs is never modified and the result
// shares no maps with it.
func Merge(target int64, irs IndexedRuleSet) RuleSet {
	out := make(RuleSet)
	for kind, rule := range irs.Wildcard {
		if rule.Tombstone() {
			continue
		}
		out[kind] = rule.clone()
	}
	for kind, rule := range irs.ByIndex[target] {
		if rule.Tombstone() {
			delete(out, kind)
			continue
		}
		out[kind] = rule.clone()
	}
	return out
}
