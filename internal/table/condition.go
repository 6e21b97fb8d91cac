package table

import "strings"

type condKind int

const (
	condAbsent condKind = iota
	condAttrNotSet
	condEq
	condLt
	condAnd
	condOr
)

// Cond is a write precondition. Conditions are built with the package-level
// constructors and evaluated by each backend in its native form.
type Cond struct {
	kind  condKind
	attr  string
	value any
	subs  []Cond
}

// IfAbsent holds when no item exists at the target key.
func IfAbsent() *Cond {
	return &Cond{kind: condAbsent}
}

// IfNotSet holds when the item exists but the named attribute is missing,
// or when the item itself is missing.
func IfNotSet(attr string) *Cond {
	return &Cond{kind: condAttrNotSet, attr: attr}
}

// Eq holds when the named attribute equals v.
func Eq(attr string, v any) *Cond {
	return &Cond{kind: condEq, attr: attr, value: normalizeValue(v)}
}

// Lt holds when the named attribute is strictly less than v.
func Lt(attr string, v any) *Cond {
	return &Cond{kind: condLt, attr: attr, value: normalizeValue(v)}
}

// And holds when every sub-condition holds.
func And(conds ...*Cond) *Cond {
	return &Cond{kind: condAnd, subs: deref(conds)}
}

// Or holds when at least one sub-condition holds.
func Or(conds ...*Cond) *Cond {
	return &Cond{kind: condOr, subs: deref(conds)}
}

func deref(conds []*Cond) []Cond {
	out := make([]Cond, len(conds))
	for i, c := range conds {
		out[i] = *c
	}
	return out
}

// normalizeValue collapses integer kinds to int64 so comparisons behave the
// same across backends. Strings pass through.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return v
	}
}

// eval checks the condition against an in-memory item snapshot. exists
// reports whether an item is present at the key; attrs may be nil when it is
// not. Used by the memory and bolt backends, and by the postgres translator
// to decide how a conditional Put lands.
func (c *Cond) eval(attrs map[string]any, exists bool) bool {
	switch c.kind {
	case condAbsent:
		return !exists
	case condAttrNotSet:
		if !exists {
			return true
		}
		_, ok := attrs[c.attr]
		return !ok
	case condEq:
		if !exists {
			return false
		}
		cmp, ok := compareValues(attrs[c.attr], c.value)
		return ok && cmp == 0
	case condLt:
		if !exists {
			return false
		}
		cmp, ok := compareValues(attrs[c.attr], c.value)
		return ok && cmp < 0
	case condAnd:
		for i := range c.subs {
			if !c.subs[i].eval(attrs, exists) {
				return false
			}
		}
		return true
	case condOr:
		for i := range c.subs {
			if c.subs[i].eval(attrs, exists) {
				return true
			}
		}
		return false
	}
	return false
}

// compareValues orders two attribute values of the same kind. The second
// return is false when the values are missing or of different kinds, which
// callers treat as "condition does not hold".
func compareValues(a, b any) (int, bool) {
	a = normalizeValue(a)
	b = normalizeValue(b)
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}
