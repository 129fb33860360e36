package domain

import (
	"sort"
	"strings"
)

// IndexPriority orders index creation; 1 is most urgent.
type IndexPriority int

const (
	IndexCritical IndexPriority = iota + 1
	IndexHigh
	IndexMedium
	IndexLow
)

// IndexField is one column of an index with its sort direction
// (1 ascending, -1 descending).
type IndexField struct {
	Name      string
	Direction int
}

// IndexOptions carries the optional creation parameters.
type IndexOptions struct {
	Unique bool
	Name   string
}

// IndexRule declares one index that must exist on a collection. Rules are
// strictly additive: the manager creates missing indexes and never drops or
// alters existing ones.
type IndexRule struct {
	Collection string
	Fields     []IndexField
	Options    IndexOptions
	Priority   IndexPriority
}

// Key returns the normalized identity of the rule: sorted field names with
// directions. Two rules are the same index iff their keys are equal.
func (r IndexRule) Key() string {
	parts := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		dir := "1"
		if f.Direction < 0 {
			dir = "-1"
		}
		parts[i] = f.Name + ":" + dir
	}
	sort.Strings(parts)
	return r.Collection + "/" + strings.Join(parts, ",")
}

// Compound reports whether the rule spans more than one field.
func (r IndexRule) Compound() bool { return len(r.Fields) > 1 }
