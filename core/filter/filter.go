// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package filter defines the constrained predicate language accepted by the
gateway's query endpoints.

A filter is a tagged variant: either a column condition (column, operator,
value) or a compound combining sub-filters with or/and/not. Unknown
operators are rejected at decode time, they are never silently passed
through to the store.
*/
package filter

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/goccy/go-json"
)

// Op is a filter operator tag.
type Op string

// all supported filter operators
const (
	OpEq          Op = "eq"    // equals, null value becomes a null check, array value a set membership
	OpNeq         Op = "neq"   // not equals, null value becomes a not-null check
	OpGt          Op = "gt"    // greater than
	OpGte         Op = "gte"   // greater than or equal
	OpLt          Op = "lt"    // less than
	OpLte         Op = "lte"   // less than or equal
	OpLike        Op = "like"  // pattern match, case sensitive
	OpILike       Op = "ilike" // pattern match, case insensitive
	OpIs          Op = "is"    // null check
	OpIn          Op = "in"    // set membership, value must be an array
	OpContains    Op = "cs"    // array contains value
	OpContainedBy Op = "cd"    // array contained by value
	OpOverlaps    Op = "ov"    // arrays overlap
	OpTextSearch  Op = "fts"   // full text search
	OpOr          Op = "or"    // compound, any sub-filter matches
	OpAnd         Op = "and"   // compound, all sub-filters match
	OpNot         Op = "not"   // compound, single sub-filter does not match
)

// Compound reports whether the operator combines sub-filters instead of
// testing a column.
func (o Op) Compound() bool {
	return o == OpOr || o == OpAnd || o == OpNot
}

func (o Op) known() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpLike, OpILike,
		OpIs, OpIn, OpContains, OpContainedBy, OpOverlaps, OpTextSearch,
		OpOr, OpAnd, OpNot:
		return true
	}
	return false
}

// Filter is one node of the predicate tree.
type Filter struct {
	Op      Op       `json:"op"`
	Column  string   `json:"column,omitempty"`
	Value   any      `json:"value,omitempty"`
	Filters []Filter `json:"filters,omitempty"`
}

// column names are interpolated into queries as quoted identifiers, so
// they are restricted to the character set the managed store uses for
// unquoted names
var identifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether s is acceptable as a column or resource name.
func ValidIdentifier(s string) bool {
	return identifier.MatchString(s)
}

// UnmarshalJSON is a custom JSON unmarshaller which rejects unknown operators
func (f *Filter) UnmarshalJSON(data []byte) error {
	type alias Filter
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*f = Filter(a)
	if !f.Op.known() {
		return fmt.Errorf("%s is not a valid filter operator", f.Op)
	}
	return nil
}

// Validate checks the structural rules of the node and its children.
func (f Filter) Validate() error {
	if !f.Op.known() {
		return fmt.Errorf("%s is not a valid filter operator", f.Op)
	}
	if f.Op.Compound() {
		if f.Column != "" || f.Value != nil {
			return fmt.Errorf("compound filter %s cannot carry column or value", f.Op)
		}
		if len(f.Filters) == 0 {
			return fmt.Errorf("compound filter %s needs sub-filters", f.Op)
		}
		if f.Op == OpNot && len(f.Filters) != 1 {
			return fmt.Errorf("filter not needs exactly one sub-filter, got %d", len(f.Filters))
		}
		for _, sub := range f.Filters {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
		return nil
	}
	if len(f.Filters) > 0 {
		return fmt.Errorf("filter %s cannot carry sub-filters", f.Op)
	}
	if !ValidIdentifier(f.Column) {
		return fmt.Errorf("invalid column name '%s'", f.Column)
	}
	switch f.Op {
	case OpIn:
		if _, ok := f.Value.([]any); !ok {
			return fmt.Errorf("filter in on %s needs an array value", f.Column)
		}
	case OpContains, OpContainedBy, OpOverlaps:
		if _, ok := f.Value.([]any); !ok {
			return fmt.Errorf("array filter %s on %s needs an array value", f.Op, f.Column)
		}
	case OpIs:
		if f.Value != nil {
			return fmt.Errorf("filter is on %s only checks for null, drop the value", f.Column)
		}
	case OpTextSearch, OpLike, OpILike:
		if _, ok := f.Value.(string); !ok {
			return fmt.Errorf("filter %s on %s needs a string value", f.Op, f.Column)
		}
	}
	return nil
}

// Columns appends every column referenced by the node and its children to dst.
func (f Filter) Columns(dst []string) []string {
	if f.Op.Compound() {
		for _, sub := range f.Filters {
			dst = sub.Columns(dst)
		}
		return dst
	}
	return append(dst, f.Column)
}

// Eq builds an equality condition, translating the null and array edge
// cases to their explicit forms.
func Eq(column string, value any) Filter {
	if value == nil {
		return Filter{Op: OpIs, Column: column}
	}
	if arr, ok := value.([]any); ok {
		return Filter{Op: OpIn, Column: column, Value: arr}
	}
	return Filter{Op: OpEq, Column: column, Value: value}
}

// FromWhere converts the simple column to value equality map into filter
// conditions, in sorted column order so the same request always renders
// the same statement.
func FromWhere(where map[string]any) []Filter {
	columns := make([]string, 0, len(where))
	for column := range where {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	filters := make([]Filter, 0, len(where))
	for _, column := range columns {
		filters = append(filters, Eq(column, where[column]))
	}
	return filters
}

// Order is one sort criterion.
type Order struct {
	Column     string `json:"column"`
	Descending bool   `json:"desc,omitempty"`
	Nulls      string `json:"nulls,omitempty"` // "first", "last" or empty for store default
}

// Validate checks the criterion.
func (o Order) Validate() error {
	if !ValidIdentifier(o.Column) {
		return fmt.Errorf("invalid order column name '%s'", o.Column)
	}
	if o.Nulls != "" && o.Nulls != "first" && o.Nulls != "last" {
		return fmt.Errorf("order nulls must be first or last, got '%s'", o.Nulls)
	}
	return nil
}

// Page is an inclusive row range. The zero value means no pagination.
type Page struct {
	From int `json:"from"`
	To   int `json:"to"`
	set  bool
}

// Range builds a page from an inclusive range.
func Range(from, to int) Page {
	return Page{From: from, To: to, set: true}
}

// LimitOffset builds a page from a limit and an offset. Both forms are
// represented identically, from = offset and to = offset + limit - 1.
func LimitOffset(limit, offset int) Page {
	return Page{From: offset, To: offset + limit - 1, set: true}
}

// UnmarshalJSON is a custom JSON unmarshaller, a decoded range counts as set
func (p *Page) UnmarshalJSON(data []byte) error {
	type alias struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Page{From: a.From, To: a.To, set: true}
	return nil
}

// IsZero reports whether no pagination was requested.
func (p Page) IsZero() bool {
	return !p.set
}

// Limit returns the number of rows the page spans.
func (p Page) Limit() int {
	return p.To - p.From + 1
}

// Offset returns the number of rows skipped before the page.
func (p Page) Offset() int {
	return p.From
}

// Validate checks the range.
func (p Page) Validate() error {
	if p.IsZero() {
		return nil
	}
	if p.From < 0 || p.To < p.From {
		return fmt.Errorf("invalid page range [%d,%d]", p.From, p.To)
	}
	return nil
}
