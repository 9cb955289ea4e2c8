// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package translate

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/filter"
	"github.com/relabs-tech/limen/core/rules"
)

func (t *Translator) table(resource string) string {
	return t.schema + `."` + resource + `"`
}

func quoted(column string) string {
	return `"` + column + `"`
}

// returns "a","b","c", or * for the wildcard projection
func columnList(columns []string) string {
	if len(columns) == 1 && columns[0] == "*" {
		return "*"
	}
	parts := make([]string, len(columns))
	for i, column := range columns {
		parts[i] = quoted(column)
	}
	return strings.Join(parts, ",")
}

// renderFilter renders one predicate node, appending its arguments.
// Null values under equality render as null checks and array values as
// set membership, equality against null never matches in the store.
func renderFilter(f filter.Filter, args *[]any) (string, error) {
	if f.Op.Compound() {
		parts := make([]string, 0, len(f.Filters))
		for _, sub := range f.Filters {
			part, err := renderFilter(sub, args)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		switch f.Op {
		case filter.OpAnd:
			return "(" + strings.Join(parts, " AND ") + ")", nil
		case filter.OpOr:
			return "(" + strings.Join(parts, " OR ") + ")", nil
		default:
			return "NOT (" + parts[0] + ")", nil
		}
	}

	column := quoted(f.Column)
	parameter := func(value any) string {
		*args = append(*args, value)
		return "$" + strconv.Itoa(len(*args))
	}
	switch f.Op {
	case filter.OpEq:
		if f.Value == nil {
			return column + " IS NULL", nil
		}
		if arr, ok := f.Value.([]any); ok {
			return column + " = ANY(" + parameter(pq.Array(arr)) + ")", nil
		}
		return column + " = " + parameter(f.Value), nil
	case filter.OpNeq:
		if f.Value == nil {
			return column + " IS NOT NULL", nil
		}
		if arr, ok := f.Value.([]any); ok {
			return column + " <> ALL(" + parameter(pq.Array(arr)) + ")", nil
		}
		return column + " <> " + parameter(f.Value), nil
	case filter.OpGt:
		return column + " > " + parameter(f.Value), nil
	case filter.OpGte:
		return column + " >= " + parameter(f.Value), nil
	case filter.OpLt:
		return column + " < " + parameter(f.Value), nil
	case filter.OpLte:
		return column + " <= " + parameter(f.Value), nil
	case filter.OpLike:
		return column + " LIKE " + parameter(f.Value), nil
	case filter.OpILike:
		return column + " ILIKE " + parameter(f.Value), nil
	case filter.OpIs:
		return column + " IS NULL", nil
	case filter.OpIn:
		arr, _ := f.Value.([]any)
		return column + " = ANY(" + parameter(pq.Array(arr)) + ")", nil
	case filter.OpContains:
		arr, _ := f.Value.([]any)
		return column + " @> " + parameter(pq.Array(arr)), nil
	case filter.OpContainedBy:
		arr, _ := f.Value.([]any)
		return column + " <@ " + parameter(pq.Array(arr)), nil
	case filter.OpOverlaps:
		arr, _ := f.Value.([]any)
		return column + " && " + parameter(pq.Array(arr)), nil
	case filter.OpTextSearch:
		return "to_tsvector(" + column + ") @@ plainto_tsquery(" + parameter(f.Value) + ")", nil
	}
	return "", fault.Validation.New("%s is not a valid filter operator", f.Op)
}

func renderWhere(filters []filter.Filter, args *[]any) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		part, err := renderFilter(f, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func renderOrder(order []filter.Order) string {
	if len(order) == 0 {
		return ""
	}
	parts := make([]string, 0, len(order))
	for _, o := range order {
		part := quoted(o.Column)
		if o.Descending {
			part += " DESC"
		} else {
			part += " ASC"
		}
		switch o.Nulls {
		case "first":
			part += " NULLS FIRST"
		case "last":
			part += " NULLS LAST"
		}
		parts = append(parts, part)
	}
	return " ORDER BY " + strings.Join(parts, ",")
}

// writeValue converts a JSON payload value into a driver value. Objects
// and arrays are stored as JSON documents.
func writeValue(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fault.Validation.Wrap(err)
		}
		return string(b), nil
	}
	return v, nil
}

func (t *Translator) buildSelect(resource string, returning []string, filters []filter.Filter, order []filter.Order, page filter.Page) (Statement, error) {
	var args []any
	where, err := renderWhere(filters, &args)
	if err != nil {
		return Statement{}, err
	}
	sql := "SELECT " + columnList(returning) + " FROM " + t.table(resource) + where + renderOrder(order)
	if !page.IsZero() {
		args = append(args, page.Limit())
		limit := len(args)
		args = append(args, page.Offset())
		sql += " LIMIT $" + strconv.Itoa(limit) + " OFFSET $" + strconv.Itoa(len(args))
	}
	return Statement{SQL: sql + ";", Args: args}, nil
}

func (t *Translator) buildCount(resource string, filters []filter.Filter) (Statement, error) {
	var args []any
	where, err := renderWhere(filters, &args)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: "SELECT COUNT(*) FROM " + t.table(resource) + where + ";", Args: args}, nil
}

// renderValues renders the VALUES lists for the rows in column order,
// appending the row values to args.
func renderValues(columns []string, rows []map[string]any, args *[]any) (string, error) {
	lists := make([]string, 0, len(rows))
	for _, row := range rows {
		placeholders := make([]string, 0, len(columns))
		for _, column := range columns {
			value, err := writeValue(row[column])
			if err != nil {
				return "", err
			}
			*args = append(*args, value)
			placeholders = append(placeholders, "$"+strconv.Itoa(len(*args)))
		}
		lists = append(lists, "("+strings.Join(placeholders, ",")+")")
	}
	return strings.Join(lists, ","), nil
}

func (t *Translator) buildInsert(resource string, columns []string, rows []map[string]any, returning []string) (Statement, error) {
	var args []any
	values, err := renderValues(columns, rows, &args)
	if err != nil {
		return Statement{}, err
	}
	sql := "INSERT INTO " + t.table(resource) + " (" + columnList(columns) + ") VALUES" + values +
		" RETURNING " + columnList(returning) + ";"
	return Statement{SQL: sql, Args: args}, nil
}

func (t *Translator) buildUpdate(resource string, columns []string, row map[string]any, filters []filter.Filter, returning []string) (Statement, error) {
	var args []any
	sets := make([]string, 0, len(columns))
	for _, column := range columns {
		value, err := writeValue(row[column])
		if err != nil {
			return Statement{}, err
		}
		args = append(args, value)
		sets = append(sets, quoted(column)+" = $"+strconv.Itoa(len(args)))
	}
	where, err := renderWhere(filters, &args)
	if err != nil {
		return Statement{}, err
	}
	sql := "UPDATE " + t.table(resource) + " SET " + strings.Join(sets, ",") + where +
		" RETURNING " + columnList(returning) + ";"
	return Statement{SQL: sql, Args: args}, nil
}

func (t *Translator) buildDelete(resource string, filters []filter.Filter, returning []string) (Statement, error) {
	var args []any
	where, err := renderWhere(filters, &args)
	if err != nil {
		return Statement{}, err
	}
	sql := "DELETE FROM " + t.table(resource) + where + " RETURNING " + columnList(returning) + ";"
	return Statement{SQL: sql, Args: args}, nil
}

// buildUpsert renders an insert with a conflict clause. The update arm
// carries the rule's ownership condition, a conflicting row that does
// not belong to the caller stays untouched.
func (t *Translator) buildUpsert(rule rules.ResourceRule, subject string, columns []string, rows []map[string]any, conflict []string, returning []string) (Statement, error) {
	var args []any
	values, err := renderValues(columns, rows, &args)
	if err != nil {
		return Statement{}, err
	}
	sets := make([]string, 0, len(columns))
	for _, column := range columns {
		conflicting := false
		for _, c := range conflict {
			if column == c {
				conflicting = true
				break
			}
		}
		if !conflicting {
			sets = append(sets, quoted(column)+" = EXCLUDED."+quoted(column))
		}
	}
	sql := "INSERT INTO " + t.table(rule.Resource) + " (" + columnList(columns) + ") VALUES" + values +
		" ON CONFLICT (" + columnList(conflict) + ")"
	if len(sets) == 0 {
		sql += " DO NOTHING"
	} else {
		sql += " DO UPDATE SET " + strings.Join(sets, ",")
		switch {
		case rule.SelfKeyed:
			args = append(args, subject)
			sql += " WHERE " + quoted(rule.Resource) + "." + quoted(rule.Key()) + " = $" + strconv.Itoa(len(args))
		case rule.Symmetric():
			args = append(args, subject)
			n := "$" + strconv.Itoa(len(args))
			first := quoted(rule.Resource) + "." + quoted(rule.ParticipantColumns[0])
			second := quoted(rule.Resource) + "." + quoted(rule.ParticipantColumns[1])
			sql += " WHERE (" + first + " = " + n + " OR " + second + " = " + n + ")"
		case rule.OwnerOnly:
			args = append(args, subject)
			sql += " WHERE " + quoted(rule.Resource) + "." + quoted(rule.OwnerColumn()) + " = $" + strconv.Itoa(len(args))
		}
	}
	sql += " RETURNING " + columnList(returning) + ";"
	return Statement{SQL: sql, Args: args}, nil
}
