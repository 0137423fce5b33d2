package store

import (
	"fmt"
	"strings"
	"time"
)

// valueKind is how a filter value is stored inside the fields column.
type valueKind int

const (
	kindUnordered valueKind = iota
	kindText
	kindNumber
	kindBool
	kindTime
)

// sqlValue returns the SQL argument a filter value compares against and
// its kind. Values that never compare (nil, lists, maps) are unordered.
func sqlValue(v any) (any, valueKind) {
	switch x := v.(type) {
	case string:
		return x, kindText
	case bool:
		if x {
			return int64(1), kindBool
		}
		return int64(0), kindBool
	case time.Time:
		return encodedTime(x), kindTime
	case int:
		return int64(x), kindNumber
	case int32:
		return int64(x), kindNumber
	case int64:
		return x, kindNumber
	case uint32:
		return int64(x), kindNumber
	case float32:
		return float64(x), kindNumber
	case float64:
		return x, kindNumber
	}
	return nil, kindUnordered
}

// encodedTime is the JSON text json_extract yields for a stored time.
func encodedTime(t time.Time) string {
	return `{"` + timeKey + `":"` + t.UTC().Format(timeLayout) + `"}`
}

// sqlField reads field from the fields column. Field names are checked by
// Query.Validate, so they are safe to inline; inlining keeps the expression
// identical to the one in the createdAt index.
func sqlField(field string) string {
	return `json_extract(fields, '$."` + field + `"')`
}

func sqlFieldType(field string) string {
	return `json_type(fields, '$."` + field + `"')`
}

// fieldGuard holds when the stored field has the kind of the filter value.
func fieldGuard(field string, kind valueKind) string {
	switch kind {
	case kindText:
		return sqlFieldType(field) + ` = 'text'`
	case kindNumber:
		return sqlFieldType(field) + ` IN ('integer', 'real')`
	case kindBool:
		return sqlFieldType(field) + ` IN ('true', 'false')`
	case kindTime:
		return `json_type(fields, '$."` + field + `"."` + timeKey + `"') = 'text'`
	}
	return "0"
}

// elementGuard is fieldGuard for one element e of a json_each over a list.
func elementGuard(kind valueKind) string {
	switch kind {
	case kindText:
		return `e.type = 'text'`
	case kindNumber:
		return `e.type IN ('integer', 'real')`
	case kindBool:
		return `e.type IN ('true', 'false')`
	case kindTime:
		return `e.type = 'object' AND json_type(e.value, '$."` + timeKey + `"') = 'text'`
	}
	return "0"
}

var sqlOperators = map[Op]string{
	OpEqual:        "=",
	OpGreater:      ">",
	OpGreaterEqual: ">=",
	OpLess:         "<",
	OpLessEqual:    "<=",
}

// toSQL renders the filter as a condition on the documents table. It keeps
// exactly the documents Matches keeps.
func (f Filter) toSQL() (string, []any) {
	arg, kind := sqlValue(f.Value)
	if kind == kindUnordered {
		return "0", nil
	}

	if f.Op == OpArrayContains {
		cond := fmt.Sprintf(`%s = 'array' AND EXISTS (SELECT 1 FROM json_each(fields, '$."%s"') AS e WHERE %s AND e.value = ?)`,
			sqlFieldType(f.Field), f.Field, elementGuard(kind))
		return cond, []any{arg}
	}

	op, ok := sqlOperators[f.Op]
	if !ok {
		return "0", nil
	}
	return fmt.Sprintf("%s AND %s %s ?", fieldGuard(f.Field, kind), sqlField(f.Field), op), []any{arg}
}

// toSQL renders q as the WHERE, ORDER BY and LIMIT of a select over the
// documents table, so SQLite does the filtering and reads only the page
// the query asks for. Ties fall back to path order in the same direction,
// as in Apply.
func (q Query) toSQL() (string, []any) {
	var b strings.Builder
	args := []any{q.Collection}

	b.WriteString("collection = ?")
	for _, f := range q.Filters {
		cond, fargs := f.toSQL()
		b.WriteString(" AND (")
		b.WriteString(cond)
		b.WriteString(")")
		args = append(args, fargs...)
	}

	if q.OrderBy != nil {
		dir := "ASC"
		if q.OrderBy.Direction == Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " AND %s IS NOT NULL ORDER BY %s %s, path %s", sqlFieldType(q.OrderBy.Field), sqlField(q.OrderBy.Field), dir, dir)
	} else {
		b.WriteString(" ORDER BY path ASC")
	}

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args
}
