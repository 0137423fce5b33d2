package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/akinalp/threadline/pkg"
)

// Op is a filter operator.
type Op string

const (
	OpEqual         Op = "=="
	OpGreater       Op = ">"
	OpGreaterEqual  Op = ">="
	OpLess          Op = "<"
	OpLessEqual     Op = "<="
	OpArrayContains Op = "array-contains"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter keeps documents whose Field compares to Value with Op.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// OrderBy sorts the result by Field.
type OrderBy struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Query selects documents of one collection. Every filter must hold.
// Documents without the OrderBy field are left out, as are documents
// without a filtered field. Limit 0 means no limit.
type Query struct {
	Collection string   `json:"collection"`
	Filters    []Filter `json:"filters,omitempty"`
	OrderBy    *OrderBy `json:"orderBy,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// Where returns a copy of q with one more filter.
func (q Query) Where(field string, op Op, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Order returns a copy of q sorted by field.
func (q Query) Order(field string, dir Direction) Query {
	q.OrderBy = &OrderBy{Field: field, Direction: dir}
	return q
}

// Take returns a copy of q limited to n documents.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Validate checks the collection path, the operators and the limit.
func (q Query) Validate() error {
	if err := ValidateCollectionPath(q.Collection); err != nil {
		return err
	}
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpArrayContains:
		default:
			return fmt.Errorf("%w: unknown operator %q", pkg.ErrBadRequest, f.Op)
		}
		if !validField(f.Field) {
			return fmt.Errorf("%w: invalid filter field %q", pkg.ErrBadRequest, f.Field)
		}
	}
	if q.OrderBy != nil {
		if q.OrderBy.Direction != Asc && q.OrderBy.Direction != Desc {
			return fmt.Errorf("%w: unknown direction %q", pkg.ErrBadRequest, q.OrderBy.Direction)
		}
		if !validField(q.OrderBy.Field) {
			return fmt.Errorf("%w: invalid order field %q", pkg.ErrBadRequest, q.OrderBy.Field)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", pkg.ErrBadRequest)
	}
	return nil
}

// validField reports whether name is a plain field name: letters, digits
// and underscores.
func validField(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// Matches reports whether doc passes every filter.
func (q Query) Matches(doc Document) bool {
	for _, f := range q.Filters {
		v, ok := doc.Fields[f.Field]
		if !ok {
			return false
		}
		if !f.holds(v) {
			return false
		}
	}
	if q.OrderBy != nil {
		if _, ok := doc.Fields[q.OrderBy.Field]; !ok {
			return false
		}
	}
	return true
}

// Apply filters, sorts and limits docs the way the SQLite store does; it
// serves in-memory stores. Ties are broken by path in the order's
// direction. docs is not modified.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}

	desc := q.OrderBy != nil && q.OrderBy.Direction == Desc
	sort.SliceStable(out, func(i, j int) bool {
		c := 0
		if q.OrderBy != nil {
			c, _ = compareValues(out[i].Fields[q.OrderBy.Field], out[j].Fields[q.OrderBy.Field])
		}
		if c == 0 {
			c = strings.Compare(out[i].Path, out[j].Path)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// MarshalJSON encodes Value with the field codec so times survive the trip.
func (f Filter) MarshalJSON() ([]byte, error) {
	v, err := EncodeValue(f.Value)
	if err != nil {
		return nil, err
	}
	type plain Filter
	return json.Marshal(plain{Field: f.Field, Op: f.Op, Value: v})
}

// UnmarshalJSON reverses MarshalJSON.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var wire struct {
		Field string          `json:"field"`
		Op    Op              `json:"op"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var raw any
	if len(wire.Value) > 0 {
		dec := json.NewDecoder(bytes.NewReader(wire.Value))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return err
		}
	}

	f.Field = wire.Field
	f.Op = wire.Op
	f.Value = DecodeValue(raw)
	return nil
}

func (f Filter) holds(v any) bool {
	if f.Op == OpArrayContains {
		items, ok := v.([]any)
		if !ok {
			if ss, isStrings := v.([]string); isStrings {
				for _, s := range ss {
					if c, ok := compareValues(s, f.Value); ok && c == 0 {
						return true
					}
				}
			}
			return false
		}
		for _, item := range items {
			if c, ok := compareValues(item, f.Value); ok && c == 0 {
				return true
			}
		}
		return false
	}

	c, ok := compareValues(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return c == 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	}
	return false
}

// compareValues orders two field values of the same kind. ok is false when
// the kinds differ or are not ordered.
func compareValues(a, b any) (c int, ok bool) {
	switch x := a.(type) {
	case string:
		y, isString := b.(string)
		if !isString {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, isTime := b.(time.Time)
		if !isTime {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, isBool := b.(bool)
		if !isBool {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	}

	x, aNum := toFloat(a)
	y, bNum := toFloat(b)
	if !aNum || !bNum {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint32:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
