package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/akinalp/threadline/pkg"
)

// Field values travel as JSON. Types JSON cannot tell apart are wrapped in a
// one-key object:
//
//	time.Time        {"$time": "2026-01-02T15:04:05.000000001Z"}
//	ServerTimestamp  {"$serverTimestamp": true}
//
// Times always carry nine fractional digits in UTC, so their encoded form
// sorts the same way the times do; the SQLite store orders and filters on
// it directly. Numbers decode to int64 when integral and float64 otherwise.
const (
	timeKey            = "$time"
	timeLayout         = "2006-01-02T15:04:05.000000000Z07:00"
	serverTimestampKey = "$serverTimestamp"
)

// MarshalFields encodes fields into their wire form.
func MarshalFields(fields Fields) ([]byte, error) {
	wire, err := EncodeValue(map[string]any(fields))
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// UnmarshalFields decodes the wire form produced by MarshalFields.
func UnmarshalFields(data []byte) (Fields, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Fields{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode fields: %v", pkg.ErrBadRequest, err)
	}

	out := make(Fields, len(raw))
	for k, v := range raw {
		out[k] = DecodeValue(v)
	}
	return out, nil
}

// EncodeValue converts a field value into a JSON friendly tree.
func EncodeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, json.Number:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case time.Time:
		return map[string]any{timeKey: x.UTC().Format(timeLayout)}, nil
	case serverTimestamp:
		return map[string]any{serverTimestampKey: true}, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			enc, err := EncodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case Fields:
		return EncodeValue(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			enc, err := EncodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = enc
		}
		return out, nil
	case map[string]bool:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported field type %T", pkg.ErrBadRequest, v)
	}
}

// DecodeValue reverses EncodeValue on a tree decoded with UseNumber.
func DecodeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = DecodeValue(item)
		}
		return out
	case map[string]any:
		if len(x) == 1 {
			if s, ok := x[timeKey].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					return t
				}
			}
			if b, ok := x[serverTimestampKey].(bool); ok && b {
				return ServerTimestamp
			}
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = DecodeValue(item)
		}
		return out
	default:
		return x
	}
}

// resolveServerTimestamps replaces every ServerTimestamp in fields with now.
func resolveServerTimestamps(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = resolveValue(v, now)
	}
	return out
}

func resolveValue(v any, now time.Time) any {
	switch x := v.(type) {
	case serverTimestamp:
		return now
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = resolveValue(item, now)
		}
		return out
	case Fields:
		return map[string]any(resolveServerTimestamps(x, now))
	default:
		return v
	}
}

// mergeFields merges patch into base. Nested maps merge key by key; every
// other value in patch replaces the one in base.
func mergeFields(base, patch Fields) Fields {
	out := make(Fields, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		pm, pOK := asMap(v)
		bm, bOK := asMap(out[k])
		if pOK && bOK {
			out[k] = map[string]any(mergeFields(bm, pm))
			continue
		}
		out[k] = v
	}
	return out
}

func asMap(v any) (Fields, bool) {
	switch x := v.(type) {
	case map[string]any:
		return Fields(x), true
	case Fields:
		return x, true
	}
	return nil, false
}
