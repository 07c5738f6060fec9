/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package repository

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomoncle/backbone/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/schema"
)

// KeyPath addresses a column, or a field nested inside a JSON column:
// Path("metadata.nested.id") is the column "metadata" followed by the
// object keys "nested" and "id".
type KeyPath []string

// Path splits a dotted name into a KeyPath.
func Path(name string) KeyPath {
	if name == "" {
		return nil
	}
	return KeyPath(strings.Split(name, "."))
}

func (p KeyPath) String() string { return strings.Join(p, ".") }

// Column is the table column the path starts at.
func (p KeyPath) Column() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Nested reports whether the path descends into a structured column.
func (p KeyPath) Nested() bool { return len(p) > 1 }

// Extract reads the value at p from row. Missing segments, null values and
// non-object intermediates all report false. Structured columns may hold a
// decoded object or raw JSON text.
func (p KeyPath) Extract(row map[string]interface{}) (interface{}, bool) {
	if len(p) == 0 || row == nil {
		return nil, false
	}
	cur, ok := row[p[0]]
	if !ok {
		return nil, false
	}
	for _, seg := range p[1:] {
		obj, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[seg]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	if obj, ok := types.AsObject(v); ok {
		return obj, true
	}
	var raw []byte
	switch s := v.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// expr returns a bun query fragment and its arguments selecting p on table.
// Nested paths compile to the dialect's JSON extraction; PostgreSQL's #>>
// yields text, so textual reports whether compared keys must be strings.
func (p KeyPath) expr(d schema.Dialect, table string) (fragment string, args []interface{}, textual bool) {
	col := bun.Ident(table + "." + p.Column())
	if !p.Nested() {
		return "?", []interface{}{col}, false
	}
	switch d.Name() {
	case dialect.PG:
		return "? #>> ?", []interface{}{col, "{" + strings.Join(p[1:], ",") + "}"}, true
	case dialect.MySQL:
		return "JSON_UNQUOTE(JSON_EXTRACT(?, ?))", []interface{}{col, jsonPath(p[1:])}, false
	default:
		return "json_extract(?, ?)", []interface{}{col, jsonPath(p[1:])}, false
	}
}

func jsonPath(segments []string) string {
	var b strings.Builder
	b.WriteByte('$')
	for _, seg := range segments {
		b.WriteByte('.')
		if plainSegment(seg) {
			b.WriteString(seg)
		} else {
			b.WriteString(strconv.Quote(seg))
		}
	}
	return b.String()
}

func plainSegment(seg string) bool {
	for i, r := range seg {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return seg != ""
}

// keyOf normalizes a key value so that values the database and JSON decoding
// produce for the same key compare equal: 7, int64(7), float64(7), "7" and
// []byte("7") all map to "7".
func keyOf(v interface{}) (string, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case string:
		return k, true
	case []byte:
		return string(k), true
	case int:
		return strconv.FormatInt(int64(k), 10), true
	case int8:
		return strconv.FormatInt(int64(k), 10), true
	case int16:
		return strconv.FormatInt(int64(k), 10), true
	case int32:
		return strconv.FormatInt(int64(k), 10), true
	case int64:
		return strconv.FormatInt(k, 10), true
	case uint:
		return strconv.FormatUint(uint64(k), 10), true
	case uint8:
		return strconv.FormatUint(uint64(k), 10), true
	case uint16:
		return strconv.FormatUint(uint64(k), 10), true
	case uint32:
		return strconv.FormatUint(uint64(k), 10), true
	case uint64:
		return strconv.FormatUint(k, 10), true
	case float32:
		return floatKey(float64(k)), true
	case float64:
		return floatKey(k), true
	case bool:
		return strconv.FormatBool(k), true
	case time.Time:
		return k.UTC().Format(time.RFC3339Nano), true
	case json.Number:
		return floatOrIntKey(string(k)), true
	default:
		return fmt.Sprint(v), true
	}
}

func floatKey(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func floatOrIntKey(s string) string {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return floatKey(f)
	}
	return s
}

// sqlKey converts a key value into something every driver binds cleanly.
func sqlKey(v interface{}, textual bool) interface{} {
	if textual {
		k, _ := keyOf(v)
		return k
	}
	switch k := v.(type) {
	case []byte:
		return string(k)
	case float64:
		if k == float64(int64(k)) {
			return int64(k)
		}
	case uint64:
		return int64(k)
	}
	return v
}
