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
	"strings"
)

// Transform converts one attribute value. Transforms must pass nil through.
type Transform func(v interface{}) interface{}

// Transforms maps a column name to the transforms applied to it.
type Transforms map[string][]Transform

// applyAccessors runs each column's transforms left to right on a copy of
// row.
func applyAccessors(row map[string]interface{}, accessors Transforms) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		for _, fn := range accessors[k] {
			v = call(fn, v)
		}
		out[k] = v
	}
	return out
}

// applyMutators runs each column's transforms right to left on a copy of
// attrs, so a mutator list written in the same order as the accessor list
// undoes it.
func applyMutators(attrs map[string]interface{}, mutators Transforms) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		fns := mutators[k]
		for i := len(fns) - 1; i >= 0; i-- {
			v = call(fns[i], v)
		}
		out[k] = v
	}
	return out
}

func call(fn Transform, v interface{}) interface{} {
	if v == nil || fn == nil {
		return v
	}
	return fn(v)
}

// JSONDecode parses JSON text into maps, slices and float64 numbers. Values
// that are not text, or not valid JSON, are returned unchanged.
func JSONDecode(v interface{}) interface{} {
	var raw []byte
	switch s := v.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// JSONEncode serializes structured values to JSON text. Text is assumed to
// already be JSON and passes through.
func JSONEncode(v interface{}) interface{} {
	switch v.(type) {
	case string, []byte:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	return string(b)
}

func TrimSpace(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return v
}

func Lower(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return strings.ToLower(s)
	}
	return v
}
