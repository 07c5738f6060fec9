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
	"reflect"
	"testing"
)

func TestAccessorsAndMutators(t *testing.T) {
	suffix := func(s string) Transform {
		return func(v interface{}) interface{} { return v.(string) + s }
	}
	accessors := Transforms{"name": {suffix(" jr"), suffix(".")}}
	got := applyAccessors(map[string]interface{}{"name": "bob", "id": 1}, accessors)
	if got["name"] != "bob jr." || got["id"] != 1 {
		t.Fatalf("accessors = %#v", got)
	}

	var order []string
	record := func(tag string) Transform {
		return func(v interface{}) interface{} {
			order = append(order, tag)
			return v
		}
	}
	applyMutators(map[string]interface{}{"name": "x"}, Transforms{"name": {record("first"), record("second")}})
	if !reflect.DeepEqual(order, []string{"second", "first"}) {
		t.Errorf("mutators should run right to left, got %v", order)
	}

	nilSafe := applyAccessors(map[string]interface{}{"name": nil}, accessors)
	if nilSafe["name"] != nil {
		t.Errorf("nil must pass through transforms")
	}
}

func TestJSONTransformsInvert(t *testing.T) {
	in := map[string]interface{}{"a": []interface{}{"x", float64(2)}, "b": nil}
	encoded := JSONEncode(in)
	if _, ok := encoded.(string); !ok {
		t.Fatalf("JSONEncode returned %T", encoded)
	}
	if got := JSONDecode(encoded); !reflect.DeepEqual(got, in) {
		t.Errorf("round trip = %#v", got)
	}
	if got := JSONDecode([]byte(`[1]`)); !reflect.DeepEqual(got, []interface{}{float64(1)}) {
		t.Errorf("bytes decode = %#v", got)
	}
	if got := JSONDecode("not json"); got != "not json" {
		t.Errorf("invalid JSON should pass through")
	}
	if got := Lower(TrimSpace("  MiXed ")); got != "mixed" {
		t.Errorf("TrimSpace/Lower = %q", got)
	}
}
