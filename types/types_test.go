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

package types

import (
	"reflect"
	"testing"
)

func TestPageRequestDefaults(t *testing.T) {
	p := NewDefaultPageRequest(0, 0)
	if p.GetPage() != 1 || p.GetPageSize() != 10 || p.GetOffset() != 0 {
		t.Errorf("defaults = %d/%d/%d", p.GetPage(), p.GetPageSize(), p.GetOffset())
	}
	p = NewPageRequest(3, 20, NewQueryFilter("a = ?", 1), []string{"id DESC"})
	if p.GetOffset() != 40 || p.GetFilter().Schema != "a = ?" || p.GetOrders()[0] != "id DESC" {
		t.Errorf("request = %+v", p)
	}
}

func TestNewPagination(t *testing.T) {
	cases := []struct {
		name                 string
		items                []int
		total, page, perPage int
		lastPage, from, to   int
	}{
		{"middle page", []int{3, 2}, 5, 2, 2, 3, 3, 4},
		{"exact multiple keeps trailing page", []int{1, 2}, 4, 1, 2, 3, 1, 2},
		{"empty", nil, 0, 1, 15, 1, 1, 0},
	}
	for _, c := range cases {
		p := NewPagination(c.items, c.total, c.page, c.perPage)
		if p.LastPage != c.lastPage || p.From != c.from || p.To != c.to {
			t.Errorf("%s: last=%d from=%d to=%d", c.name, p.LastPage, p.From, p.To)
		}
		if p.Items == nil {
			t.Errorf("%s: items must never be nil", c.name)
		}
	}
}

func TestJsonObjectColumn(t *testing.T) {
	var obj JsonObject
	if err := obj.Scan(`{"a":{"b":[1,2]}}`); err != nil {
		t.Fatal(err)
	}
	v, ok := obj.Lookup("a", "b")
	if !ok || !reflect.DeepEqual(v, []interface{}{float64(1), float64(2)}) {
		t.Errorf("Lookup = %v, %v", v, ok)
	}
	if _, ok := obj.Lookup("a", "b", "c"); ok {
		t.Errorf("lookup through an array must fail")
	}

	val, err := obj.Value()
	if err != nil || val != `{"a":{"b":[1,2]}}` {
		t.Errorf("Value = %v, %v", val, err)
	}
	if err := obj.Scan(nil); err != nil || obj == nil || len(obj) != 0 {
		t.Errorf("Scan(nil) = %v, %v", obj, err)
	}
	if err := obj.Scan(42); err == nil {
		t.Errorf("Scan(int) accepted")
	}

	var arr JsonArray
	if err := arr.Scan([]byte(`[{"x":1}]`)); err != nil || len(arr) != 1 {
		t.Errorf("JsonArray.Scan = %v, %v", arr, err)
	}
}

type color int

const (
	red color = iota
	blue
)

func (c color) IsValid() bool  { return c == red || c == blue }
func (c color) Number() int    { return int(c) }
func (c color) String() string { return c.Name() }
func (c color) Desc() string   { return c.Name() }
func (c color) Name() string {
	switch c {
	case red:
		return "red"
	case blue:
		return "blue"
	}
	return IllegalName
}

func TestParseEnum(t *testing.T) {
	if c, ok := ParseEnum(" BLUE ", red, blue); !ok || c != blue {
		t.Errorf("ParseEnum = %v, %v", c, ok)
	}
	if _, ok := ParseEnum("green", red, blue); ok {
		t.Errorf("unknown name accepted")
	}
}
