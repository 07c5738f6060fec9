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
	"testing"

	"github.com/tomoncle/backbone/types"
)

func TestQueryValueSemantics(t *testing.T) {
	base := NewQuery().Where("a = 1")
	left := base.Where("b = 2").OrderBy("id DESC").Limit(5)
	right := base.Where("c = 3")

	if len(base.wheres) != 1 || len(base.orders) != 0 || base.limit != 0 {
		t.Fatalf("base mutated: %+v", base)
	}
	if left.wheres[1].expr != "b = 2" || right.wheres[1].expr != "c = 3" {
		t.Fatalf("derived queries share clauses: %v / %v", left.wheres, right.wheres)
	}

	count := left.ForCount()
	if len(count.orders) != 0 || count.limit != 0 || count.offset != 0 || len(count.wheres) != 2 {
		t.Errorf("ForCount = %+v", count)
	}
	if len(left.orders) != 1 || left.limit != 5 {
		t.Errorf("ForCount mutated its receiver")
	}

	clone := left.Clone()
	clone.wheres[0].expr = "changed"
	if left.wheres[0].expr != "a = 1" {
		t.Errorf("Clone shares storage")
	}

	if q := base.Filter(nil); len(q.wheres) != 1 {
		t.Errorf("nil filter should be ignored")
	}
	if q := base.Filter(types.NewQueryFilter("name = ?", "x")); len(q.wheres) != 2 || q.wheres[1].args[0] != "x" {
		t.Errorf("filter not applied: %+v", q.wheres)
	}
}
