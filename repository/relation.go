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
	"github.com/tomoncle/backbone/types"
	"github.com/uptrace/bun"
)

// Kind is the shape of a relation.
type Kind int

const (
	KindHasMany Kind = iota + 1
	KindHasOne
	KindBelongsTo
	KindBelongsToMany
)

var _ types.BaseEnum = KindHasMany

var kindNames = map[Kind][2]string{
	KindHasMany:       {"has_many", "parent key matches many target rows"},
	KindHasOne:        {"has_one", "parent key matches at most one target row"},
	KindBelongsTo:     {"belongs_to", "parent holds the key of one target row"},
	KindBelongsToMany: {"belongs_to_many", "parent and target are linked through a pivot table"},
}

func (k Kind) IsValid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) Number() int {
	if !k.IsValid() {
		return types.IllegalValue
	}
	return int(k)
}

func (k Kind) Name() string {
	if n, ok := kindNames[k]; ok {
		return n[0]
	}
	return types.IllegalName
}

func (k Kind) Desc() string {
	if n, ok := kindNames[k]; ok {
		return n[1]
	}
	return types.IllegalDesc
}

func (k Kind) String() string { return k.Name() }

// ToMany reports whether the relation fills a list slot.
func (k Kind) ToMany() bool { return k == KindHasMany || k == KindBelongsToMany }

// ParseKind resolves a kind from its name.
func ParseKind(name string) (Kind, bool) {
	return types.ParseEnum(name, KindHasMany, KindHasOne, KindBelongsTo, KindBelongsToMany)
}

// Criteria narrows the query that fetches a relation's targets.
type Criteria func(q *bun.SelectQuery) *bun.SelectQuery

// Through names the pivot table of a belongs-to-many relation.
// LocalPivotKey holds the parent's local key and ForeignPivotKey the
// target's foreign key.
type Through struct {
	Table           string
	LocalPivotKey   string
	ForeignPivotKey string
}

// Relation declares how the entities of one repository reach those of
// Target. LocalKey is read from the parent, ForeignKey from the target.
// Relations are values; Where returns a modified copy.
type Relation struct {
	Kind       Kind
	Target     Source
	LocalKey   KeyPath
	ForeignKey KeyPath
	Through    *Through
	Filter     Criteria
}

func HasMany(target Source, localKey, foreignKey string) Relation {
	return Relation{Kind: KindHasMany, Target: target, LocalKey: Path(localKey), ForeignKey: Path(foreignKey)}
}

func HasOne(target Source, localKey, foreignKey string) Relation {
	return Relation{Kind: KindHasOne, Target: target, LocalKey: Path(localKey), ForeignKey: Path(foreignKey)}
}

func BelongsTo(target Source, localKey, foreignKey string) Relation {
	return Relation{Kind: KindBelongsTo, Target: target, LocalKey: Path(localKey), ForeignKey: Path(foreignKey)}
}

func BelongsToMany(target Source, through Through, localKey, foreignKey string) Relation {
	return Relation{
		Kind:       KindBelongsToMany,
		Target:     target,
		LocalKey:   Path(localKey),
		ForeignKey: Path(foreignKey),
		Through:    &through,
	}
}

// Where returns a copy of r whose target query is narrowed by criteria.
// Successive calls compose in order.
func (r Relation) Where(criteria Criteria) Relation {
	prev := r.Filter
	if prev == nil {
		r.Filter = criteria
		return r
	}
	r.Filter = func(q *bun.SelectQuery) *bun.SelectQuery {
		return criteria(prev(q))
	}
	return r
}
