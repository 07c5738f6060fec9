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
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Entity is implemented by any struct pointer that embeds Model.
type Entity interface {
	base() *Model
}

// Model carries the attribute row an entity was built from and its
// relation slots. Embed it by value:
//
//	type Author struct {
//		repository.Model
//		ID   int64  `db:"id"`
//		Name string `db:"name"`
//	}
type Model struct {
	attributes map[string]interface{}
	slots      map[string]slot
}

type slot struct {
	toMany bool
	one    Entity
	many   []Entity
}

func (m *Model) base() *Model { return m }

// Attribute returns a column value after accessors were applied.
func (m *Model) Attribute(name string) (interface{}, bool) {
	v, ok := m.attributes[name]
	return v, ok
}

// Attributes returns a copy of the accessor-transformed row.
func (m *Model) Attributes() map[string]interface{} {
	out := make(map[string]interface{}, len(m.attributes))
	for k, v := range m.attributes {
		out[k] = v
	}
	return out
}

// Loaded reports whether the named relation slot has been filled.
func (m *Model) Loaded(relation string) bool {
	_, ok := m.slots[relation]
	return ok
}

// Relations lists the filled relation slots.
func (m *Model) Relations() []string {
	out := make([]string, 0, len(m.slots))
	for name := range m.slots {
		out = append(out, name)
	}
	return out
}

func (m *Model) setOne(relation string, e Entity) {
	if m.slots == nil {
		m.slots = make(map[string]slot)
	}
	m.slots[relation] = slot{one: e}
}

func (m *Model) setMany(relation string, es []Entity) {
	if m.slots == nil {
		m.slots = make(map[string]slot)
	}
	if es == nil {
		es = []Entity{}
	}
	m.slots[relation] = slot{toMany: true, many: es}
}

// One returns the entity held by a to-one relation slot. ok is false when
// the slot is unloaded or resolved to none.
func One[T Entity](e Entity, relation string) (T, bool) {
	var zero T
	s, loaded := e.base().slots[relation]
	if !loaded || s.one == nil {
		return zero, false
	}
	t, ok := s.one.(T)
	return t, ok
}

// Many returns the entities held by a to-many relation slot, in the order
// they were fetched. An unloaded slot yields nil.
func Many[T Entity](e Entity, relation string) []T {
	s, loaded := e.base().slots[relation]
	if !loaded {
		return nil
	}
	out := make([]T, 0, len(s.many))
	for _, child := range s.many {
		if t, ok := child.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// decode fills the typed fields of e from row using `db` tags.
func decode(row map[string]interface{}, e Entity) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "db",
		WeaklyTypedInput: true,
		Result:           e,
		DecodeHook:       timeHook,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(row); err != nil {
		return fmt.Errorf("repository: cannot decode row into %T: %w", e, err)
	}
	e.base().attributes = row
	return nil
}

var (
	timeType   = reflect.TypeOf(time.Time{})
	timeLayout = []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02",
	}
)

// timeHook parses the textual timestamps SQLite and MySQL hand back.
func timeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != timeType {
		return data, nil
	}
	var s string
	switch v := data.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return data, nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayout {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("cannot parse %q as time", s)
}
