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

package cache

import (
	"bytes"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeRow serializes a row with msgpack.
func EncodeRow(row map[string]interface{}) ([]byte, error) {
	return msgpack.Marshal(row)
}

// DecodeRow is the inverse of EncodeRow. Integers come back as int64, or
// uint64 above math.MaxInt64, floats as float64, binary values as []byte
// and nested maps as map[string]interface{}.
func DecodeRow(b []byte) (map[string]interface{}, error) {
	var row map[string]interface{}
	if err := msgpack.NewDecoder(bytes.NewReader(b)).Decode(&row); err != nil {
		return nil, err
	}
	for k, v := range row {
		row[k] = widen(v)
	}
	return row, nil
}

// widen maps the sized numbers msgpack picks for compact encoding back onto
// the types database drivers scan into.
func widen(v interface{}) interface{} {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return widen(uint64(x))
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case float32:
		return float64(x)
	case map[string]interface{}:
		for k, e := range x {
			x[k] = widen(e)
		}
		return x
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = widen(e)
		}
		return m
	case []interface{}:
		for i, e := range x {
			x[i] = widen(e)
		}
		return x
	default:
		return v
	}
}
