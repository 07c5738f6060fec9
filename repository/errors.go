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
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup by primary key or by query matches
// no row.
var ErrNotFound = errors.New("repository: entity not found")

// UnknownRelationError reports a relation name that was never declared with
// Relate.
type UnknownRelationError struct {
	Table    string
	Relation string
}

func (e *UnknownRelationError) Error() string {
	return fmt.Sprintf("repository: relation %q is not declared on %s", e.Relation, e.Table)
}
