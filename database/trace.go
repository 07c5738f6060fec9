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

package database

import (
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const maxTraceFrames = 32

var layerPrefix = reflect.TypeOf(Connection{}).PkgPath() + "."

// QueryProfile is one traced execution.
type QueryProfile struct {
	Duration    time.Duration
	Statement   string
	Bindings    int
	Fingerprint uint64
	// Frames are "file:line" call sites, innermost first, without frames
	// from this package or the Go runtime.
	Frames []string
}

// QuerySummary aggregates profiles that share a fingerprint.
type QuerySummary struct {
	Fingerprint uint64
	Statement   string
	Count       int
	Total       time.Duration
}

func (c *Connection) EnableTracing() { c.tracing = true }

func (c *Connection) DisableTracing() { c.tracing = false }

func (c *Connection) TracingEnabled() bool { return c.tracing }

// History returns a copy of the traced executions in execution order.
func (c *Connection) History() []QueryProfile {
	out := make([]QueryProfile, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Connection) ResetHistory() { c.history = nil }

// HistorySummary groups the history by statement fingerprint, keeping first
// appearance order.
func (c *Connection) HistorySummary() []QuerySummary {
	index := make(map[uint64]int)
	var out []QuerySummary
	for _, p := range c.history {
		i, ok := index[p.Fingerprint]
		if !ok {
			i = len(out)
			index[p.Fingerprint] = i
			out = append(out, QuerySummary{Fingerprint: p.Fingerprint, Statement: p.Statement})
		}
		out[i].Count++
		out[i].Total += p.Duration
	}
	return out
}

func (c *Connection) record(start time.Time, statement string, bindings []interface{}) {
	if !c.tracing {
		return
	}
	c.history = append(c.history, QueryProfile{
		Duration:    time.Since(start),
		Statement:   statement,
		Bindings:    len(bindings),
		Fingerprint: Fingerprint(statement),
		Frames:      callSites(),
	})
}

// Fingerprint hashes a statement with whitespace collapsed and case folded.
func Fingerprint(statement string) uint64 {
	return xxhash.Sum64String(strings.ToLower(strings.Join(strings.Fields(statement), " ")))
}

func callSites() []string {
	pcs := make([]uintptr, maxTraceFrames)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var out []string
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, layerPrefix) && !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, f.File+":"+strconv.Itoa(f.Line))
		}
		if !more {
			break
		}
	}
	return out
}
