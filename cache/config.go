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
	"context"
	"fmt"
	"time"
)

const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config selects and configures a Store.
type Config struct {
	Driver string        `json:"driver" yaml:"driver" validate:"omitempty,oneof=none memory redis"`
	Prefix string        `json:"prefix" yaml:"prefix"`
	TTL    time.Duration `json:"ttl" yaml:"ttl" validate:"gte=0"`
	Memory MemoryConfig  `json:"memory" yaml:"memory"`
	Redis  RedisConfig   `json:"redis" yaml:"redis"`
}

func DefaultConfig() Config {
	return Config{
		Driver: DriverNone,
		TTL:    5 * time.Minute,
		Memory: DefaultMemoryConfig(),
		Redis:  DefaultRedisConfig(),
	}
}

// Enabled reports whether the config selects a real store.
func (c Config) Enabled() bool {
	return c.Driver != "" && c.Driver != DriverNone
}

// NewStore builds the store selected by cfg.Driver. It returns nil, nil
// when caching is disabled.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return nil, nil
	case DriverMemory:
		mem := cfg.Memory
		if cfg.TTL > 0 {
			mem.TTL = cfg.TTL
		}
		return NewMemoryStore(mem)
	case DriverRedis:
		return DialRedis(ctx, cfg.Redis, cfg.TTL)
	default:
		return nil, fmt.Errorf("cache: unsupported driver %q", cfg.Driver)
	}
}
