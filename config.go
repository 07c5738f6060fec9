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

package backbone

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/tomoncle/backbone/cache"
	"github.com/tomoncle/backbone/database"
	"gopkg.in/yaml.v3"
)

// LogConfig selects the level and output format of the named loggers.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

// Config is everything Open needs.
type Config struct {
	Database database.ConnectionConfig `json:"database" yaml:"database"`
	Cache    cache.Config              `json:"cache" yaml:"cache"`
	Log      LogConfig                 `json:"log" yaml:"log"`
}

// DefaultConfig returns a config with the database and cache defaults and
// no database selected.
func DefaultConfig() *Config {
	return &Config{
		Database: *database.DefaultConnectionConfig(),
		Cache:    cache.DefaultConfig(),
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML file over DefaultConfig, loads envFiles (".env"
// when none are given; a missing file is skipped), applies DB_*, CACHE_*,
// REDIS_* and LOG_* overrides and validates the result. An empty path
// skips the YAML step.
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	database.OverrideFromEnv(&cfg.Database)
	overrideCacheFromEnv(&cfg.Cache)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("CONSOLE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of the whole tree plus the memory cache
// settings when that driver is selected.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			fields := make([]string, 0, len(invalid))
			for _, fe := range invalid {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return err
	}
	if c.Cache.Driver == cache.DriverMemory {
		return c.Cache.Memory.Validate()
	}
	return nil
}

func overrideCacheFromEnv(cfg *cache.Config) {
	if v := os.Getenv("CACHE_DRIVER"); v != "" {
		cfg.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("CACHE_PREFIX"); v != "" {
		cfg.Prefix = v
	}
	if v, err := time.ParseDuration(os.Getenv("CACHE_TTL")); err == nil {
		cfg.TTL = v
	}
	if v, err := strconv.Atoi(os.Getenv("CACHE_CAPACITY")); err == nil {
		cfg.Memory.Capacity = v
	}

	if v := os.Getenv("REDIS_ADDRS"); v != "" {
		cfg.Redis.Addrs = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_USERNAME"); v != "" {
		cfg.Redis.Username = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.Redis.DB = v
	}
	if v, err := strconv.Atoi(os.Getenv("REDIS_POOL_SIZE")); err == nil {
		cfg.Redis.PoolSize = v
	}
}
