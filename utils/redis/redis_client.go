/*
SPDX-FileCopyrightText: Copyright (c) 2026 The CodeHub Authors. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package redis manages the shared go-redis connection backing the wake bus,
// the per-owner event streams and the activity store.
package redis

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"go.codehub.dev/codehub/utils"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host       string
	Port       int
	Password   string
	DB         int
	TLSEnabled bool
}

// RedisClient owns one verified Redis connection for the process.
type RedisClient struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisClient connects and pings before handing the client out, so wiring
// errors surface at startup rather than on the first wake or stream append.
func NewRedisClient(ctx context.Context, config RedisConfig, logger *slog.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	options := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	}
	if config.TLSEnabled {
		options.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info("redis client connected",
		slog.String("address", options.Addr),
		slog.Int("db", config.DB),
		slog.Bool("tls", config.TLSEnabled),
	)
	return &RedisClient{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *RedisClient) Close() error {
	c.logger.Info("closing redis client")
	return c.client.Close()
}

// Client returns the underlying redis.Client for the events packages.
func (c *RedisClient) Client() *redis.Client {
	return c.client
}

// RedisFlagPointers holds pointers to flag values for Redis configuration.
type RedisFlagPointers struct {
	host       *string
	port       *int
	password   *string
	db         *int
	tlsEnabled *bool
}

// RegisterRedisFlags registers Redis-related command-line flags. Returns a
// RedisFlagPointers that should be converted to RedisConfig after flag.Parse()
// is called.
func RegisterRedisFlags() *RedisFlagPointers {
	return &RedisFlagPointers{
		host: flag.String("redis-host",
			utils.GetEnv("CODEHUB_REDIS_HOST", "localhost"),
			"Redis host"),
		port: flag.Int("redis-port",
			utils.GetEnvInt("CODEHUB_REDIS_PORT", 6379),
			"Redis port"),
		password: flag.String("redis-password",
			utils.GetEnvOrConfig("CODEHUB_REDIS_PASSWORD", "redis_password", ""),
			"Redis password"),
		db: flag.Int("redis-db-number",
			utils.GetEnvInt("CODEHUB_REDIS_DB_NUMBER", 0),
			"Redis database number to connect to. Default value is 0"),
		tlsEnabled: flag.Bool("redis-tls-enable",
			utils.GetEnvBool("CODEHUB_REDIS_TLS_ENABLE", false),
			"Enable TLS for Redis connection"),
	}
}

// ToRedisConfig converts flag pointers to RedisConfig. This should be called
// after flag.Parse().
func (r *RedisFlagPointers) ToRedisConfig() RedisConfig {
	return RedisConfig{
		Host:       *r.host,
		Port:       *r.port,
		Password:   *r.password,
		DB:         *r.db,
		TLSEnabled: *r.tlsEnabled,
	}
}
