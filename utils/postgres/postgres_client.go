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

// Package postgres provides PostgreSQL connection management using pgxpool,
// plus advisory-lock based leader election on a dedicated connection.
package postgres

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"go.codehub.dev/codehub/utils"
)

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	SSLMode         string
}

// ConnectionURL builds a PostgreSQL connection URL from the config. Userinfo
// escaping goes through url.URL so special characters (including spaces)
// survive parsing.
func (c PostgresConfig) ConnectionURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// PostgresClient handles PostgreSQL database operations
type PostgresClient struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresClient creates a new PostgreSQL client with connection pooling
func NewPostgresClient(ctx context.Context, config PostgresConfig, logger *slog.Logger) (*PostgresClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Parse config to get a pgxpool.Config
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}

	// Configure connection pool settings
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLifetime

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Ping to verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("postgres client connected successfully",
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("database", config.Database),
	)

	return &PostgresClient{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (c *PostgresClient) Close() {
	c.logger.Info("closing postgres client")
	c.pool.Close()
}

// Pool returns the underlying pgxpool.Pool for direct database access
func (c *PostgresClient) Pool() *pgxpool.Pool {
	return c.pool
}

// Ping verifies the database connection is still alive
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// PostgresFlagPointers holds pointers to flag values for PostgreSQL configuration
type PostgresFlagPointers struct {
	host     *string
	port     *int
	database *string
	user     *string
	password *string
	maxConns *int
	minConns *int
	sslMode  *string
}

// RegisterPostgresFlags registers PostgreSQL-related command-line flags.
// Returns a PostgresFlagPointers that should be converted to PostgresConfig
// after flag.Parse() is called
func RegisterPostgresFlags() *PostgresFlagPointers {
	return &PostgresFlagPointers{
		host: flag.String("postgres-host",
			utils.GetEnv("CODEHUB_POSTGRES_HOST", "localhost"),
			"PostgreSQL host"),
		port: flag.Int("postgres-port",
			utils.GetEnvInt("CODEHUB_POSTGRES_PORT", 5432),
			"PostgreSQL port"),
		database: flag.String("postgres-database",
			utils.GetEnv("CODEHUB_POSTGRES_DATABASE", "codehub"),
			"PostgreSQL database name"),
		user: flag.String("postgres-user",
			utils.GetEnv("CODEHUB_POSTGRES_USER", "codehub"),
			"PostgreSQL user"),
		password: flag.String("postgres-password",
			utils.GetEnvOrConfig("CODEHUB_POSTGRES_PASSWORD", "postgres_password", ""),
			"PostgreSQL password"),
		maxConns: flag.Int("postgres-max-conns",
			utils.GetEnvInt("CODEHUB_POSTGRES_MAX_CONNS", 10),
			"Maximum number of pooled connections"),
		minConns: flag.Int("postgres-min-conns",
			utils.GetEnvInt("CODEHUB_POSTGRES_MIN_CONNS", 2),
			"Minimum number of pooled connections"),
		sslMode: flag.String("postgres-ssl-mode",
			utils.GetEnv("CODEHUB_POSTGRES_SSL_MODE", "disable"),
			"PostgreSQL sslmode (disable, require, verify-full, ...)"),
	}
}

// ToPostgresConfig converts flag pointers to PostgresConfig
// This should be called after flag.Parse()
func (p *PostgresFlagPointers) ToPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            *p.host,
		Port:            *p.port,
		Database:        *p.database,
		User:            *p.user,
		Password:        *p.password,
		MaxConns:        int32(*p.maxConns),
		MinConns:        int32(*p.minConns),
		MaxConnLifetime: time.Hour,
		SSLMode:         *p.sslMode,
	}
}
