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

// Package metrics configures the OpenTelemetry meter provider used by all
// CodeHub services. Metrics are exported over OTLP/gRPC on a periodic reader.
package metrics

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"go.codehub.dev/codehub/utils"
)

// MetricsConfig holds configuration for the metrics system.
type MetricsConfig struct {
	OTLPEndpoint     string
	ExportIntervalMS int
	ServiceName      string
	ServiceVersion   string
	Enabled          bool
}

// ShutdownFunc flushes and stops the meter provider.
type ShutdownFunc func(ctx context.Context) error

// InitMeterProvider creates and globally registers an OTLP-backed meter
// provider and returns a meter for the service. When metrics are disabled it
// returns a no-op meter so instrument call sites need no conditionals.
func InitMeterProvider(ctx context.Context, config MetricsConfig) (metric.Meter, ShutdownFunc, error) {
	if !config.Enabled {
		return noop.NewMeterProvider().Meter(config.ServiceName),
			func(context.Context) error { return nil }, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(time.Duration(config.ExportIntervalMS)*time.Millisecond),
		)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	meterName := config.ServiceName
	if config.ServiceVersion != "" {
		meterName = config.ServiceName + "@" + config.ServiceVersion
	}

	return provider.Meter(meterName), provider.Shutdown, nil
}

// MetricsFlagPointers holds pointers to flag values for metrics configuration.
type MetricsFlagPointers struct {
	enable     *bool
	host       *string
	port       *int
	intervalMS *int
	component  *string
	version    *string
}

// RegisterMetricsFlags registers metrics-related command-line flags.
// Returns a MetricsFlagPointers that should be converted to MetricsConfig
// after flag.Parse() is called.
func RegisterMetricsFlags(defaultComponent string) *MetricsFlagPointers {
	return &MetricsFlagPointers{
		enable: flag.Bool("metrics-otel-enable",
			utils.GetEnvBool("CODEHUB_METRICS_OTEL_ENABLE", true),
			"Enable OpenTelemetry metrics"),
		host: flag.String("metrics-otel-collector-host",
			utils.GetEnv("CODEHUB_METRICS_OTEL_COLLECTOR_HOST", "localhost"),
			"OpenTelemetry collector host"),
		port: flag.Int("metrics-otel-collector-port",
			utils.GetEnvInt("CODEHUB_METRICS_OTEL_COLLECTOR_PORT", 4317),
			"OpenTelemetry collector port"),
		intervalMS: flag.Int("metrics-otel-collector-interval-ms",
			utils.GetEnvInt("CODEHUB_METRICS_OTEL_COLLECTOR_INTERVAL_MS", 6000),
			"OpenTelemetry export interval in milliseconds"),
		component: flag.String("metrics-otel-component",
			utils.GetEnv("CODEHUB_METRICS_OTEL_COMPONENT", defaultComponent),
			"Service name for OpenTelemetry metrics"),
		version: flag.String("service-version",
			utils.GetEnv("CODEHUB_SERVICE_VERSION", "unknown"),
			"Service version for OpenTelemetry metrics"),
	}
}

// ToMetricsConfig converts flag pointers to MetricsConfig.
// This should be called after flag.Parse().
func (m *MetricsFlagPointers) ToMetricsConfig() MetricsConfig {
	return MetricsConfig{
		OTLPEndpoint:     fmt.Sprintf("%s:%d", *m.host, *m.port),
		ExportIntervalMS: *m.intervalMS,
		ServiceName:      *m.component,
		ServiceVersion:   *m.version,
		Enabled:          *m.enable,
	}
}
