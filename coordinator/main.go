// SPDX-FileCopyrightText: Copyright (c) 2026 The CodeHub Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// The coordinator runs the CodeHub control plane: the bulk observer, the
// workspace controller, the TTL scheduler, the archive garbage collector, the
// change-data-capture listener, and the fleet metrics collector. Every loop
// is leader-elected on a PostgreSQL advisory lock, so any number of replicas
// can run while exactly one does each job.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.codehub.dev/codehub/pkg/agent"
	"go.codehub.dev/codehub/pkg/events"
	"go.codehub.dev/codehub/pkg/store"
	"go.codehub.dev/codehub/pkg/workspace"
	"go.codehub.dev/codehub/utils"
	"go.codehub.dev/codehub/utils/logging"
	"go.codehub.dev/codehub/utils/metrics"
	"go.codehub.dev/codehub/utils/postgres"
	"go.codehub.dev/codehub/utils/redis"
)

const serviceName = "coordinator"

func main() {
	logFlags := logging.RegisterFlags()
	pgFlags := postgres.RegisterPostgresFlags()
	redisFlags := redis.RegisterRedisFlags()
	agentFlags := agent.RegisterAgentFlags()
	metricsFlags := metrics.RegisterMetricsFlags(serviceName)

	clusterID := flag.String("cluster-id",
		utils.GetEnv("CODEHUB_CLUSTER_ID", "codehub"),
		"Cluster prefix for container names and archive keys")
	observerIntervalSec := flag.Int("observer-interval-sec",
		utils.GetEnvInt("CODEHUB_OBSERVER_INTERVAL_SEC", 30),
		"Bulk observer tick interval in seconds")
	controllerActiveSec := flag.Int("controller-active-interval-sec",
		utils.GetEnvInt("CODEHUB_CONTROLLER_ACTIVE_INTERVAL_SEC", 2),
		"Controller tick interval while operations are in flight, in seconds")
	controllerIdleSec := flag.Int("controller-idle-interval-sec",
		utils.GetEnvInt("CODEHUB_CONTROLLER_IDLE_INTERVAL_SEC", 30),
		"Controller tick interval while the fleet is converged, in seconds")
	ttlIntervalSec := flag.Int("ttl-interval-sec",
		utils.GetEnvInt("CODEHUB_TTL_INTERVAL_SEC", 60),
		"TTL scheduler tick interval in seconds")
	ttlStandbySec := flag.Int("ttl-standby-sec",
		utils.GetEnvInt("CODEHUB_TTL_STANDBY_SEC", 300),
		"Idle seconds before a RUNNING workspace is demoted to STANDBY")
	ttlArchiveSec := flag.Int("ttl-archive-sec",
		utils.GetEnvInt("CODEHUB_TTL_ARCHIVE_SEC", 1800),
		"Dwell seconds before a STANDBY workspace is demoted to ARCHIVED")
	gcIntervalSec := flag.Int("gc-interval-sec",
		utils.GetEnvInt("CODEHUB_GC_INTERVAL_SEC", 3600),
		"Archive garbage collector interval in seconds")
	collectIntervalSec := flag.Int("metrics-collect-interval-sec",
		utils.GetEnvInt("CODEHUB_METRICS_COLLECT_INTERVAL_SEC", 60),
		"Fleet gauge collection interval in seconds")
	maxRetries := flag.Int("max-retries",
		utils.GetEnvInt("CODEHUB_MAX_RETRIES", 3),
		"Transient failures per workspace before RetryExceeded")
	containerTimeoutSec := flag.Int("op-container-timeout-sec",
		utils.GetEnvInt("CODEHUB_OP_CONTAINER_TIMEOUT_SEC", 120),
		"Deadline for container start/stop operations in seconds")
	volumeTimeoutSec := flag.Int("op-volume-timeout-sec",
		utils.GetEnvInt("CODEHUB_OP_VOLUME_TIMEOUT_SEC", 60),
		"Deadline for volume provisioning in seconds")
	archiveTimeoutSec := flag.Int("op-archive-timeout-sec",
		utils.GetEnvInt("CODEHUB_OP_ARCHIVE_TIMEOUT_SEC", 1800),
		"Deadline for archive and restore operations in seconds")
	deleteTimeoutSec := flag.Int("op-delete-timeout-sec",
		utils.GetEnvInt("CODEHUB_OP_DELETE_TIMEOUT_SEC", 300),
		"Deadline for workspace deletion in seconds")
	streamMaxLen := flag.Int("event-stream-maxlen",
		utils.GetEnvInt("CODEHUB_EVENT_STREAM_MAXLEN", events.DefaultStreamMaxLen),
		"Approximate per-owner event stream length bound")
	flag.Parse()

	logger := logging.InitLogger(serviceName, logFlags.ToConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meter, shutdownMetrics, err := metrics.InitMeterProvider(ctx, metricsFlags.ToMetricsConfig())
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	inst, err := NewInstruments(meter)
	if err != nil {
		log.Fatalf("Failed to create instruments: %v", err)
	}

	pgConfig := pgFlags.ToPostgresConfig()
	pgClient, err := postgres.NewPostgresClient(ctx, pgConfig, logger)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer pgClient.Close()

	if err := store.Migrate(ctx, pgClient.Pool()); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}
	st := store.NewStore(pgClient.Pool(), logger)

	redisClient, err := redis.NewRedisClient(ctx, redisFlags.ToRedisConfig(), logger)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	bus := events.NewWakeBus(redisClient.Client(), logger)
	stream := events.NewEventStream(redisClient.Client(), int64(*streamMaxLen), logger)
	activity := events.NewActivityStore(redisClient.Client())
	agentClient := agent.NewClient(agentFlags.ToAgentConfig(), logger)

	planConfig := workspace.PlanConfig{
		OpTimeouts: map[workspace.Operation]time.Duration{
			workspace.OpProvisioning:       time.Duration(*volumeTimeoutSec) * time.Second,
			workspace.OpRestoring:          time.Duration(*archiveTimeoutSec) * time.Second,
			workspace.OpStarting:           time.Duration(*containerTimeoutSec) * time.Second,
			workspace.OpStopping:           time.Duration(*containerTimeoutSec) * time.Second,
			workspace.OpArchiving:          time.Duration(*archiveTimeoutSec) * time.Second,
			workspace.OpCreateEmptyArchive: time.Duration(*archiveTimeoutSec) * time.Second,
			workspace.OpDeleting:           time.Duration(*deleteTimeoutSec) * time.Second,
		},
		MaxRetries: *maxRetries,
	}

	wcLock := postgres.NewLeaderLock(pgConfig, LockController, logger)
	cdcLock := postgres.NewLeaderLock(pgConfig, LockCDC, logger)

	observer := NewObserver(st, agentClient, *clusterID,
		time.Duration(*observerIntervalSec)*time.Second, logger)
	controller := NewController(st, agentClient, wcLock, planConfig, *clusterID,
		time.Duration(*controllerActiveSec)*time.Second,
		time.Duration(*controllerIdleSec)*time.Second,
		inst, logger)
	ttl := NewTTLScheduler(st, activity,
		time.Duration(*ttlStandbySec)*time.Second,
		time.Duration(*ttlArchiveSec)*time.Second,
		time.Duration(*ttlIntervalSec)*time.Second, logger)
	gc := NewArchiveGC(st, agentClient, *clusterID,
		time.Duration(*gcIntervalSec)*time.Second, inst, logger)
	collector := NewMetricsCollector(st,
		time.Duration(*collectIntervalSec)*time.Second, inst)
	cdc, err := NewCDCListener(pgConfig, st, stream, bus, cdcLock, inst, logger)
	if err != nil {
		log.Fatalf("Failed to create cdc listener: %v", err)
	}

	obWaker := bus.Subscribe(ctx, events.ChannelObserverWake)
	defer obWaker.Close()
	wcWaker := bus.Subscribe(ctx, events.ChannelControllerWake)
	defer wcWaker.Close()
	gcWaker := bus.Subscribe(ctx, events.ChannelGCWake)
	defer gcWaker.Close()

	logger.Info("coordinator starting", "cluster", *clusterID)

	var wg sync.WaitGroup
	launch := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	launch(func() {
		runCoordinator(ctx, observer,
			postgres.NewLeaderLock(pgConfig, LockObserver, logger), obWaker, inst, logger)
	})
	launch(func() {
		runCoordinator(ctx, controller, wcLock, wcWaker, inst, logger)
	})
	launch(func() {
		runCoordinator(ctx, ttl,
			postgres.NewLeaderLock(pgConfig, LockTTL, logger), nil, inst, logger)
	})
	launch(func() {
		runCoordinator(ctx, gc,
			postgres.NewLeaderLock(pgConfig, LockGC, logger), gcWaker, inst, logger)
	})
	launch(func() {
		runCoordinator(ctx, collector,
			postgres.NewLeaderLock(pgConfig, LockMetrics, logger), nil, inst, logger)
	})
	launch(func() { cdc.Run(ctx) })

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", "error", err)
	}
	logger.Info("coordinator stopped")
}
