/*
Copyright The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nathangeology/clustermini/pkg/api"
	"github.com/nathangeology/clustermini/pkg/cluster"
	"github.com/nathangeology/clustermini/pkg/config"
	"github.com/nathangeology/clustermini/pkg/health"
	"github.com/nathangeology/clustermini/pkg/metrics"
	"github.com/nathangeology/clustermini/pkg/provisioning"
	"github.com/nathangeology/clustermini/pkg/runtime"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(log); err != nil {
		log.Fatal("control plane exited with error", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg := config.Load()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dockerRT, err := runtime.NewDockerRuntime(ctx, cfg.DockerHost, log)
	if err != nil {
		// RuntimeMissing per spec.md §7: fatal, exit non-zero.
		return err
	}
	defer dockerRT.Close()

	if err := provisioning.ReconcileStartup(ctx, dockerRT, log); err != nil {
		log.Warn("startup reconciliation failed, continuing", zap.Error(err))
	}

	store := cluster.NewStore()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// health.Monitor and provisioning.Scheduler each need a handle to the
	// other (the sweeper calls RescheduleFrom, AddNode spawns a collector)
	// but neither package imports the other — wire them through the small
	// interfaces each package declares locally.
	var sched *provisioning.Scheduler
	mon := health.NewMonitor(store, dockerRT, schedulerProxy{get: func() *provisioning.Scheduler { return sched }}, log)
	sched = provisioning.NewScheduler(store, dockerRT, mon, cfg.SystemCPUCount, log)
	mon.Start(ctx)

	apiServer := api.NewServer(store, sched, log)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("control plane listening", zap.String("addr", cfg.ListenAddr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// schedulerProxy defers resolving the Scheduler until after both it and the
// Monitor are constructed, breaking their otherwise circular construction
// order without making either package import the other.
type schedulerProxy struct {
	get func() *provisioning.Scheduler
}

func (p schedulerProxy) RescheduleFrom(ctx context.Context, nodeID string) (int, int) {
	return p.get().RescheduleFrom(ctx, nodeID)
}
