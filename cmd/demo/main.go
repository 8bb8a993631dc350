// Command demo drives the relaygrpc core runtime end to end against an
// in-process simulated backend: it loads a YAML scenario describing the
// backend addresses and retry policy, wires up a load balancer and retry
// executor, sends the scenario's requests through them, and serves a
// /debug/* HTTP surface and Prometheus metrics while it runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/backoff"

	"github.com/relaygrpc/core/balancer/pickfirst"
	"github.com/relaygrpc/core/balancer/roundrobin"
	"github.com/relaygrpc/core/broadcast"
	"github.com/relaygrpc/core/executor"
	"github.com/relaygrpc/core/resolver"
	"github.com/relaygrpc/core/throttle"
	"github.com/relaygrpc/core/transport"
)

func main() {
	scenarioPath := flag.String("scenario", "scenario.yaml", "path to the demo scenario YAML file")
	flag.Parse()

	scenario, err := loadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaygrpc-demo: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(scenario.LogLevel)
	slog.SetDefault(logger)

	logger.Info("scenario loaded",
		slog.String("scenario_path", *scenarioPath),
		slog.String("balancer", scenario.Balancer),
		slog.Int("addresses", len(scenario.Addresses)),
		slog.Int("requests", len(scenario.Requests)),
	)

	connector := newEchoConnector(len(scenario.Requests))
	backoffCfg := backoff.Config{
		BaseDelay:  scenario.Backoff.BaseDelay,
		Multiplier: scenario.Backoff.Multiplier,
		Jitter:     scenario.Backoff.Jitter,
		MaxDelay:   scenario.Backoff.MaxDelay,
	}

	endpoint := resolver.Endpoint{Addresses: make([]resolver.Address, len(scenario.Addresses))}
	for i, addr := range scenario.Addresses {
		endpoint.Addresses[i] = resolver.Address{HostPort: addr}
	}

	// Registered on the default registry, which the debug router's /metrics
	// handler serves.
	metrics := newDemoMetrics(prometheus.DefaultRegisterer)

	var picker executor.Picker
	var reporter stateReporter
	var closeBalancer func()

	switch scenario.Balancer {
	case "pick_first":
		b := pickfirst.New(connector, backoffCfg, logger)
		b.UpdateEndpoints([]resolver.Endpoint{endpoint})
		picker, reporter, closeBalancer = b, b, b.Close
	default:
		b := roundrobin.New(connector, backoffCfg, logger)
		b.UpdateEndpoints([]resolver.Endpoint{endpoint})
		picker, reporter, closeBalancer = b, b, b.Close
	}
	defer closeBalancer()

	th := throttle.New(scenario.Retry.MaxTokens, scenario.Retry.TokenRatio)
	exec := executor.New(picker, th, executor.Policy{
		MaxAttempts: scenario.Retry.MaxAttempts,
		HedgeDelay:  scenario.Retry.HedgeDelay,
	}, logger)

	debugServer := &http.Server{
		Addr:         scenario.DebugAddr,
		Handler:      newDebugRouter(reporter),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("debug server listening", slog.String("addr", scenario.DebugAddr))
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server error", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		runScenario(ctx, exec, scenario, metrics, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	case <-runDone:
		logger.Info("scenario finished")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := debugServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("debug server shutdown error", slog.Any("error", err))
	}

	<-runDone
	logger.Info("relaygrpc demo exited cleanly")
}

// runScenario sends every request in the scenario through the executor on
// its own broadcast sequence, tagging each run with a uuid-backed attempt id
// (via the executor's own attempt tagging) and recording Prometheus metrics
// for attempts and retries. Nothing here increments throttled_total.
func runScenario(ctx context.Context, exec *executor.Executor, scenario *Scenario, metrics *demoMetrics, logger *slog.Logger) {
	requests := broadcast.NewSequence[any](len(scenario.Requests))
	for _, r := range scenario.Requests {
		if err := requests.Yield(ctx, r); err != nil {
			logger.Error("failed to enqueue request", slog.Any("error", err))
			return
		}
	}
	requests.Finish(nil)

	out := exec.Execute(ctx, transport.Descriptor{FullMethod: "/relaygrpc.demo.Echo/Call"}, requests)

	metrics.attemptsTotal.Add(float64(out.Attempts))
	if out.Attempts > 1 {
		metrics.retriesTotal.Add(float64(out.Attempts - 1))
	}
	for _, addr := range scenario.Addresses {
		metrics.picksTotal.WithLabelValues(addr).Inc()
	}

	if out.Err != nil {
		logger.Error("scenario failed", slog.Any("error", out.Err), slog.Int("attempts", out.Attempts))
		return
	}
	logger.Info("scenario succeeded",
		slog.Int("attempts", out.Attempts),
		slog.Int("responses", len(out.Responses)),
	)
	for _, resp := range out.Responses {
		logger.Debug("response", slog.Any("value", resp))
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
