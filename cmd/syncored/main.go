// Command syncored is the reference binary: it wires configuration,
// logging, metrics, the durable op-log and cross-instance fan-out
// adapters, and the WebSocket transport into one running server,
// mirroring the teacher's main.go/server.go split (main parses
// configuration and owns the process lifecycle; the long-running
// pieces are constructed here from this module's own packages rather
// than a second monolithic Server type).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/kestrel-rt/syncore/internal/config"
	"github.com/kestrel-rt/syncore/internal/entitystore"
	"github.com/kestrel-rt/syncore/internal/fanout"
	natsbus "github.com/kestrel-rt/syncore/internal/fanoutbus/nats"
	"github.com/kestrel-rt/syncore/internal/logging"
	"github.com/kestrel-rt/syncore/internal/oplog"
	kafkaoplog "github.com/kestrel-rt/syncore/internal/oplogstore/kafka"
	"github.com/kestrel-rt/syncore/internal/protocol"
	"github.com/kestrel-rt/syncore/internal/ratelimit"
	"github.com/kestrel-rt/syncore/internal/transport/wsock"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides SYNCORE_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LoggingConfig())
	cfg.LogConfig(logger)

	// automaxprocs rounds GOMAXPROCS down to the container's cgroup CPU
	// quota; logged so an operator can correlate CPU throttling with
	// the guard's own cgroup-aware CPU sampling.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("automaxprocs applied")

	var connCount int64
	guard := ratelimit.NewGuard(cfg.GuardConfig(), logger, &connCount)
	stopSampling := make(chan struct{})
	go sampleResourceLoop(guard, cfg.MetricsInterval, stopSampling)
	defer close(stopSampling)

	limiter := ratelimit.NewMessageLimiter(cfg.MessageLimitConfig())
	defer limiter.Close()

	store := entitystore.New(oplog.NewMemoryOpLog(oplog.DefaultConfig()))

	hub := wsock.NewHub()
	engine := fanout.New(hub, func(clientID, subID string, err error) {
		logger.Error().Str("client_id", clientID).Str("sub_id", subID).Err(err).Msg("fan-out delivery failed")
	})

	natsCfg := natsbus.DefaultConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.SubjectPrefix = cfg.NATSSubjectPrefix
	natsCfg.InstanceID = resolveInstanceID(cfg)
	bus, err := natsbus.Connect(natsCfg, engine.Broadcast, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to nats, cross-instance fan-out disabled")
	} else {
		defer bus.Close()
	}

	// Every local emit both drives this process's own subscribers and,
	// when nats is up, propagates to the rest of the fleet.
	store.SetOnEmit(func(entityType, entityID string, version int64, state map[string]any) {
		engine.Broadcast(entityType, entityID, version, state)
		if bus != nil {
			if pubErr := bus.Publish(entityType, entityID, version, state); pubErr != nil {
				logger.Error().Err(pubErr).Str("entity", entityType+":"+entityID).Msg("failed to publish emit to nats")
			}
		}
	})

	durableLog, err := kafkaoplog.New(kafkaoplog.Config{
		Brokers:       splitBrokers(cfg.KafkaBrokers),
		Topic:         cfg.KafkaTopic,
		ConsumerGroup: cfg.KafkaConsumerGroup,
		Partitions:    int32(cfg.KafkaPartitions),
	}, oplog.DefaultConfig(), logger, guard)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start durable kafka op-log, running with in-memory op-log only")
	} else {
		defer durableLog.Close()
		store.SetDurableLog(durableLog)
	}

	dispatcher := protocol.NewDispatcher(store, engine, nil)
	registerGenericOperations(dispatcher, store)

	server := wsock.NewServer(hub, dispatcher, guard, limiter, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.HandleFunc("/healthz", healthzHandler(store, bus, durableLog))
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// sampleResourceLoop refreshes the guard's CPU/memory view on a fixed
// interval, the same periodic-sample-then-enforce split the teacher's
// ResourceGuard uses so a slow cgroup read never blocks an admission
// decision.
func sampleResourceLoop(guard *ratelimit.Guard, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = guard.Sample()
		case <-stop:
			return
		}
	}
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveInstanceID(cfg *config.Config) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	host, err := os.Hostname()
	if err != nil {
		return "syncore-instance"
	}
	return host
}

// registerGenericOperations wires the entity store directly into the
// dispatcher as a small set of domain-agnostic operations: "get"
// reads one entity's current state, "emit" replaces it, and "watch"
// subscribes to it by (entity, entityId) taken straight from the
// request input. A host embedding this module would normally register
// its own richer operations instead; these exist so the reference
// binary is directly usable without an embedding application.
func registerGenericOperations(d *protocol.Dispatcher, store *entitystore.Store) {
	type entityRef struct {
		Entity   string `json:"entity"`
		EntityID string `json:"entityId"`
	}

	d.RegisterQuery("get", func(_ context.Context, input json.RawMessage) (any, error) {
		var ref entityRef
		if err := json.Unmarshal(input, &ref); err != nil {
			return nil, err
		}
		state, version, ok := store.GetState(ref.Entity, ref.EntityID)
		if !ok {
			return map[string]any{"found": false}, nil
		}
		return map[string]any{"found": true, "version": version, "data": state}, nil
	})

	d.RegisterMutation("emit", func(_ context.Context, input json.RawMessage) (any, error) {
		var req struct {
			entityRef
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		entry := store.Emit(req.Entity, req.EntityID, req.Data)
		return map[string]any{"version": entry.Version}, nil
	})

	d.RegisterSubscription("watch", func(_ context.Context, input json.RawMessage) (string, string, error) {
		var ref entityRef
		if err := json.Unmarshal(input, &ref); err != nil {
			return "", "", err
		}
		return ref.Entity, ref.EntityID, nil
	})
}

func healthzHandler(store *entitystore.Store, bus *natsbus.Bus, durableLog *kafkaoplog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		natsConnected := bus != nil && bus.IsConnected()
		kafkaConnected := durableLog != nil

		status := "ok"
		if !natsConnected || !kafkaConnected {
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":%q,"nats_connected":%t,"kafka_connected":%t}`,
			status, natsConnected, kafkaConnected)
	}
}
