package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-automation/migrations"

	"github.com/nerrad567/gray-logic-automation/internal/api"
	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/bridges/mqttbus"
	"github.com/nerrad567/gray-logic-automation/internal/capability"
	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-automation/internal/scheduler"
	"github.com/nerrad567/gray-logic-automation/internal/script"
	"github.com/nerrad567/gray-logic-automation/internal/state"
	"github.com/nerrad567/gray-logic-automation/internal/trigger"
)

// run is the daemon, separated from the command for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, cfgPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Automation",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", cfgPath)

	log = logging.New(cfg.Logging, version).With("site", cfg.Site.ID)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	maxExceeded, err := script.ParseSeverity(cfg.Engine.DefaultMaxExceeded)
	if err != nil {
		return fmt.Errorf("engine.default_max_exceeded: %w", err)
	}

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Embedded broker (single-box installs)
	if cfg.MQTT.Broker.Embedded {
		addr := fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port)
		broker, brokerErr := mqtt.NewBroker(addr, log.Logger)
		if brokerErr != nil {
			return fmt.Errorf("creating embedded broker: %w", brokerErr)
		}
		if startErr := broker.Start(); startErr != nil {
			return fmt.Errorf("starting embedded broker: %w", startErr)
		}
		defer func() {
			log.Info("stopping embedded MQTT broker")
			if closeErr := broker.Close(); closeErr != nil {
				log.Error("error stopping broker", "error", closeErr)
			}
		}()
		log.Info("embedded MQTT broker listening", "address", broker.Address())
	}

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	qos := byte(cfg.MQTT.QoS) //nolint:gosec // validated to 0..2

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	bus := event.NewBus()

	// Device state mirror
	store := state.NewStore()
	feed := state.NewFeed(store, mqttClient, qos)
	feed.SetLogger(log)
	if startErr := feed.Start(); startErr != nil {
		return fmt.Errorf("starting state feed: %w", startErr)
	}
	defer func() {
		if stopErr := feed.Stop(); stopErr != nil {
			log.Warn("error stopping state feed", "error", stopErr)
		}
	}()

	// Device commands
	invoker := capability.NewMQTTInvoker(mqttClient, qos, cfg.AckTimeout())
	invoker.SetLogger(log)
	if startErr := invoker.Start(); startErr != nil {
		return fmt.Errorf("starting capability invoker: %w", startErr)
	}
	defer func() {
		if stopErr := invoker.Stop(); stopErr != nil {
			log.Warn("error stopping capability invoker", "error", stopErr)
		}
	}()
	router := capability.NewRouter(invoker)

	triggers := trigger.New(store, bus)
	triggers.SetLogger(log)
	triggers.SetMQTT(mqttClient, qos)

	// Engine
	opts := automation.Options{
		DefaultMax:         cfg.Engine.DefaultMax,
		DefaultMaxExceeded: maxExceeded,
		ShutdownMaxWait:    cfg.ShutdownMaxWait(),
	}
	if influxClient != nil {
		opts.RoutineMetrics = influxClient
	}
	registry := automation.NewRegistry(script.Deps{
		States:           store,
		Triggers:         triggers,
		Invoker:          router,
		Bus:              bus,
		Logger:           log,
		ServiceCallLimit: cfg.ServiceCallLimit(),
		Now:              siteClock(cfg.Location()),
	}, opts)
	registry.SetLogger(log)
	router.Register(automation.DomainScript, registry)
	router.Register(automation.DomainAutomation, registry)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(registry, scheduler.Options{
			QueueSize:          cfg.Scheduler.QueueSize,
			ImplicitCompletion: cfg.Scheduler.ImplicitCompletion,
			ActionTimeout:      cfg.ActionTimeout(),
		})
		sched.SetLogger(log)
		unlisten := sched.ListenBus(bus)
		registry.SetScheduler(sched)
		defer func() {
			log.Info("stopping dependency scheduler")
			unlisten()
			sched.Close()
		}()
		log.Info("dependency scheduler enabled",
			"implicit_completion", cfg.Scheduler.ImplicitCompletion,
			"action_timeout", cfg.ActionTimeout(),
		)
	}

	bridge := mqttbus.New(mqttClient, bus, mqttbus.Options{
		QoS:      qos,
		Progress: cfg.Scheduler.Enabled,
		Mirror:   true,
	})
	bridge.SetLogger(log)
	if startErr := bridge.Start(); startErr != nil {
		return fmt.Errorf("starting MQTT bus bridge: %w", startErr)
	}
	defer bridge.Stop()
	registry.SetChangeListener(bridge.ScriptChanged)

	// Run history
	runs := automation.NewSQLiteRepository(db.DB)
	var recorder *automation.Recorder
	if influxClient != nil {
		recorder = automation.NewRecorder(runs, influxClient)
	} else {
		recorder = automation.NewRecorder(runs, nil)
	}
	recorder.SetLogger(log)
	recorder.SetRetention(time.Duration(cfg.Engine.HistoryRetention) * 24 * time.Hour)
	recorder.Start(ctx, bus)
	defer func() {
		recorder.Stop()
		if n := recorder.Dropped(); n > 0 {
			log.Warn("run recorder dropped events", "count", n)
		}
	}()

	if loadErr := loadRoutines(ctx, registry, cfg.Engine.RoutinesFile); loadErr != nil {
		return loadErr
	}
	log.Info("routines loaded", "path", cfg.Engine.RoutinesFile, "count", registry.Count())

	// Control API
	probes := map[string]api.Prober{"database": db, "mqtt": mqttClient}
	if influxClient != nil {
		probes["influxdb"] = influxClient
	}
	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Engine:  registry,
		Runs:    runs,
		Bus:     bus,
		Probes:  probes,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	log.Info("initialisation complete, waiting for shutdown signal")

	for {
		select {
		case <-hup:
			reloadLogLevel(log, cfgPath)
			if reloadErr := loadRoutines(ctx, registry, cfg.Engine.RoutinesFile); reloadErr != nil {
				log.Error("reload failed, keeping previous routines", "error", reloadErr)
				continue
			}
			log.Info("routines reloaded", "count", registry.Count())
		case <-ctx.Done():
			log.Info("shutdown signal received, cleaning up")

			stopCtx, cancel := shutdownContext(cfg.ShutdownMaxWait())
			if stopErr := registry.StopAll(stopCtx); stopErr != nil {
				log.Warn("scripts still running at shutdown", "error", stopErr)
			}
			cancel()

			// Deferred cleanup runs in reverse: API, recorder, bridge,
			// scheduler, invoker, state feed, InfluxDB, MQTT, broker, database.
			log.Info("Gray Logic Automation stopped")
			return nil
		}
	}
}

// siteClock reports wall time in the site's zone so time conditions and
// templates see local hours.
func siteClock(loc *time.Location) func() time.Time {
	return func() time.Time { return time.Now().In(loc) }
}

// reloadLogLevel applies logging.level from a fresh read of the config
// file. Other settings need a restart.
func reloadLogLevel(log *logging.Logger, cfgPath string) {
	fresh, err := config.Load(cfgPath)
	if err != nil {
		log.Warn("config reload failed, keeping log level", "error", err)
		return
	}
	if level := logging.ParseLevel(fresh.Logging.Level); level != log.Level() {
		log.SetLevel(fresh.Logging.Level)
		log.Info("log level changed", "level", level.String())
	}
}

// loadRoutines reads the routines file and swaps it into the registry.
// A missing file loads nothing so a fresh install starts cleanly.
func loadRoutines(ctx context.Context, registry *automation.Registry, path string) error {
	defs, err := automation.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading routines: %w", err)
	}
	if err := registry.Load(ctx, defs); err != nil {
		return fmt.Errorf("loading routines: %w", err)
	}
	return nil
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
