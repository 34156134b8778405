// Canopy Agent - Edge Device Management
//
// This is the main entry point for the Canopy agent. The agent runs on an
// edge device and keeps three things in sync:
//   - The entity tree: the device, its children, and their services,
//     mirrored as retained messages on the local MQTT bus
//   - Twin state: arbitrary JSON attributes attached to each entity
//   - Commands: declarative workflows (restart, software update, config
//     management) executed as bus-persisted state machines
//
// A small HTTP adapter exposes the same model to local tooling that does
// not speak MQTT.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/canopyhq/canopy-agent/migrations"

	"github.com/canopyhq/canopy-agent/internal/api"
	"github.com/canopyhq/canopy-agent/internal/entity"
	"github.com/canopyhq/canopy-agent/internal/history"
	"github.com/canopyhq/canopy-agent/internal/infrastructure/config"
	"github.com/canopyhq/canopy-agent/internal/infrastructure/database"
	"github.com/canopyhq/canopy-agent/internal/infrastructure/influxdb"
	"github.com/canopyhq/canopy-agent/internal/infrastructure/logging"
	"github.com/canopyhq/canopy-agent/internal/infrastructure/mqtt"
	"github.com/canopyhq/canopy-agent/internal/workflow"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// entityCountInterval is how often entity counts are reported to telemetry.
const entityCountInterval = time.Minute

// historyPruneInterval is how often old command transitions are pruned.
const historyPruneInterval = 6 * time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Canopy agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database and run migrations
	db, err := database.Open(database.Config{
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
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	histStore := history.NewStore(db.DB)

	// The agent's own addresses on the bus.
	topics := mqtt.NewTopics(cfg.Agent.TopicRoot)
	mainDevice := entity.TopicID("device/" + cfg.Agent.DeviceID + "//")
	agentService := entity.TopicID("device/" + cfg.Agent.DeviceID + "/service/" + cfg.Agent.ServiceID)

	// Connect to the broker with a will that marks the agent down if the
	// connection drops without a clean shutdown.
	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:   topics.Health(string(agentService)),
		Payload: healthPayload("down"),
	})
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

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
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
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Entity store, seeded with the agent's own entities before the
	// binder replays whatever the broker retained.
	store := entity.NewStore(topics, mqttClient)
	store.SetLogger(log)
	if _, err := store.Register(entity.Registration{
		TopicID: mainDevice,
		Type:    entity.TypeMainDevice,
	}); err != nil {
		return fmt.Errorf("registering main device: %w", err)
	}
	if _, err := store.Register(entity.Registration{
		TopicID:        agentService,
		Type:           entity.TypeService,
		HealthEndpoint: agentService,
	}); err != nil {
		return fmt.Errorf("registering agent service: %w", err)
	}
	if influxClient != nil {
		store.SetOnTwinUpdate(func(topicID entity.TopicID, key string, deleted bool) {
			influxClient.WriteTwinUpdate(string(topicID), key, deleted)
		})
	}

	binder := entity.NewBinder(store, cfg.Agent.TopicRoot, byte(cfg.MQTT.QoS))
	if err := binder.Start(mqttClient); err != nil {
		return fmt.Errorf("binding entity store to bus: %w", err)
	}
	log.Info("entity store bound to bus", "root", topics.Root)

	// Workflow engine: embedded defaults plus operator overrides.
	registry, err := workflow.NewRegistry()
	if err != nil {
		return fmt.Errorf("loading workflow definitions: %w", err)
	}
	registry.SetLogger(log)
	workflowDir := cfg.Workflows.Dir
	if workflowDir == "" {
		workflowDir = filepath.Join(cfg.Agent.DataDir, "workflows")
	}
	if err := registry.LoadDir(workflowDir); err != nil {
		return fmt.Errorf("loading workflow overrides: %w", err)
	}
	log.Info("workflow definitions loaded", "types", registry.Types())

	filesDir := filepath.Join(cfg.Agent.DataDir, "files")
	routerCfg := workflow.RouterConfig{
		Bus:            mqttClient,
		Topics:         topics,
		Registry:       registry,
		Store:          store,
		Builtins:       workflow.NewBuiltins(filesDir, nil),
		Recorder:       histStore,
		Logger:         log,
		QoS:            byte(cfg.MQTT.QoS),
		DefaultTimeout: cfg.GetDefaultStateTimeout(),
	}
	if influxClient != nil {
		routerCfg.Telemetry = influxClient
	}
	router := workflow.NewRouter(routerCfg)
	store.SetOnDeregister(router.ReleaseTarget)
	defer func() {
		log.Info("stopping command router")
		router.Stop()
	}()
	if err := router.Start(); err != nil {
		return fmt.Errorf("starting command router: %w", err)
	}
	log.Info("command router started")

	// HTTP adapter
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		Logger:   log,
		Store:    store,
		History:  histStore,
		FilesDir: filesDir,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Background maintenance
	if influxClient != nil {
		go reportEntityCounts(ctx, store, influxClient)
	}
	if cfg.Workflows.HistoryRetentionDays > 0 {
		go pruneHistory(ctx, histStore, cfg.Workflows.HistoryRetentionDays, log)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// Mark the agent service up. The will reverses this if the
	// connection dies; a clean shutdown reverses it below.
	healthTopic := topics.Health(string(agentService))
	if err := mqttClient.PublishRetained(healthTopic, healthPayload("up")); err != nil {
		log.Error("publishing agent health failed", "error", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	if err := mqttClient.PublishRetained(healthTopic, healthPayload("down")); err != nil {
		log.Error("publishing agent health failed", "error", err)
	}

	// Deferred Close() calls run in reverse order:
	// API server, command router, InfluxDB (if enabled), MQTT, database.

	log.Info("Canopy agent stopped")
	return nil
}

// healthPayload renders the retained health document for the agent service.
func healthPayload(status string) []byte {
	data, _ := json.Marshal(map[string]any{ //nolint:errcheck // Fixed shape cannot fail
		"pid":    os.Getpid(),
		"status": status,
	})
	return data
}

// getConfigPath returns the configuration file path.
// Uses CANOPY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CANOPY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// reportEntityCounts periodically reports device and service counts.
func reportEntityCounts(ctx context.Context, store *entity.Store, influxClient *influxdb.Client) {
	ticker := time.NewTicker(entityCountInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices, services := store.Counts()
			influxClient.WriteEntityCount(devices, services)
		}
	}
}

// pruneHistory periodically deletes command transitions past retention.
func pruneHistory(ctx context.Context, histStore *history.Store, retentionDays int, log *logging.Logger) {
	retention := time.Duration(retentionDays) * 24 * time.Hour
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := histStore.Prune(ctx, retention)
			if err != nil {
				log.Warn("pruning command history failed", "error", err)
				continue
			}
			if deleted > 0 {
				log.Info("pruned command history", "deleted", deleted)
			}
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
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
	return nil
}
