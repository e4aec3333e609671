// Devicebay - device gateway
//
// Devicebay connects IoT devices to the clients that control them. Devices
// and clients hold websocket sessions against the gateway; clients issue
// commands, devices acknowledge them and emit notifications, and the
// subscription bus routes each event to exactly the sessions that asked for
// it. Constrained devices can publish over MQTT instead of holding a socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/devicebay/devicebay-core/migrations"

	"github.com/devicebay/devicebay-core/internal/api"
	"github.com/devicebay/devicebay-core/internal/auth"
	"github.com/devicebay/devicebay-core/internal/bus"
	"github.com/devicebay/devicebay-core/internal/command"
	"github.com/devicebay/devicebay-core/internal/device"
	"github.com/devicebay/devicebay-core/internal/infrastructure/config"
	"github.com/devicebay/devicebay-core/internal/infrastructure/database"
	"github.com/devicebay/devicebay-core/internal/infrastructure/logging"
	"github.com/devicebay/devicebay-core/internal/infrastructure/mqtt"
	"github.com/devicebay/devicebay-core/internal/infrastructure/telemetry"
	"github.com/devicebay/devicebay-core/internal/notification"
	"github.com/devicebay/devicebay-core/internal/session"
	"github.com/devicebay/devicebay-core/internal/subscription"
	"github.com/devicebay/devicebay-core/internal/ws"
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

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Devicebay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
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

	// Open database
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
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Repositories
	devices := device.NewSQLiteRepository(db.DB)
	networks := device.NewNetworkRepository(db.DB)
	commands := command.NewSQLiteRepository(db.DB)
	notifications := notification.NewSQLiteRepository(db.DB)
	users := auth.NewUserRepository(db.DB)
	access := auth.NewNetworkAccessRepository(db.DB)

	// Seed the initial administrator on first boot
	if _, seedErr := auth.SeedAdmin(ctx, users, cfg.Security.Admin.Login, cfg.Security.Admin.Password, log.Logger); seedErr != nil {
		return fmt.Errorf("seeding admin account: %w", seedErr)
	}

	// Subscription bus
	sessions := session.NewRegistry()
	store := subscription.NewSQLiteStore(db.DB)
	router := bus.NewRouter(store, sessions, devices, access, log.Logger)

	// Websocket endpoints: devices and clients speak the same framed action
	// protocol against different handler tables.
	deviceDispatcher := ws.NewDispatcher(log.Logger)
	ws.NewDeviceHandlers(version, router, devices, networks, commands, notifications, log.Logger).
		Register(deviceDispatcher)

	clientDispatcher := ws.NewDispatcher(log.Logger)
	ws.NewClientHandlers(version, router, users, access, devices, commands, cfg.Security.JWT.Secret, log.Logger).
		Register(clientDispatcher)

	deviceEndpoint := ws.NewEndpoint(session.KindDevice, deviceDispatcher, sessions, router, cfg.WebSocket, log)
	clientEndpoint := ws.NewEndpoint(session.KindClient, clientDispatcher, sessions, router, cfg.WebSocket, log)

	// MQTT ingest bridge (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge := mqtt.NewBridge(mqttClient, mqtt.BridgeDeps{
			Devices:       devices,
			Commands:      commands,
			Notifications: notifications,
			Router:        router,
			QoS:           byte(cfg.MQTT.QoS), // #nosec G115 -- validated by config
			Logger:        log.Logger,
		})
		if bridgeErr := bridge.Start(); bridgeErr != nil {
			return fmt.Errorf("starting MQTT ingest bridge: %w", bridgeErr)
		}
	} else {
		log.Info("MQTT ingest bridge disabled")
	}

	// Telemetry (optional)
	var recorder *telemetry.Recorder
	if cfg.InfluxDB.Enabled {
		recorder, err = telemetry.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing telemetry recorder")
			if closeErr := recorder.Close(); closeErr != nil {
				log.Error("error closing telemetry recorder", "error", closeErr)
			}
		}()
		log.Info("telemetry connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		recorder.SetOnError(func(err error) {
			log.Error("telemetry write error", "error", err)
		})

		router.SetRecorder(recorder)
		deviceDispatcher.SetRecorder(recorder)
		clientDispatcher.SetRecorder(recorder)
	} else {
		log.Info("telemetry disabled")
	}

	// HTTP server hosting the two protocol endpoints
	server, err := api.New(api.Deps{
		Config:         cfg.API,
		WS:             cfg.WebSocket,
		Security:       cfg.Security,
		Logger:         log,
		Users:          users,
		DeviceEndpoint: deviceEndpoint,
		ClientEndpoint: clientEndpoint,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, server, mqttClient, recorder); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (stops accepting sessions)
	// 2. Telemetry (if enabled)
	// 3. MQTT (if enabled)
	// 4. Database

	log.Info("Devicebay stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DEVICEBAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEVICEBAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// The MQTT client and telemetry recorder may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, server *api.Server, mqttClient *mqtt.Client, recorder *telemetry.Recorder) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if recorder != nil {
		if err := recorder.HealthCheck(ctx); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}
