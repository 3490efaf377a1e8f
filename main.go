package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/sideband/cmd"
	"github.com/smazurov/sideband/internal/api"
	"github.com/smazurov/sideband/internal/config"
	"github.com/smazurov/sideband/internal/events"
	"github.com/smazurov/sideband/internal/logging"
	"github.com/smazurov/sideband/internal/metrics/exporters"
	"github.com/smazurov/sideband/internal/nats"
	"github.com/smazurov/sideband/internal/process"
	"github.com/smazurov/sideband/internal/session"
	"github.com/smazurov/sideband/internal/streams"
	"github.com/smazurov/sideband/internal/streams/store"
	_ "github.com/smazurov/sideband/pkg/sideband/memfd"
	"github.com/smazurov/sideband/pkg/sideband/natsq"
)

// Options for the daemon - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Address to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Streams settings
	StreamsConfigFile string `help:"Stream definitions file" default:"streams.toml" toml:"streams.config_file" env:"STREAMS_CONFIG_FILE"`

	// Sideband settings
	SidebandProvider   string `help:"Default sideband provider (memfd, nats)" default:"memfd" toml:"sideband.provider" env:"SIDEBAND_PROVIDER"`
	SidebandPluginPath string `help:"Go plugin exporting the producer/consumer entry points" toml:"sideband.plugin_path" env:"SIDEBAND_PLUGIN_PATH"`

	// NATS settings
	NatsEnabled bool   `help:"Run the embedded NATS broker" default:"true" toml:"nats.enabled" env:"NATS_ENABLED"`
	NatsHost    string `help:"Embedded NATS listen host" default:"127.0.0.1" toml:"nats.host" env:"NATS_HOST"`
	NatsPort    int    `help:"Embedded NATS listen port" default:"4222" toml:"nats.port" env:"NATS_PORT"`

	// Process runner settings
	ProcessMaxRestarts int `help:"Restarts of a crashed produce process before giving up" default:"5" toml:"process.max_restarts" env:"PROCESS_MAX_RESTARTS"`

	// Metrics settings
	MetricsInterval time.Duration `help:"Session stats publish interval" default:"1s" toml:"metrics.interval" env:"METRICS_INTERVAL"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings; per-module levels live in the [logging] table.
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if err := config.LoadConfig(opts, cli.Root()); err != nil {
			logging.GetLogger("main").Warn("Failed to load config", "error", err)
		}

		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		logging.Initialize(loggingConfig)
		logger := logging.GetLogger("main")

		eventBus := events.New()
		var logSeq atomic.Uint64
		logging.OnEntry(func(e logging.Entry) {
			eventBus.Publish(events.LogEntryEvent{
				Seq:        logSeq.Add(1),
				Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
				Level:      e.Level,
				Module:     e.Module,
				Message:    e.Message,
				Attributes: e.Attributes,
			})
		})

		streamStore := store.NewTOML(opts.StreamsConfigFile)
		streamService := streams.NewService(&streams.ServiceOptions{
			Store:    streamStore,
			EventBus: eventBus,
			Logger:   logging.GetLogger("streams"),
		})
		if err := streamStore.Load(); err != nil {
			logger.Warn("Failed to load stream definitions", "error", err, "config", opts.StreamsConfigFile)
		}

		var (
			natsServer *nats.Server
			bridge     *nats.Bridge
			remote     *nats.ControlPublisher
		)
		providerOptions := map[string]map[string]string{}
		if opts.NatsEnabled {
			natsServer = nats.NewServer(nats.ServerOptions{
				Host:   opts.NatsHost,
				Port:   opts.NatsPort,
				Logger: logging.GetLogger("nats"),
			})
			if err := natsServer.Start(); err != nil {
				logger.Error("Failed to start NATS server, remote control disabled", "error", err)
				natsServer = nil
			}
		}
		if natsServer != nil {
			url := natsServer.ClientURL()
			providerOptions[natsq.ProviderName] = map[string]string{"url": url, "name": "sideband-daemon"}
			bridge = nats.NewBridge(url, eventBus, logging.GetLogger("nats"))
			var err error
			if remote, err = nats.NewControlPublisher(url, logging.GetLogger("nats")); err != nil {
				logger.Warn("Failed to connect control publisher", "error", err)
			}
		}

		sessions := session.NewManager(session.Options{
			Streams:         streamService,
			DefaultProvider: opts.SidebandProvider,
			ProviderOptions: providerOptions,
			PluginPath:      opts.SidebandPluginPath,
			EventBus:        eventBus,
			Logger:          logging.GetLogger("sessions"),
		})

		natsURL := cmd.DefaultNatsURL
		if natsServer != nil {
			natsURL = natsServer.ClientURL()
		}
		pool := newProducePool(streamService, opts.StreamsConfigFile, natsURL, opts.ProcessMaxRestarts)

		statsExporter := exporters.NewSSEExporter(eventBus)
		statsExporter.SetInterval(opts.MetricsInterval)

		apiOpts := &api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Streams:           streamService,
			Sessions:          sessions,
			Processes:         pool,
			EventBus:          eventBus,
			DefaultProvider:   opts.SidebandProvider,
			PrometheusHandler: exporters.HTTPHandler(),
		}
		if remote != nil {
			apiOpts.Remote = remote
		}
		server := api.NewServer(apiOpts)

		streamsWatcher := config.NewConfigWatcher(opts.StreamsConfigFile,
			func(string) (struct{}, error) { return struct{}{}, streamService.Reload() },
			logger,
		)
		loggingWatcher := config.NewConfigWatcher(opts.Config,
			func(path string) (logging.Config, error) { return config.LoadLoggingConfig(path), nil },
			logger,
		)
		loggingWatcher.OnReload(func(c logging.Config) { applyLogLevels(c, logger) })

		var unwatch, unwatchProcesses func()
		ctx, cancel := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			if bridge != nil {
				if err := bridge.Start(); err != nil {
					logger.Warn("Failed to start NATS bridge", "error", err)
				}
			}

			unwatch = sessions.Watch(eventBus)
			unwatchProcesses = eventBus.Subscribe(func(e events.StreamDeletedEvent) {
				go func() { _ = pool.Stop(e.StreamID) }()
			})
			specs := streamService.ListStreams(ctx)
			sessions.Autostart(ctx, specs)
			autostartProcesses(pool, specs, logger)
			statsExporter.Start(ctx)

			if err := streamsWatcher.Start(); err != nil {
				logger.Warn("Failed to watch stream definitions, hot-reload disabled", "error", err)
			}
			if err := loggingWatcher.Start(); err != nil {
				logger.Warn("Failed to watch config file, log level reload disabled", "error", err)
			}

			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				logger.Debug("sd_notify failed", "error", err)
			}

			if err := server.Start(opts.Port); err != nil {
				logger.Error("Failed to start HTTP server", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := server.Stop(stopCtx); err != nil {
				logger.Error("Error stopping HTTP server", "error", err)
			}

			_ = loggingWatcher.Stop()
			_ = streamsWatcher.Stop()
			cancel()
			statsExporter.Stop()
			if unwatch != nil {
				unwatch()
			}
			if unwatchProcesses != nil {
				unwatchProcesses()
			}
			pool.StopAll()

			if err := sessions.Shutdown(); err != nil {
				logger.Warn("Sessions stopped with errors", "error", err)
			}
			if remote != nil {
				remote.Close()
			}
			if bridge != nil {
				bridge.Stop()
			}
			if natsServer != nil {
				natsServer.Stop()
			}
		})
	})

	cli.Root().Use = "sideband"
	cli.Root().Short = "Sideband buffer-handle exchange daemon"
	cli.Root().AddCommand(
		cmd.CreateProduceCmd(),
		cmd.CreateConsumeCmd(),
		cmd.CreateInspectCmd(),
		cmd.CreateUpdateCmd(),
	)

	cli.Run()
}

// newProducePool supervises `sideband produce` children for streams whose
// runner is "process". The command is rebuilt on every restart so a stream
// switched back to the session runner is not relaunched.
func newProducePool(svc *streams.Service, streamsFile, natsURL string, maxRestarts int) *process.Pool {
	logger := logging.GetLogger("process")
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return process.NewPool(process.PoolOptions{
		Args: func(id string) ([]string, error) {
			spec, err := svc.GetStream(context.Background(), id)
			if err != nil {
				return nil, err
			}
			if !spec.InProcess() {
				return nil, fmt.Errorf("stream %s runner is %q", id, spec.Runner)
			}
			return []string{exe, "produce", id, "--config", streamsFile, "--nats-url", natsURL, "--log-json"}, nil
		},
		Configure: func(_ string, c *process.Child) {
			c.SetOutput(logging.GetLogger("produce"), process.ParseJSONLine)
		},
		OnStateChange: func(id string, oldState, newState process.State) {
			logger.Debug("Process state changed", "stream_id", id, "from", oldState, "to", newState)
		},
		MaxRestarts: maxRestarts,
		Logger:      logger,
	})
}

func autostartProcesses(pool *process.Pool, specs []streams.StreamSpec, logger *slog.Logger) {
	for _, spec := range specs {
		if !spec.Autostart || !spec.InProcess() {
			continue
		}
		if err := pool.Start(spec.ID); err != nil {
			logger.Warn("Failed to autostart produce process", "stream_id", spec.ID, "error", err)
		}
	}
}

// applyLogLevels re-applies the [logging] table after config.toml changes.
func applyLogLevels(c logging.Config, logger *slog.Logger) {
	if err := logging.SetLevel("", c.Level); err != nil {
		logger.Warn("Invalid global log level", "level", c.Level, "error", err)
	}
	for module, level := range c.Modules {
		if err := logging.SetLevel(module, level); err != nil {
			logger.Warn("Invalid module log level", "module", module, "level", level, "error", err)
		}
	}
}
