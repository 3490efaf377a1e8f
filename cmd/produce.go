package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/sideband/internal/config"
	"github.com/smazurov/sideband/internal/events"
	"github.com/smazurov/sideband/internal/logging"
	"github.com/smazurov/sideband/internal/metrics"
	"github.com/smazurov/sideband/internal/nats"
	"github.com/smazurov/sideband/internal/session"
	"github.com/smazurov/sideband/internal/streams"
	"github.com/smazurov/sideband/internal/streams/store"
	"github.com/smazurov/sideband/pkg/sideband"
	_ "github.com/smazurov/sideband/pkg/sideband/memfd"
	"github.com/smazurov/sideband/pkg/sideband/natsq"
)

// DefaultNatsURL points at the broker embedded in the daemon.
const DefaultNatsURL = "nats://127.0.0.1:4222"

type produceOptions struct {
	configFile    string
	natsURL       string
	provider      string
	pluginPath    string
	statsInterval time.Duration
	logLevel      string
	logJSON       bool
}

// CreateProduceCmd creates the produce command.
func CreateProduceCmd() *cobra.Command {
	var o produceOptions

	cmd := &cobra.Command{
		Use:   "produce [stream-id]",
		Short: "Run a standalone producer for one stream",
		Long: `Creates the producer handle of the stream, serves its descriptor and queues buffers until stopped. ` +
			`Stats, state and logs are published over NATS; the daemon forwards color and stop commands back. ` +
			`Edits to streams.toml are applied live and removing the stream ends the process.`,
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			os.Exit(runProduce(args[0], o))
		},
	}

	cmd.Flags().StringVar(&o.configFile, "config", "streams.toml", "Path to streams configuration file")
	cmd.Flags().StringVar(&o.natsURL, "nats-url", DefaultNatsURL, "NATS broker URL")
	cmd.Flags().StringVar(&o.provider, "provider", natsq.ProviderName, "Provider for streams that do not name one")
	cmd.Flags().StringVar(&o.pluginPath, "plugin", "", "Go plugin exporting the producer/consumer entry points")
	cmd.Flags().DurationVar(&o.statsInterval, "stats-interval", time.Second, "Stats publish interval")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&o.logJSON, "log-json", false, "Use JSON log format")

	return cmd
}

// runProduce returns the process exit code.
func runProduce(streamID string, o produceOptions) int {
	loggingConfig := logging.Config{Level: o.logLevel, Format: "text"}
	if o.logJSON {
		loggingConfig.Format = "json"
	}
	logging.Initialize(loggingConfig)
	logger := logging.GetLogger("produce").With("stream_id", streamID)
	logger.Info("Starting produce command", "config", o.configFile)

	streamStore := store.NewTOML(o.configFile)
	if err := streamStore.Load(); err != nil {
		logger.Error("Failed to load streams configuration", "error", err)
		return 1
	}
	if _, exists := streamStore.GetStream(streamID); !exists {
		logger.Error("Stream not found")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := nats.NewStreamClient(o.natsURL, streamID, logging.GetLogger("nats"))
	_ = client.Connect()
	defer client.Close()

	bus := events.New()
	service := streams.NewService(&streams.ServiceOptions{Store: streamStore, Logger: logging.GetLogger("streams")})
	p := &producer{
		streamID: streamID,
		service:  service,
		client:   client,
		logger:   logger,
		stop:     make(chan string, 1),
		sessions: session.NewManager(session.Options{
			Streams:         service,
			DefaultProvider: o.provider,
			ProviderOptions: map[string]map[string]string{
				natsq.ProviderName: {"url": o.natsURL, "name": "sideband-produce-" + streamID},
			},
			PluginPath: o.pluginPath,
			EventBus:   bus,
			Logger:     logging.GetLogger("sessions"),
		}),
	}
	defer p.forward(bus)()

	client.OnColor(p.setColor)
	client.OnStop(p.requestStop)

	spec, err := service.GetStream(ctx, streamID)
	if err != nil {
		logger.Error("Stream not found", "error", err)
		return 1
	}
	p.current = spec
	if _, err := p.sessions.Start(ctx, streamID); err != nil {
		logger.Error("Failed to start session", "error", err)
		_ = p.sessions.Shutdown()
		return 1
	}

	watcher := config.NewConfigWatcher(o.configFile, p.load, logger)
	watcher.OnReload(func(s streamState) { p.apply(ctx, s) })
	if err := watcher.Start(); err != nil {
		logger.Warn("Failed to start config watcher, hot-reload disabled", "error", err)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	go p.publishStats(ctx, o.statsInterval)

	reason := "signal"
	select {
	case <-ctx.Done():
	case reason = <-p.stop:
	}
	logger.Info("Stopping producer", "reason", reason)
	cancel()

	exitCode := 0
	if err := p.sessions.Stop(streamID, reason); err != nil && streams.ErrorCode(err) != streams.ErrCodeSessionNotFound {
		logger.Warn("Session stopped with errors", "error", err)
		exitCode = 1
	}
	if err := p.sessions.Shutdown(); err != nil {
		logger.Warn("Failed to release providers", "error", err)
	}
	if err := client.Flush(2 * time.Second); err != nil {
		logger.Debug("Failed to flush NATS messages", "error", err)
	}
	logger.Info("Produce command exiting", "exit_code", exitCode)
	return exitCode
}

// producer ties one session to its NATS client and config file.
type producer struct {
	streamID string
	service  *streams.Service
	sessions *session.Manager
	client   *nats.StreamClient
	logger   *slog.Logger
	stop     chan string

	// current is only touched by the watcher goroutine after startup.
	current streams.StreamSpec
}

// streamState is a reloaded stream definition; ok is false once it is gone.
type streamState struct {
	spec streams.StreamSpec
	ok   bool
}

func (p *producer) load(string) (streamState, error) {
	if err := p.service.Reload(); err != nil {
		return streamState{}, err
	}
	spec, err := p.service.GetStream(context.Background(), p.streamID)
	if streams.ErrorCode(err) == streams.ErrCodeStreamNotFound {
		return streamState{}, nil
	}
	if err != nil {
		return streamState{}, err
	}
	return streamState{spec: spec, ok: true}, nil
}

func (p *producer) apply(ctx context.Context, s streamState) {
	switch planReload(p.current, s) {
	case reloadExit:
		p.logger.Warn("Stream removed from config, shutting down")
		p.requestStop("stream_removed")
		return
	case reloadRestart:
		p.logger.Info("Buffer layout changed, restarting session")
		if err := p.sessions.Stop(p.streamID, "config_changed"); err != nil {
			p.logger.Warn("Failed to stop session", "error", err)
		}
		if _, err := p.sessions.Start(ctx, p.streamID); err != nil {
			p.logger.Error("Failed to restart session", "error", err)
			p.requestStop("restart_failed")
			return
		}
	case reloadColor:
		p.setColor(*s.spec.Color)
	default:
		p.logger.Debug("Config reloaded, stream unchanged")
	}
	p.current = s.spec
}

func (p *producer) setColor(c sideband.ColorData) {
	applied, err := p.sessions.SetColor(p.streamID, c)
	if err != nil {
		p.logger.Warn("Failed to set color data", "error", err)
		return
	}
	p.logger.Info("Color data updated", "applied", applied)
}

func (p *producer) requestStop(reason string) {
	select {
	case p.stop <- reason:
	default:
	}
}

// forward mirrors session events and log records onto NATS and returns a
// function removing the subscriptions.
func (p *producer) forward(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.SessionStartedEvent) {
			p.client.PublishState(nats.StateMessage{
				StreamID: e.StreamID, SessionID: e.SessionID, HandleID: e.HandleID, Timestamp: e.Timestamp,
				State: nats.StateStarted, Provider: e.Provider, Socket: e.Socket,
			})
		}),
		bus.Subscribe(func(e events.SessionStoppedEvent) {
			p.client.PublishState(nats.StateMessage{
				StreamID: e.StreamID, SessionID: e.SessionID, Timestamp: e.Timestamp,
				State: nats.StateStopped, Reason: e.Reason, Frames: e.Frames,
			})
		}),
		bus.Subscribe(func(e events.QueueStateEvent) {
			p.client.PublishState(nats.StateMessage{
				StreamID: e.StreamID, HandleID: e.HandleID, Timestamp: e.Timestamp, State: e.State,
			})
		}),
	}
	logging.OnEntry(func(e logging.Entry) {
		// The client logs its own publish failures.
		if e.Module == "nats" {
			return
		}
		p.client.PublishLog(nats.LogMessage{
			StreamID:  p.streamID,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
			Level:     e.Level,
			Module:    e.Module,
			Message:   e.Message,
			Details:   e.Attributes,
		})
	})

	return func() {
		logging.OnEntry(nil)
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (p *producer) publishStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := metrics.GetStreamStats(p.streamID)
		if st == nil {
			continue
		}
		msg := nats.StatsMessage{
			StreamID:  p.streamID,
			HandleID:  st.HandleID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Queued:    st.Queued,
			Released:  st.Released,
			Full:      st.Full,
			Empty:     st.Empty,
			Held:      st.Held,
		}
		if s, ok := p.sessions.Session(p.streamID); ok {
			if a, ok := s.Handle().(interface{ Attached() bool }); ok {
				msg.Attached = a.Attached()
			}
		}
		p.client.PublishStats(msg)
	}
}

type reloadAction int

const (
	reloadNone reloadAction = iota
	reloadColor
	reloadRestart
	reloadExit
)

// planReload decides how a running producer follows an edited definition.
func planReload(old streams.StreamSpec, s streamState) reloadAction {
	if !s.ok {
		return reloadExit
	}
	next := s.spec
	if old.Width != next.Width || old.Height != next.Height ||
		old.ColorFormat != next.ColorFormat || old.Compressed != next.Compressed ||
		old.BufferCount != next.BufferCount || old.QueueDepth != next.QueueDepth ||
		old.Provider != next.Provider || old.Socket != next.Socket ||
		old.FrameRate != next.FrameRate {
		return reloadRestart
	}
	if next.Color != nil && (old.Color == nil || *old.Color != *next.Color) {
		return reloadColor
	}
	return reloadNone
}
