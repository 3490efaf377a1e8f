package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/sideband/internal/logging"
	"github.com/smazurov/sideband/pkg/sideband"
	"github.com/smazurov/sideband/pkg/sideband/natsq"
)

type consumeOptions struct {
	natsURL    string
	provider   string
	pluginPath string
	count      int
	timeout    time.Duration
	hold       time.Duration
	logLevel   string
	logJSON    bool
}

// CreateConsumeCmd creates the consume command.
func CreateConsumeCmd() *cobra.Command {
	var o consumeOptions

	cmd := &cobra.Command{
		Use:   "consume [socket]",
		Short: "Attach a consumer to a served descriptor",
		Long: `Fetches the descriptor served on the Unix socket, validates it and opens a consumer handle. ` +
			`Buffers are acquired and released until the producer ends the stream, --count buffers were seen ` +
			`or the process is interrupted.`,
		Args: cobra.ExactArgs(1),
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if err := runConsume(ctx, args[0], o); err != nil {
				cancel()
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&o.natsURL, "nats-url", DefaultNatsURL, "NATS broker URL")
	cmd.Flags().StringVar(&o.provider, "provider", natsq.ProviderName, "Provider that created the handle")
	cmd.Flags().StringVar(&o.pluginPath, "plugin", "", "Go plugin exporting the producer/consumer entry points")
	cmd.Flags().IntVar(&o.count, "count", 0, "Stop after this many buffers (0 runs until the stream ends)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", time.Second, "Acquire timeout")
	cmd.Flags().DurationVar(&o.hold, "hold", 0, "Time each buffer is held before release")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&o.logJSON, "log-json", false, "Use JSON log format")

	return cmd
}

func runConsume(ctx context.Context, socket string, o consumeOptions) error {
	loggingConfig := logging.Config{Level: o.logLevel, Format: "text"}
	if o.logJSON {
		loggingConfig.Format = "json"
	}
	logging.Initialize(loggingConfig)
	logger := logging.GetLogger("consume").With("socket", socket)

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	h, err := fetchDescriptor(fetchCtx, socket)
	cancel()
	if err != nil {
		logger.Error("Failed to fetch descriptor", "error", err)
		return err
	}
	defer func() { _ = closeDescriptorFds(h) }()

	if err := sideband.Validate(h); err != nil {
		logger.Error("Received an invalid descriptor", "error", err, "status", sideband.StatusOf(err))
		return err
	}
	logger = logger.With("handle_id", sideband.HandleID(h))

	factory := sideband.NewFactory(sideband.FactoryConfig{
		Provider:   o.provider,
		Options:    map[string]string{"url": o.natsURL, "name": "sideband-consume"},
		PluginPath: o.pluginPath,
		Logger:     logging.GetLogger("provider"),
	})
	if err := factory.Init(); err != nil {
		logger.Error("Failed to initialize provider", "error", err)
		return err
	}
	defer func() { _ = factory.Destroy() }()

	consumer, err := factory.CreateConsumer(h)
	if err != nil {
		logger.Error("Failed to create consumer", "error", err)
		return err
	}
	defer consumer.Close()

	logger.Info("Consumer attached",
		"width", consumer.BufferWidth(), "height", consumer.BufferHeight(),
		"color_format", consumer.ColorFormat().String(), "buffer_count", consumer.BufferCount(),
		"buffer_size", consumer.BufferSize())

	n, err := consumeLoop(ctx, consumer, o, logger)
	logger.Info("Consumer finished", "buffers", n)
	return err
}

// consumeLoop acquires and releases buffers and returns how many were seen.
// The end of the stream is not an error.
func consumeLoop(ctx context.Context, consumer sideband.Handle, o consumeOptions, logger *slog.Logger) (int, error) {
	var (
		seen      int
		lastColor sideband.ColorData
	)
	for o.count <= 0 || seen < o.count {
		if ctx.Err() != nil {
			return seen, nil
		}
		idx, err := consumer.AcquireBuffer(o.timeout)
		switch {
		case errors.Is(err, sideband.ErrBufQueueEmpty):
			logger.Debug("No buffer queued", "timeout", o.timeout)
			continue
		case errors.Is(err, sideband.ErrBufQueueNoMoreData):
			logger.Info("Producer ended the stream")
			return seen, nil
		case err != nil:
			return seen, fmt.Errorf("acquire: %w", err)
		}
		seen++

		if color, err := consumer.GetColorData(); err == nil && color != lastColor {
			lastColor = color
			logger.Info("Color data changed", "hue", color.Hue, "saturation", color.Saturation,
				"contrast", color.Contrast, "brightness", color.Brightness)
		}
		logger.Debug("Buffer acquired", "index", idx, "seen", seen)

		if o.hold > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(o.hold):
			}
		}
		if err := consumer.ReleaseBuffer(idx); err != nil {
			return seen, fmt.Errorf("release %d: %w", idx, err)
		}
	}
	return seen, nil
}
