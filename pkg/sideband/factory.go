package sideband

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"plugin"
	"sync"
)

// Exported symbol names looked up in provider plugins.
const (
	ProducerSymbol = "CreateSidebandStreamHandleProducer"
	ConsumerSymbol = "CreateSidebandStreamHandleConsumer"
)

// ProducerCreator and ConsumerCreator are the plugin entry point signatures.
type (
	ProducerCreator = func(cfg ProducerConfig) (Handle, error)
	ConsumerCreator = func(h *NativeHandle) (Handle, error)
)

// FactoryState is the lifecycle state of a Factory.
type FactoryState int

// Factory states.
const (
	StateUninitialized FactoryState = iota
	StateReady
)

// String returns the state name.
func (s FactoryState) String() string {
	if s == StateReady {
		return "ready"
	}
	return "uninitialized"
}

// FactoryConfig selects the provider a Factory binds to.
type FactoryConfig struct {
	// Provider names a registered provider. Ignored when PluginPath is set.
	Provider string
	// Options are passed to the provider's OpenFunc.
	Options map[string]string
	// PluginPath loads the creators from a Go plugin instead of the registry.
	PluginPath string
	Logger     *slog.Logger
}

// Factory binds to one provider implementation and creates handles through it.
// It must be initialized before use and may be reinitialized after Destroy.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger

	mu       sync.RWMutex
	state    FactoryState
	provider Provider
}

// NewFactory creates an uninitialized factory.
func NewFactory(cfg FactoryConfig) *Factory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger.With("component", "sideband_factory"),
	}
}

// Init binds the provider. Calling Init twice returns ErrAlreadyInitialized
// and leaves the factory unchanged. On failure the factory stays uninitialized.
func (f *Factory) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateReady {
		f.logger.Warn("Init called twice")
		return ErrAlreadyInitialized
	}

	var (
		p   Provider
		err error
	)
	if f.cfg.PluginPath != "" {
		p, err = openPlugin(f.cfg.PluginPath)
	} else {
		var open OpenFunc
		open, err = lookupProvider(f.cfg.Provider)
		if err == nil {
			p, err = open(f.cfg.Options)
		}
	}
	if err != nil {
		f.logger.Error("Failed to bind sideband provider", "provider", f.source(), "error", err)
		return fmt.Errorf("init %s: %w", f.source(), err)
	}
	if p == nil {
		return fmt.Errorf("init %s: provider is nil", f.source())
	}

	f.provider = p
	f.state = StateReady
	f.logger.Info("Sideband provider ready", "provider", f.source())
	return nil
}

// Destroy releases the provider. It is safe to call in any state.
func (f *Factory) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateReady {
		return nil
	}
	var err error
	if c, ok := f.provider.(io.Closer); ok {
		err = c.Close()
	}
	f.provider = nil
	f.state = StateUninitialized
	f.logger.Info("Sideband provider released", "provider", f.source())
	return err
}

// State returns the lifecycle state.
func (f *Factory) State() FactoryState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// CreateProducer allocates a new stream and returns its producer handle.
func (f *Factory) CreateProducer(cfg ProducerConfig) (Handle, error) {
	p, err := f.current()
	if err != nil {
		return nil, err
	}
	return p.CreateProducer(cfg.WithDefaults())
}

// CreateConsumer validates h and attaches a consumer to the stream it names.
func (f *Factory) CreateConsumer(h *NativeHandle) (Handle, error) {
	p, err := f.current()
	if err != nil {
		return nil, err
	}
	if err := Validate(h); err != nil {
		return nil, err
	}
	return p.CreateConsumer(h)
}

func (f *Factory) current() (Provider, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.state != StateReady {
		return nil, ErrNotInitialized
	}
	return f.provider, nil
}

func (f *Factory) source() string {
	if f.cfg.PluginPath != "" {
		return "plugin:" + f.cfg.PluginPath
	}
	return f.cfg.Provider
}

// pluginProvider adapts creator functions resolved from a plugin.
type pluginProvider struct {
	producer ProducerCreator
	consumer ConsumerCreator
}

func (p pluginProvider) CreateProducer(cfg ProducerConfig) (Handle, error) {
	return p.producer(cfg)
}

func (p pluginProvider) CreateConsumer(h *NativeHandle) (Handle, error) {
	return p.consumer(h)
}

var errMissingSymbol = errors.New("missing plugin symbol")

// openPlugin resolves both creator symbols. Go plugins cannot be unloaded,
// so a failed lookup only drops the references.
func openPlugin(path string) (Provider, error) {
	plug, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin: %w", err)
	}
	producer, err := lookupCreator[ProducerCreator](plug, ProducerSymbol)
	if err != nil {
		return nil, err
	}
	consumer, err := lookupCreator[ConsumerCreator](plug, ConsumerSymbol)
	if err != nil {
		return nil, err
	}
	return pluginProvider{producer: producer, consumer: consumer}, nil
}

func lookupCreator[T any](plug *plugin.Plugin, name string) (T, error) {
	var zero T
	sym, err := plug.Lookup(name)
	if err != nil {
		return zero, fmt.Errorf("%w %s: %w", errMissingSymbol, name, err)
	}
	switch fn := sym.(type) {
	case T:
		return fn, nil
	case *T:
		return *fn, nil
	default:
		return zero, fmt.Errorf("%w %s: unexpected type %T", errMissingSymbol, name, sym)
	}
}
