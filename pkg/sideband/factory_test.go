package sideband

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// countingProvider hands out in-process endpoint pairs and tracks open handles.
type countingProvider struct {
	mu      sync.Mutex
	nextID  int32
	streams map[int32]*Endpoint
	open    atomic.Int32
	closed  atomic.Bool
}

func newCountingProvider() *countingProvider {
	return &countingProvider{streams: make(map[int32]*Endpoint)}
}

func (p *countingProvider) CreateProducer(cfg ProducerConfig) (Handle, error) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	d, err := cfg.Descriptor(id, 1)
	if err != nil {
		return nil, err
	}
	e, err := NewEndpoint(EndpointOptions{
		Role:       RoleProducer,
		Descriptor: d,
		Link:       &pipeLink{},
		Release:    p.release(id),
		Logger:     discardLogger(),
	})
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.streams[id] = e
	p.mu.Unlock()
	p.open.Add(1)
	return e, nil
}

func (p *countingProvider) CreateConsumer(h *NativeHandle) (Handle, error) {
	d, err := DecodeDescriptor(h)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	prod, ok := p.streams[d.ID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrStreamNotFound
	}
	toProducer := &pipeLink{peers: []*Endpoint{prod}}
	cons, err := NewEndpoint(EndpointOptions{
		Role:       RoleConsumer,
		Descriptor: d,
		Link:       toProducer,
		Release:    func() error { p.open.Add(-1); return nil },
		Logger:     discardLogger(),
	})
	if err != nil {
		return nil, err
	}
	prod.link.(*pipeLink).connect(cons)
	p.open.Add(1)
	return cons, cons.Attach()
}

func (p *countingProvider) release(id int32) func() error {
	return func() error {
		p.mu.Lock()
		delete(p.streams, id)
		p.mu.Unlock()
		p.open.Add(-1)
		return nil
	}
}

func (p *countingProvider) Close() error {
	p.closed.Store(true)
	return nil
}

var (
	registerOnce sync.Once
	lastProvider atomic.Pointer[countingProvider]
)

func registerCounting(t *testing.T) string {
	t.Helper()
	registerOnce.Do(func() {
		Register("counting", func(map[string]string) (Provider, error) {
			p := newCountingProvider()
			lastProvider.Store(p)
			return p, nil
		})
		Register("failing", func(map[string]string) (Provider, error) {
			return nil, errors.New("device unavailable")
		})
	})
	return "counting"
}

func TestFactoryNotInitialized(t *testing.T) {
	f := NewFactory(FactoryConfig{Provider: registerCounting(t), Logger: discardLogger()})
	if f.State() != StateUninitialized {
		t.Fatalf("State() = %v", f.State())
	}
	if _, err := f.CreateProducer(ProducerConfig{Width: 1280, Height: 768}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("CreateProducer before Init = %v", err)
	}
	if _, err := f.CreateConsumer(validHandle()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("CreateConsumer before Init = %v", err)
	}
	if err := f.Destroy(); err != nil {
		t.Errorf("Destroy before Init = %v", err)
	}
}

func TestFactoryInitTwice(t *testing.T) {
	f := NewFactory(FactoryConfig{Provider: registerCounting(t), Logger: discardLogger()})
	if err := f.Init(); err != nil {
		t.Fatal(err)
	}
	defer f.Destroy()
	first := lastProvider.Load()

	if err := f.Init(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init = %v, want ErrAlreadyInitialized", err)
	}
	if f.State() != StateReady {
		t.Errorf("State() = %v after rejected Init", f.State())
	}
	if lastProvider.Load() != first {
		t.Error("second Init replaced the provider")
	}
}

func TestFactoryInitFailure(t *testing.T) {
	registerCounting(t)
	tests := []struct {
		name string
		cfg  FactoryConfig
		is   error
	}{
		{"unknown provider", FactoryConfig{Provider: "nope"}, ErrUnknownProvider},
		{"open fails", FactoryConfig{Provider: "failing"}, nil},
		{"missing plugin", FactoryConfig{PluginPath: t.TempDir() + "/missing.so"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = discardLogger()
			f := NewFactory(tt.cfg)
			err := f.Init()
			if err == nil {
				t.Fatal("Init() = nil, want error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("Init() = %v, want %v", err, tt.is)
			}
			if f.State() != StateUninitialized {
				t.Errorf("State() = %v after failed Init", f.State())
			}
		})
	}
}

func TestFactoryProducerConsumer(t *testing.T) {
	f := NewFactory(FactoryConfig{Provider: registerCounting(t), Logger: discardLogger()})
	if err := f.Init(); err != nil {
		t.Fatal(err)
	}
	defer f.Destroy()

	prod, err := f.CreateProducer(ProducerConfig{Width: 1280, Height: 768, ColorFormat: 0, CompressedUsage: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer prod.Close()

	h := prod.NativeHandle()
	if err := Validate(h); err != nil {
		t.Fatalf("producer handle invalid: %v", err)
	}

	cons, err := f.CreateConsumer(h)
	if err != nil {
		t.Fatal(err)
	}
	defer cons.Close()
	if err := Validate(cons.NativeHandle()); err != nil {
		t.Fatalf("consumer handle invalid: %v", err)
	}

	checks := []struct {
		name       string
		prod, cons any
	}{
		{"width", prod.BufferWidth(), cons.BufferWidth()},
		{"height", prod.BufferHeight(), cons.BufferHeight()},
		{"format", prod.ColorFormat(), cons.ColorFormat()},
		{"usage", prod.CompressedUsage(), cons.CompressedUsage()},
		{"id", prod.HandleID(), cons.HandleID()},
	}
	for _, c := range checks {
		if c.prod != c.cons {
			t.Errorf("%s: producer %v, consumer %v", c.name, c.prod, c.cons)
		}
	}

	bad := h.Clone()
	bad.Data[NumFds] = 0
	if _, err := f.CreateConsumer(bad); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("CreateConsumer(bad magic) = %v", err)
	}
}

func TestFactoryInitDestroyCycles(t *testing.T) {
	f := NewFactory(FactoryConfig{Provider: registerCounting(t), Logger: discardLogger()})
	for i := range 5 {
		t.Run(fmt.Sprintf("cycle-%d", i), func(t *testing.T) {
			if err := f.Init(); err != nil {
				t.Fatal(err)
			}
			p := lastProvider.Load()

			prod, err := f.CreateProducer(ProducerConfig{Width: 640, Height: 480})
			if err != nil {
				t.Fatal(err)
			}
			cons, err := f.CreateConsumer(prod.NativeHandle())
			if err != nil {
				t.Fatal(err)
			}
			_ = cons.Close()
			_ = prod.Close()

			if err := f.Destroy(); err != nil {
				t.Fatal(err)
			}
			if err := f.Destroy(); err != nil {
				t.Errorf("second Destroy = %v", err)
			}
			if n := p.open.Load(); n != 0 {
				t.Errorf("%d handles leaked", n)
			}
			if !p.closed.Load() {
				t.Error("provider not closed on Destroy")
			}
			if f.State() != StateUninitialized {
				t.Errorf("State() = %v after Destroy", f.State())
			}
		})
	}
}

func TestProvidersListsRegistered(t *testing.T) {
	registerCounting(t)
	names := Providers()
	found := false
	for _, n := range names {
		if n == "counting" {
			found = true
		}
	}
	if !found {
		t.Errorf("Providers() = %v, missing counting", names)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	registerCounting(t)
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	Register("counting", func(map[string]string) (Provider, error) { return nil, nil })
}
