package process

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// ArgsFunc builds the command line of the child for id. It runs before
// every start, so restarts pick up a changed command.
type ArgsFunc func(id string) ([]string, error)

// StateChangeCallback is called on every state transition.
type StateChangeCallback func(id string, oldState, newState State)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Args is required.
	Args ArgsFunc
	// OnStateChange runs outside the pool lock.
	OnStateChange StateChangeCallback
	// Configure adjusts each child before it starts.
	Configure func(id string, c *Child)
	// MaxRestarts bounds restarts after crashes; 0 never restarts.
	MaxRestarts int
	// RestartDelay is the wait before a restart. Defaults to one second.
	RestartDelay time.Duration
	Logger       *slog.Logger
}

type entry struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool supervises at most one child per ID.
type Pool struct {
	opts   PoolOptions
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// NewPool creates a pool. It panics without an Args function.
func NewPool(opts PoolOptions) *Pool {
	if opts.Args == nil {
		panic("process: PoolOptions.Args is required")
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Start launches the child of id. It fails when one is already supervised
// or the command cannot be built.
func (p *Pool) Start(id string) error {
	args, err := p.opts.Args(id)
	if err != nil {
		return fmt.Errorf("build command for %s: %w", id, err)
	}

	p.mu.Lock()
	if e, ok := p.entries[id]; ok && e.info.State != StateIdle && e.info.State != StateError {
		p.mu.Unlock()
		return fmt.Errorf("process %s already running", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		info:   Info{ID: id, State: StateIdle},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.entries[id] = e
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer close(e.done)
		p.supervise(ctx, e, args)
	}()
	return nil
}

// supervise runs children for e until ctx ends, a child exits cleanly or
// the restart limit is reached.
func (p *Pool) supervise(ctx context.Context, e *entry, args []string) {
	id := e.info.ID
	for {
		child := NewChild(id, args, p.logger)
		if p.opts.Configure != nil {
			p.opts.Configure(id, child)
		}
		child.OnStart(func(pid int) {
			p.setState(e, StateRunning, func(i *Info) { i.PID = pid })
		})
		p.setState(e, StateStarting, func(i *Info) { i.StartedAt = time.Now().UTC() })
		code := child.Run(ctx)

		switch {
		case ctx.Err() != nil:
			p.setState(e, StateIdle, func(i *Info) { i.PID, i.ExitCode = 0, code })
			return
		case code == 0:
			p.logger.Info("Process exited", "id", id)
			p.setState(e, StateIdle, func(i *Info) { i.PID, i.ExitCode = 0, 0 })
			return
		}

		p.mu.Lock()
		restarts := e.info.Restarts
		p.mu.Unlock()
		lastErr := fmt.Sprintf("exited with code %d", code)
		if restarts >= p.opts.MaxRestarts {
			p.logger.Error("Process crashed, giving up", "id", id, "exit_code", code, "restarts", restarts)
			p.setState(e, StateError, func(i *Info) { i.PID, i.ExitCode, i.LastError = 0, code, lastErr })
			return
		}

		p.logger.Warn("Process crashed, restarting", "id", id, "exit_code", code,
			"restarts", restarts+1, "delay", p.opts.RestartDelay)
		p.setState(e, StateBackoff, func(i *Info) {
			i.PID, i.ExitCode, i.LastError = 0, code, lastErr
			i.Restarts++
		})
		select {
		case <-ctx.Done():
			p.setState(e, StateIdle, nil)
			return
		case <-time.After(p.opts.RestartDelay):
		}

		next, err := p.opts.Args(id)
		if err != nil {
			p.logger.Error("Failed to rebuild command", "id", id, "error", err)
			p.setState(e, StateError, func(i *Info) { i.LastError = err.Error() })
			return
		}
		args = next
	}
}

func (p *Pool) setState(e *entry, state State, update func(*Info)) {
	p.mu.Lock()
	old := e.info.State
	e.info.State = state
	if update != nil {
		update(&e.info)
	}
	p.mu.Unlock()

	if old != state && p.opts.OnStateChange != nil {
		p.opts.OnStateChange(e.info.ID, old, state)
	}
}

// Stop stops the child of id and waits for it. Unknown IDs are a no-op.
func (p *Pool) Stop(id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-e.done:
	default:
		p.setState(e, StateStopping, nil)
		p.logger.Info("Stopping process", "id", id)
		e.cancel()
		<-e.done
	}

	p.mu.Lock()
	if p.entries[id] == e {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	return nil
}

// Restart stops and starts the child of id.
func (p *Pool) Restart(id string) error {
	if err := p.Stop(id); err != nil {
		return err
	}
	return p.Start(id)
}

// Status returns the state of id; unknown IDs are idle.
func (p *Pool) Status(id string) Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e.info
	}
	return Info{ID: id, State: StateIdle}
}

// IsRunning reports whether a child of id is running.
func (p *Pool) IsRunning(id string) bool {
	return p.Status(id).State == StateRunning
}

// List returns every supervised child ordered by ID.
func (p *Pool) List() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.entries))
	for _, id := range slices.Sorted(maps.Keys(p.entries)) {
		out = append(out, p.entries[id].info)
	}
	return out
}

// StopAll stops every child and waits for the supervisors to return.
func (p *Pool) StopAll() {
	p.mu.Lock()
	ids := slices.Collect(maps.Keys(p.entries))
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.Stop(id)
	}
	p.wg.Wait()
}
