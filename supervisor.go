package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/One-com/gone/log"

	"github.com/One-com/serve/endpoint"
)

// A port-only endpoint is retried this many times on an ephemeral port.
const maxConflictRetries = 1

// BindError is returned by Supervisor.Start when an endpoint cannot be bound.
type BindError struct {
	Endpoint endpoint.Endpoint
	Conflict bool // the address was already in use
	Err      error
}

func (e *BindError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("Cannot listen on %s: address already in use", e.Endpoint)
	}
	return fmt.Sprintf("Cannot listen on %s: %s", e.Endpoint, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ListenerState is the runtime record of one bound endpoint.
type ListenerState struct {
	// Requested is the endpoint as given. Endpoint is what got bound,
	// which differs from Requested after switching to an ephemeral port.
	Requested endpoint.Endpoint
	Endpoint  endpoint.Endpoint

	// PreviousPort is the requested port when it was in use, 0 otherwise.
	PreviousPort uint16

	// Addr is the address the listener is bound to.
	Addr net.Addr

	TLS bool

	server   *http.Server
	listener net.Listener
	close    sync.Once
}

// Description names the bound address for operators.
func (ls *ListenerState) Description() string {
	return ls.Addr.Network() + ":" + ls.Addr.String()
}

// SupervisorOptions configure a Supervisor.
type SupervisorOptions struct {
	Server ServerConfig

	// NoPortSwitching disables the ephemeral port fallback on conflict.
	NoPortSwitching bool

	// ShutdownTimeout bounds the graceful shutdown of each listener.
	// 0 closes connections immediately.
	ShutdownTimeout time.Duration

	// Listen binds an endpoint. Defaults to the platform listener.
	Listen func(endpoint.Endpoint) (net.Listener, error)

	// Present is called with every listener once it accepts connections.
	Present func(*ListenerState)
}

// Supervisor binds and serves one listener per endpoint, all with the same handler.
type Supervisor struct {
	handler  http.Handler
	registry Registrar
	opts     SupervisorOptions

	mu        sync.Mutex
	listeners []*ListenerState

	group *errgroup.Group
	ctx   context.Context
}

// NewSupervisor creates a Supervisor registering shutdown hooks with registry.
func NewSupervisor(handler http.Handler, registry Registrar, opts SupervisorOptions) *Supervisor {
	if opts.Listen == nil {
		opts.Listen = listenEndpoint
	}
	group, ctx := errgroup.WithContext(context.Background())
	return &Supervisor{
		handler:  handler,
		registry: registry,
		opts:     opts,
		group:    group,
		ctx:      ctx,
	}
}

// Start binds ep and serves it in the background. A port-only TCP endpoint
// whose port is in use is bound to an ephemeral port instead, unless port
// switching is disabled. Any other failure is returned as a *BindError.
func (s *Supervisor) Start(ep endpoint.Endpoint) (*ListenerState, error) {

	state := &ListenerState{Requested: ep, Endpoint: ep}

	var ln net.Listener
	for attempt := 0; ; attempt++ {
		var err error
		ln, err = s.opts.Listen(state.Endpoint)
		if err == nil {
			break
		}

		conflict := isAddrInUse(err)
		if conflict && state.Endpoint.PortOnly && !s.opts.NoPortSwitching && attempt < maxConflictRetries {
			log.DEBUG("Address in use. Switching to ephemeral port", "endpoint", state.Endpoint)
			state.PreviousPort = state.Endpoint.Port
			state.Endpoint = endpoint.Port(0)
			continue
		}
		return nil, &BindError{Endpoint: state.Endpoint, Conflict: conflict, Err: err}
	}

	state.Addr = ln.Addr()
	state.TLS = s.opts.Server.TLS != nil
	state.listener = s.opts.Server.prepareListener(ln)
	state.server = newHTTPServer(state.Endpoint.String(), &s.opts.Server, s.handler)

	s.mu.Lock()
	s.listeners = append(s.listeners, state)
	s.mu.Unlock()

	s.registry.Register(state.Description(), func() { s.stop(state) })

	s.group.Go(func() error {
		err := serveOn(state.server, state.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "Serving %s", state.Description())
	})

	log.DEBUG("Listening", "addr", state.Description())
	if s.opts.Present != nil {
		s.opts.Present(state)
	}
	return state, nil
}

// stop closes the listener of state. Only the first call has any effect.
func (s *Supervisor) stop(state *ListenerState) {
	state.close.Do(func() {
		var err error
		if s.opts.ShutdownTimeout > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
			err = state.server.Shutdown(ctx)
			cancel()
		}
		if s.opts.ShutdownTimeout <= 0 || err != nil {
			err = state.server.Close()
		}
		if err != nil {
			log.ERROR("Error closing listener", "addr", state.Description(), "err", err)
			return
		}
		log.INFO("Closed listener", "addr", state.Description())
	})
}

// Listeners returns the bound listeners in the order they were started.
func (s *Supervisor) Listeners() []*ListenerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ListenerState(nil), s.listeners...)
}

// Done is closed when a listener failed serving or Wait returned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Wait blocks until all listeners have stopped serving. It returns the
// first serving error.
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}
