package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-automation/internal/scheduler"
)

const (
	gracefulShutdownTimeout = 10 * time.Second
	probeTimeout            = 2 * time.Second
)

// Engine is the part of the automation registry the API drives.
// *automation.Registry satisfies it.
type Engine interface {
	List() []automation.Status
	Status(id string) (automation.Status, error)
	Run(ctx context.Context, id string, vars map[string]any, origin event.Context) (string, error)
	Stop(ctx context.Context, id string) error
	StopRun(ctx context.Context, runID string) error
	Enable(ctx context.Context, id string) error
	Disable(id string) error
	Graph(id string) ([]scheduler.Node, error)
}

// EventSource is the event bus as seen by the WebSocket relay.
type EventSource interface {
	Listen(eventType string, handler event.Handler) func()
}

// Prober is anything /health can ask about. The database, MQTT and
// InfluxDB clients all satisfy it.
type Prober interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Engine  Engine
	Runs    automation.Repository // optional: run history
	Bus     EventSource           // optional: WebSocket relay
	Probes  map[string]Prober     // optional: reported by /health
	Version string
}

// Server is the HTTP control API and event stream for the automation
// engine. Nothing listens until Start.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	engine    Engine
	runs      automation.Repository
	bus       EventSource
	probes    map[string]Prober
	version   string
	startTime time.Time

	server *http.Server
	relay  *relay
	unsub  func()
	cancel context.CancelFunc // cancels background goroutines on Close()
}

// New validates deps and builds a Server.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		engine:    deps.Engine,
		runs:      deps.Runs,
		bus:       deps.Bus,
		probes:    deps.Probes,
		version:   deps.Version,
		startTime: time.Now(),
		relay:     newRelay(deps.WS, deps.Logger),
	}, nil
}

// Start subscribes the relay to the bus, binds the listener and serves in
// the background. A port conflict is returned here rather than logged.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go func() {
		<-srvCtx.Done()
		s.relay.closeAll()
	}()

	if s.bus != nil {
		s.unsub = s.bus.Listen(event.MatchAll, s.relayEvent)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	// Bind synchronously so port conflicts fail startup.
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close detaches from the bus, drops event stream clients and drains
// in-flight requests for up to gracefulShutdownTimeout.
func (s *Server) Close() error {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether Start has run.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if s.server == nil {
		return errors.New("api: not started")
	}
	return nil
}

// relayEvent runs on the bus goroutine; publish only enqueues.
func (s *Server) relayEvent(ev event.Event) {
	s.relay.publish(ev)
}
