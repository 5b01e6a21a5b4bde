// Package sip provides the Software Isolated Process framework this driver
// runs under: interfaces and a factory/manager pair for creating isolated
// userspace servers that communicate via 9P-style message buses.
package sip

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// ServerCapability defines what resources a SIP server can access.
type ServerCapability uint64

const (
	CapNone         ServerCapability = 0
	CapFileSystem   ServerCapability = 1 << iota // Can serve files via 9P
	CapDeviceAccess                              // Can access hardware devices
	CapPageExchange                              // Can exchange pages with other processes
	CapNetworking                                // Can use network stack
	CapInterrupt                                 // Can register interrupt handlers
	CapDMA                                        // Can perform DMA operations
	CapAll          ServerCapability = ^ServerCapability(0)
)

// ServerConfig holds configuration for a SIP server.
type ServerConfig struct {
	Name         string            // Server name (e.g., "ahci-driver")
	Capabilities ServerCapability  // Required capabilities
	MountPoint   string            // Where to mount in namespace (e.g., "/dev/sd")
	Priority     int               // Scheduling priority
	MemoryLimit  uint64            // Maximum memory in bytes (0 = unlimited)
	Metadata     map[string]string // Additional metadata (e.g. PCI mask, fallback IRQ)
}

// IServer is the core interface that all SIP servers must implement.
type IServer interface {
	// Initialize is called once during server startup.
	Initialize(ctx context.Context, config *ServerConfig) error

	// Start begins serving requests (non-blocking).
	Start(ctx context.Context) error

	// Stop gracefully shuts down the server.
	Stop(ctx context.Context) error

	// Health returns the current health status.
	Health() ServerHealth

	// GetConfig returns the server's configuration.
	GetConfig() *ServerConfig
}

// IDeviceDriver extends IServer for hardware device drivers.
type IDeviceDriver interface {
	IServer

	// Probe detects and enumerates hardware devices.
	Probe(ctx context.Context) ([]string, error)

	// AttachDevice configures and enables a specific device.
	AttachDevice(ctx context.Context, devicePath string) error

	// DetachDevice safely removes a device.
	DetachDevice(ctx context.Context, devicePath string) error

	// HandleInterrupt processes hardware interrupts.
	HandleInterrupt(ctx context.Context, irq int) error
}

// ServerHealth represents server health status.
type ServerHealth struct {
	Status   HealthStatus
	Message  string
	Uptime   int64 // seconds
	Requests uint64
	Errors   uint64
	LastErr  error
}

// HealthStatus enumerates the lifecycle states a SIP server passes through.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthStarting
	HealthHealthy
	HealthDegraded
	HealthFailing
	HealthStopped
)

func (h HealthStatus) String() string {
	switch h {
	case HealthUnknown:
		return "Unknown"
	case HealthStarting:
		return "Starting"
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthFailing:
		return "Failing"
	case HealthStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("HealthStatus(%d)", h)
	}
}

// BaseServer provides a default implementation of IServer. Concrete
// servers embed this and override the methods their domain needs.
type BaseServer struct {
	config      *ServerConfig
	health      ServerHealth
	healthMutex sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewBaseServer creates a new base server.
func NewBaseServer(config *ServerConfig) *BaseServer {
	return &BaseServer{
		config: config,
		health: ServerHealth{Status: HealthUnknown},
	}
}

func (s *BaseServer) Initialize(ctx context.Context, config *ServerConfig) error {
	s.config = config
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.updateHealth(HealthStarting, "Initializing", nil)
	return nil
}

func (s *BaseServer) Start(ctx context.Context) error {
	s.updateHealth(HealthHealthy, "Running", nil)
	return nil
}

func (s *BaseServer) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.updateHealth(HealthStopped, "Stopped", nil)
	return nil
}

func (s *BaseServer) Health() ServerHealth {
	s.healthMutex.RLock()
	defer s.healthMutex.RUnlock()
	return s.health
}

func (s *BaseServer) GetConfig() *ServerConfig {
	return s.config
}

func (s *BaseServer) updateHealth(status HealthStatus, message string, err error) {
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	s.health.Status = status
	s.health.Message = message
	if err != nil {
		s.health.LastErr = err
		s.health.Errors++
	}
}

// IncrementRequests increments the request counter.
func (s *BaseServer) IncrementRequests() {
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	s.health.Requests++
}

// MarkDegraded records a non-fatal error and moves a Healthy server to
// Degraded; a server in any other state keeps its status.
func (s *BaseServer) MarkDegraded(err error) {
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	s.health.LastErr = err
	s.health.Errors++
	if s.health.Status == HealthHealthy {
		s.health.Status = HealthDegraded
	}
}

// ServerConstructor creates a new server instance from its config.
type ServerConstructor func(config *ServerConfig, log logr.Logger) (IServer, error)

// ServerFactory creates SIP servers based on configuration.
type ServerFactory struct {
	registry map[string]ServerConstructor
	mu       sync.RWMutex
	log      logr.Logger
}

// NewServerFactory creates a new server factory that logs through log.
func NewServerFactory(log logr.Logger) *ServerFactory {
	return &ServerFactory{
		registry: make(map[string]ServerConstructor),
		log:      log,
	}
}

// Register adds a server constructor to the factory.
func (f *ServerFactory) Register(serverType string, constructor ServerConstructor) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.registry[serverType]; exists {
		return fmt.Errorf("server type %s already registered", serverType)
	}

	f.registry[serverType] = constructor
	f.log.V(1).Info("registered server type", "type", serverType)
	return nil
}

// Create instantiates a new server of the specified type.
func (f *ServerFactory) Create(serverType string, config *ServerConfig) (IServer, error) {
	f.mu.RLock()
	constructor, exists := f.registry[serverType]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown server type: %s", serverType)
	}

	server, err := constructor(config, f.log.WithName(config.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create server %s: %w", serverType, err)
	}

	f.log.Info("created server", "name", config.Name, "type", serverType)
	return server, nil
}

// ListTypes returns all registered server types.
func (f *ServerFactory) ListTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.registry))
	for t := range f.registry {
		types = append(types, t)
	}
	return types
}

// ServerManager manages the lifecycle of multiple SIP servers.
type ServerManager struct {
	servers map[string]IServer
	factory *ServerFactory
	log     logr.Logger
	mu      sync.RWMutex
}

// NewServerManager creates a new server manager.
func NewServerManager(factory *ServerFactory, log logr.Logger) *ServerManager {
	return &ServerManager{
		servers: make(map[string]IServer),
		factory: factory,
		log:     log,
	}
}

// StartServer creates, initializes, and starts a new server.
func (m *ServerManager) StartServer(ctx context.Context, serverType string, config *ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[config.Name]; exists {
		return fmt.Errorf("server %s already running", config.Name)
	}

	server, err := m.factory.Create(serverType, config)
	if err != nil {
		return err
	}

	if err := server.Initialize(ctx, config); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", config.Name, err)
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s: %w", config.Name, err)
	}

	m.servers[config.Name] = server
	m.log.Info("started server", "name", config.Name)
	return nil
}

// StopServer stops a running server.
func (m *ServerManager) StopServer(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	server, exists := m.servers[name]
	if !exists {
		return fmt.Errorf("server %s not found", name)
	}

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}

	delete(m.servers, name)
	m.log.Info("stopped server", "name", name)
	return nil
}

// GetServer retrieves a running server by name.
func (m *ServerManager) GetServer(name string) (IServer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	server, exists := m.servers[name]
	return server, exists
}

// ListServers returns the names of all running servers.
func (m *ServerManager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	return names
}

// StopAll stops all running servers.
func (m *ServerManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for name, server := range m.servers {
		if err := server.Stop(ctx); err != nil {
			m.log.Error(err, "error stopping server", "name", name)
			lastErr = err
		}
	}

	m.servers = make(map[string]IServer)
	return lastErr
}
