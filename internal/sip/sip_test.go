package sip

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-logr/logr"
)

type testServer struct {
	*BaseServer
}

func newTestServer(config *ServerConfig, log logr.Logger) (IServer, error) {
	return &testServer{BaseServer: NewBaseServer(config)}, nil
}

func TestServerFactory(t *testing.T) {
	factory := NewServerFactory(logr.Discard())
	if err := factory.Register("test-server", newTestServer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	types := factory.ListTypes()
	if len(types) != 1 || types[0] != "test-server" {
		t.Errorf("ListTypes() = %v, want [test-server]", types)
	}

	config := &ServerConfig{Name: "s1", Capabilities: CapDeviceAccess}
	server, err := factory.Create("test-server", config)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if server == nil {
		t.Fatal("server is nil")
	}
}

func TestServerFactoryRejectsDuplicateRegistration(t *testing.T) {
	factory := NewServerFactory(logr.Discard())
	if err := factory.Register("dup", newTestServer); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := factory.Register("dup", newTestServer); err == nil {
		t.Fatal("expected an error registering the same type twice")
	}
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	factory := NewServerFactory(logr.Discard())
	factory.Register("test-server", newTestServer)

	config := &ServerConfig{Name: "lifecycle", Capabilities: CapDeviceAccess}
	server, err := factory.Create("test-server", config)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := server.Initialize(ctx, config); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := server.Health().Status; got != HealthStarting {
		t.Errorf("Health after Initialize = %v, want HealthStarting", got)
	}

	if err := server.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := server.Health().Status; got != HealthHealthy {
		t.Errorf("Health after Start = %v, want HealthHealthy", got)
	}

	if err := server.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := server.Health().Status; got != HealthStopped {
		t.Errorf("Health after Stop = %v, want HealthStopped", got)
	}
}

func TestMarkDegradedFromHealthy(t *testing.T) {
	ctx := context.Background()
	s := NewBaseServer(&ServerConfig{Name: "degraded-test"})
	s.Initialize(ctx, &ServerConfig{Name: "degraded-test"})
	s.Start(ctx)

	s.MarkDegraded(fmt.Errorf("a transient hiccup"))

	h := s.Health()
	if h.Status != HealthDegraded {
		t.Errorf("Status = %v, want HealthDegraded", h.Status)
	}
	if h.Errors != 1 {
		t.Errorf("Errors = %d, want 1", h.Errors)
	}
	if h.LastErr == nil {
		t.Error("LastErr was not recorded")
	}
}

func TestServerManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	factory := NewServerFactory(logr.Discard())
	factory.Register("test-server", newTestServer)
	manager := NewServerManager(factory, logr.Discard())

	config := &ServerConfig{Name: "managed-1", Capabilities: CapDeviceAccess}
	if err := manager.StartServer(ctx, "test-server", config); err != nil {
		t.Fatalf("StartServer: %v", err)
	}

	if err := manager.StartServer(ctx, "test-server", config); err == nil {
		t.Fatal("expected an error starting the same server name twice")
	}

	servers := manager.ListServers()
	if len(servers) != 1 {
		t.Fatalf("ListServers() = %v, want 1 entry", servers)
	}

	if _, ok := manager.GetServer("managed-1"); !ok {
		t.Error("GetServer did not find managed-1")
	}

	if err := manager.StopServer(ctx, "managed-1"); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	if len(manager.ListServers()) != 0 {
		t.Error("expected no servers after StopServer")
	}
}

func TestCapabilityBits(t *testing.T) {
	caps := CapDeviceAccess | CapInterrupt | CapDMA
	if caps&CapDeviceAccess == 0 || caps&CapInterrupt == 0 || caps&CapDMA == 0 {
		t.Error("expected all three capability bits set")
	}
	if caps&CapFileSystem != 0 {
		t.Error("CapFileSystem should not be set")
	}
}

func TestHealthStatusStringing(t *testing.T) {
	for _, s := range []HealthStatus{HealthUnknown, HealthStarting, HealthHealthy, HealthDegraded, HealthFailing, HealthStopped} {
		if s.String() == "" {
			t.Errorf("HealthStatus(%d).String() is empty", s)
		}
	}
}
