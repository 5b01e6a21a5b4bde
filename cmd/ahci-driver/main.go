// Command ahci-driver runs the AHCI block-device driver as a SIP server,
// exposing disks on the Disk message bus for request adapters to consume.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"lux9/ahci-driver/internal/ahcidrv"
	"lux9/ahci-driver/internal/clock"
	"lux9/ahci-driver/internal/diskbus"
	"lux9/ahci-driver/internal/hostbus"
	"lux9/ahci-driver/internal/pciutil"
	"lux9/ahci-driver/internal/sip"
)

// fileConfig is the on-disk shape a -config yaml file may override
// defaults with; any field left unset keeps its flag-derived value.
type fileConfig struct {
	PortMask    *uint32 `yaml:"port_mask"`
	FallbackIRQ *int    `yaml:"fallback_irq"`
	SearchIndex *int    `yaml:"search_index"`
	MountPoint  *string `yaml:"mount_point"`
}

func main() {
	var (
		portMask    = pflag.Uint32("mask", 0xffffffff, "bitmask of AHCI ports to attach")
		fallbackIRQ = pflag.Int("irq", 0x13, "fallback GSI recorded in the server metadata (bring-up itself always falls back to GSI 0x13)")
		searchIndex = pflag.Int("index", 0, "PCI search index of the AHCI controller to attach")
		mountPoint  = pflag.String("mount", "/dev/sd", "SIP namespace mount point")
		configPath  = pflag.String("config", "", "optional YAML file overriding the flags above")
		verbosity   = pflag.Int("v", 0, "log verbosity")
	)
	pflag.Parse()

	if *configPath != "" {
		if err := applyFileConfig(*configPath, portMask, fallbackIRQ, searchIndex, mountPoint); err != nil {
			log.Fatalf("ahci-driver: load config %s: %v", *configPath, err)
		}
	}

	stdr.SetVerbosity(*verbosity)
	baseLog := stdr.New(log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)).WithName("ahci-driver")

	factory := sip.NewServerFactory(baseLog)
	if err := factory.Register("ahci-driver", newDriverServer); err != nil {
		baseLog.Error(err, "register server type")
		os.Exit(1)
	}
	manager := sip.NewServerManager(factory, baseLog)

	config := &sip.ServerConfig{
		Name:         "ahci-driver",
		Capabilities: sip.CapDeviceAccess | sip.CapInterrupt | sip.CapDMA,
		MountPoint:   *mountPoint,
		Priority:     10,
		Metadata: map[string]string{
			"port_mask":    fmt.Sprintf("%#x", *portMask),
			"fallback_irq": fmt.Sprintf("%d", *fallbackIRQ),
			"search_index": fmt.Sprintf("%d", *searchIndex),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartServer(ctx, "ahci-driver", config); err != nil {
		baseLog.Error(err, "start server")
		os.Exit(1)
	}
	baseLog.Info("running", "mount", *mountPoint)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	baseLog.Info("shutting down")
	if err := manager.StopAll(ctx); err != nil {
		baseLog.Error(err, "shutdown")
	}
}

func applyFileConfig(path string, portMask *uint32, fallbackIRQ, searchIndex *int, mountPoint *string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	if fc.PortMask != nil {
		*portMask = *fc.PortMask
	}
	if fc.FallbackIRQ != nil {
		*fallbackIRQ = *fc.FallbackIRQ
	}
	if fc.SearchIndex != nil {
		*searchIndex = *fc.SearchIndex
	}
	if fc.MountPoint != nil {
		*mountPoint = *fc.MountPoint
	}
	return nil
}

// driverServer implements sip.IDeviceDriver, wiring the ahcidrv bring-up
// sequence, a diskbus.Registry, and a commit sink together behind the SIP
// server lifecycle.
type driverServer struct {
	*sip.BaseServer
	log logr.Logger

	pci  *pciutil.Bus
	host *hostbus.Bus
	reg  *diskbus.Registry
	hba  *ahcidrv.HBA
}

var _ sip.IDeviceDriver = (*driverServer)(nil)

func newDriverServer(config *sip.ServerConfig, log logr.Logger) (sip.IServer, error) {
	return &driverServer{
		BaseServer: sip.NewBaseServer(config),
		log:        log,
		reg:        diskbus.NewRegistry(),
	}, nil
}

func (d *driverServer) Initialize(ctx context.Context, config *sip.ServerConfig) error {
	if err := d.BaseServer.Initialize(ctx, config); err != nil {
		return err
	}
	required := sip.CapDeviceAccess | sip.CapInterrupt | sip.CapDMA
	if config.Capabilities&required != required {
		return fmt.Errorf("ahci-driver requires CapDeviceAccess, CapInterrupt, and CapDMA")
	}
	d.pci = pciutil.New(d.log.WithName("pci"))
	d.host = hostbus.New(d.log.WithName("host"))
	return nil
}

func (d *driverServer) Start(ctx context.Context) error {
	if err := d.BaseServer.Start(ctx); err != nil {
		return err
	}
	devices, err := d.Probe(ctx)
	if err != nil {
		d.log.Error(err, "probe failed")
		return err
	}
	for _, dev := range devices {
		if err := d.AttachDevice(ctx, dev); err != nil {
			d.log.Error(err, "attach device failed", "device", dev)
		}
	}
	return nil
}

func (d *driverServer) Stop(ctx context.Context) error {
	if err := d.host.Close(); err != nil {
		d.log.Error(err, "closing host service bus")
	}
	return d.BaseServer.Stop(ctx)
}

// Probe brings the controller named by the server's metadata up and
// returns one device path per attached port.
func (d *driverServer) Probe(ctx context.Context) ([]string, error) {
	cfg := d.GetConfig()
	mask := uint32(0xffffffff)
	if v, err := strconv.ParseUint(strings.TrimPrefix(cfg.Metadata["port_mask"], "0x"), 16, 32); err == nil {
		mask = uint32(v)
	}
	index := 0
	if v, err := strconv.Atoi(cfg.Metadata["search_index"]); err == nil {
		index = v
	}

	var devices []string
	hba, err := ahcidrv.Attach(index, d.pci, d.host, clock.System{}, d.log, mask, d, func(port int, p *ahcidrv.Port) {
		disknr := d.reg.Add(p)
		devices = append(devices, fmt.Sprintf("sdC%d", disknr))
	})
	if err != nil {
		return nil, err
	}
	d.hba = hba
	return devices, nil
}

func (d *driverServer) AttachDevice(ctx context.Context, devicePath string) error {
	d.IncrementRequests()
	d.log.Info("attached", "device", devicePath)
	return nil
}

func (d *driverServer) DetachDevice(ctx context.Context, devicePath string) error {
	d.log.Info("detached", "device", devicePath)
	return nil
}

func (d *driverServer) HandleInterrupt(ctx context.Context, irq int) error {
	d.IncrementRequests()
	return nil
}

// Commit implements ahcidrv.CommitSink, the Disk-commit message bus
// (spec.md §6): for now it only tracks health; a real request adapter
// would publish this onward to its own commit bus.
func (d *driverServer) Commit(disknr int, callerTag uint64, status ahcidrv.Status) {
	if status == ahcidrv.StatusError {
		d.MarkDegraded(fmt.Errorf("disk %d command %d failed", disknr, callerTag))
	}
}
