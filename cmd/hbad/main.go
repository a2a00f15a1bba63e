// Command hbad is the host-bus-adapter driver launcher: it parses the
// §6 configuration surface, discovers SATA and NVMe adapters over PCI,
// brings up SATA ports and NVMe controllers through the errand loop, and
// registers each SATA port as a block.Device for the block-protocol
// front-end (out of scope here) to consume. NVMe namespaces are not
// brought up or registered by this launcher.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/usbarmory/blockhba/ahci"
	"github.com/usbarmory/blockhba/block"
	"github.com/usbarmory/blockhba/dma"
	"github.com/usbarmory/blockhba/errand"
	"github.com/usbarmory/blockhba/nvme"
	"github.com/usbarmory/blockhba/pci"
	"github.com/usbarmory/blockhba/reg"
)

func main() {
	var (
		verbosity  = flag.String("v", "info", "log verbosity: debug, info, warn, error")
		width      = flag.Int("address-width", 0, "override DMA bus address width in bits (0 = no override; only 32 has an effect)")
		configPath = flag.String("config", "", "path to YAML client-binding/feature-disable configuration")
		noSGL      = flag.Bool("no-sgl", false, "disable NVMe SGL command construction")
		noMSI      = flag.Bool("no-msi", false, "disable MSI interrupt registration")
		noMSIX     = flag.Bool("no-msix", false, "disable MSI-X interrupt registration")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*verbosity)}))
	slog.SetDefault(log)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	cfg.Disables.NoSGL = cfg.Disables.NoSGL || *noSGL
	cfg.Disables.NoMSI = cfg.Disables.NoMSI || *noMSI
	cfg.Disables.NoMSIX = cfg.Disables.NoMSIX || *noMSIX

	if *width != 0 {
		cfg.AddressWidth = *width
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loop := errand.NewLoop()

	// Bring-up blocks on the Initialize/Enable callbacks, which are
	// themselves driven by errands the loop dispatches, so the loop must
	// already be running before discovery starts.
	go loop.Run(ctx)

	devices, err := discoverAndBringUp(ctx, cfg, loop, log)
	if err != nil {
		log.Error("discovery failed", "err", err)
		os.Exit(1)
	}

	log.Info("adapters ready", "count", len(devices))

	<-ctx.Done()
}

func parseLevel(v string) slog.Level {
	switch v {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// discoverAndBringUp enumerates SATA and NVMe functions over PCI, maps
// each adapter's MMIO BAR, and drives its port/controller state machine
// towards Ready. The client bindings in cfg are not consulted here.
func discoverAndBringUp(ctx context.Context, cfg Config, loop *errand.Loop, log *slog.Logger) ([]block.Device, error) {
	disc := pci.NewSysfsDiscoverer(pci.ClassSATA, pci.ClassNVMe)

	found, err := disc.Discover()
	if err != nil {
		return nil, err
	}

	var devices []block.Device

	for _, d := range found {
		bar, err := d.MapBAR(0)
		if err != nil {
			log.Error("failed to map adapter BAR, skipping", "bus", d.Bus, "slot", d.Slot, "err", err)
			continue
		}

		is32bit := cfg.AddressWidth == 32

		region, err := dma.New(16<<20, is32bit)
		if err != nil {
			log.Error("failed to create DMA domain, skipping", "bus", d.Bus, "slot", d.Slot, "err", err)
			continue
		}

		window := reg.NewWindow(bar)

		switch d.Class {
		case pci.ClassSATA:
			devices = append(devices, bringUpSATA(loop, window, region, log)...)
		case pci.ClassNVMe:
			devices = append(devices, bringUpNVMe(loop, window, region, log, cfg.Disables.NoSGL)...)
		}
	}

	return devices, nil
}

func bringUpSATA(loop *errand.Loop, window *reg.Window, region *dma.Region, log *slog.Logger) []block.Device {
	var devices []block.Device

	const maxPorts = 32

	for n := 0; n < maxPorts; n++ {
		portWindow := reg.NewWindow(window.Slice(ahci.HBA_PORTS+n*ahci.HBA_PORTLEN, ahci.HBA_PORTLEN))

		p := ahci.NewPort(n, portWindow, region, loop, log)

		if err := p.Attach(); err != nil {
			continue
		}

		if err := p.InitializeMemory(ahci.MaxSlots); err != nil {
			log.Error("failed to initialize port memory", "port", n, "err", err)
			continue
		}

		done := make(chan error, 1)
		p.Initialize(func(err error) { done <- err })

		if err := <-done; err != nil {
			log.Error("port initialize failed", "port", n, "err", err)
			continue
		}

		p.Enable(func(err error) {
			if err != nil {
				log.Error("port enable failed", "port", n, "err", err)
				return
			}
			log.Info("SATA device ready", "port", n, "model", p.Identity().Model, "serial", p.Identity().Serial)
		})

		devices = append(devices, ahci.NewDevice(p))
	}

	return devices
}

func bringUpNVMe(loop *errand.Loop, window *reg.Window, region *dma.Region, log *slog.Logger, noSGL bool) []block.Device {
	ctrl := nvme.NewController(window, region, loop, log)

	if err := ctrl.Attach(); err != nil {
		log.Error("nvme controller not present", "err", err)
		return nil
	}

	done := make(chan error, 1)
	ctrl.Initialize(16, func(err error) { done <- err })

	if err := <-done; err != nil {
		log.Error("nvme controller initialize failed", "err", err)
		return nil
	}

	enableDone := make(chan error, 1)
	ctrl.Enable(func(err error) { enableDone <- err })

	if err := <-enableDone; err != nil {
		log.Error("nvme controller identify failed", "err", err)
		return nil
	}

	if noSGL {
		log.Info("SGL command construction disabled by configuration")
	}

	log.Info("NVMe controller ready", "model", ctrl.Identity().Model, "serial", ctrl.Identity().Serial)

	// Namespace 1's I/O queue pair and registration as a block.Device are
	// driven by the same Create I/O CQ/SQ handshake CreateIOQueues
	// implements; wiring caller-allocated queue memory through here is
	// the block-protocol front-end's responsibility and is out of scope
	// for this launcher.
	return nil
}
