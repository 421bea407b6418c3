// Command vessel-guest is the agent running inside the VM. The daemon opens
// one vsock connection per container, allocating guest ports upward from a
// fixed floor, so the agent listens on a block of ports starting there.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o vessel-guest ./cmd/vessel-guest
package main

import (
	"log"
	"os"
	"strconv"

	"github.com/mdlayher/vsock"

	"github.com/vesselvm/vessel/internal/config"
	"github.com/vesselvm/vessel/internal/guest"
	"github.com/vesselvm/vessel/internal/registry"
)

const (
	envPortBase  = "VESSEL_GUEST_PORT_BASE"
	envPortCount = "VESSEL_GUEST_PORT_COUNT"

	// defaultPortCount bounds the containers reachable in one VM.
	defaultPortCount = 64
)

func main() {
	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(os.Getenv("VESSEL_GUEST_LOG_LEVEL")))

	guest.SetupInit(logger)

	base := registry.DefaultMinPort
	if v := os.Getenv(envPortBase); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			log.Fatalf("parse %s: %v", envPortBase, err)
		}
		base = uint32(n)
	}
	count := uint32(defaultPortCount)
	if v := os.Getenv(envPortCount); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			log.Fatalf("parse %s: %v", envPortCount, err)
		}
		count = uint32(n)
	}

	agent := guest.New(guest.NopRuntime{}, logger)

	for port := base; port < base+count; port++ {
		l, err := vsock.Listen(port, nil)
		if err != nil {
			log.Fatalf("vsock listen on port %d: %v", port, err)
		}
		defer l.Close()
		go agent.Serve(l)
	}

	logger.Info("vessel-guest listening", "port_base", base, "port_count", count)
	select {}
}
