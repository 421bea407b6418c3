package firecracker

import (
	"os"
	"strconv"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath = "VESSELD_FC_KERNEL_PATH"
	envRootfsPath = "VESSELD_FC_ROOTFS_PATH"
	envBin        = "VESSELD_FC_BIN"
	envSocketDir  = "VESSELD_FC_SOCKET_DIR"
	envCID        = "VESSELD_FC_CID"
	envVCPUs      = "VESSELD_FC_VCPUS"
	envMemMB      = "VESSELD_FC_MEM_MB"
)

// Config holds configuration for the Firecracker backend.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsPath is the path to the root filesystem image carrying the
	// vessel-guest agent.
	RootfsPath string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// SocketDir is the directory for the VMM API socket and the vsock UDS.
	// A temporary directory is created when empty.
	SocketDir string

	// CID is the guest context ID for the vsock device.
	CID uint32

	// VCPUs is the vCPU count for the VM.
	VCPUs int64

	// MemMB is the VM memory size in MiB.
	MemMB int64
}

// LoadConfig reads Firecracker configuration from environment variables,
// applying sensible defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		CID:   DefaultCID,
		VCPUs: DefaultVCPUs,
		MemMB: DefaultMemMB,
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsPath); v != "" {
		cfg.RootfsPath = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envSocketDir); v != "" {
		cfg.SocketDir = v
	}
	if v := os.Getenv(envCID); v != "" {
		if cid, err := strconv.ParseUint(v, 10, 32); err == nil && uint32(cid) >= DefaultCID {
			cfg.CID = uint32(cid)
		}
	}
	if v := os.Getenv(envVCPUs); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.VCPUs = n
		}
	}
	if v := os.Getenv(envMemMB); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MemMB = n
		}
	}

	return cfg
}
